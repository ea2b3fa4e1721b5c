package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"example.com/payhub/services/ledger/cqrs"
	"example.com/payhub/services/ledger/domain"
	"example.com/payhub/services/ledger/eventstore"
	"example.com/payhub/services/ledger/handlers"
	"example.com/payhub/services/ledger/metrics"
	"example.com/payhub/services/ledger/saga"
	"example.com/payhub/services/ledger/stores"
)

// respondError maps domain errors onto HTTP status codes
func respondError(c *gin.Context, err error) {
	var durErr domain.DurabilityError

	switch {
	case domain.IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrProjectionUnknown):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrDuplicateHandler):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case domain.IsVersionConflict(err):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case domain.IsCircuitOpen(err):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.As(err, &durErr):
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   durErr.Error(),
			"writeId": durErr.WriteID,
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// --- Events ---

func (s *Server) appendEvent(c *gin.Context) {
	var candidate eventstore.Candidate
	if err := c.ShouldBindJSON(&candidate); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	evt, err := s.eventLog.Append(c.Request.Context(), candidate)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, evt)
}

type batchAppendRequest struct {
	AggregateID   string                 `json:"aggregate_id"`
	AggregateType string                 `json:"aggregate_type"`
	Events        []eventstore.Candidate `json:"events"`
}

func (s *Server) appendEventBatch(c *gin.Context) {
	var req batchAppendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	for i := range req.Events {
		if req.Events[i].AggregateID == "" {
			req.Events[i].AggregateID = req.AggregateID
		}
		if req.Events[i].AggregateType == "" {
			req.Events[i].AggregateType = req.AggregateType
		}
	}

	events, err := s.eventLog.AppendBatch(c.Request.Context(), req.AggregateID, req.AggregateType, req.Events)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"events": events, "count": len(events)})
}

func (s *Server) validateEvent(c *gin.Context) {
	var candidate eventstore.Candidate
	if err := c.ShouldBindJSON(&candidate); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.eventLog.ValidateCandidate(candidate); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"valid": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

func (s *Server) searchEvents(c *gin.Context) {
	var filter stores.SearchFilter
	if err := c.ShouldBindJSON(&filter); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.queryBus.Dispatch(c.Request.Context(), handlers.SearchEventsQuery{Filter: filter})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": result})
}

type archiveRequest struct {
	Cutoff time.Time `json:"cutoff"`
}

func (s *Server) archiveEvents(c *gin.Context) {
	var req archiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Cutoff.IsZero() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cutoff is required"})
		return
	}

	archived, err := s.eventLog.Archive(c.Request.Context(), req.Cutoff)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"archived": archived})
}

func (s *Server) getEvents(c *gin.Context) {
	qry := handlers.GetEventsQuery{
		AggregateID: c.Param("aggregateId"),
		FromVersion: intQuery(c, "from", 0),
		ToVersion:   intQuery(c, "to", 0),
		Limit:       intQuery(c, "limit", 0),
	}

	result, err := s.queryBus.Dispatch(c.Request.Context(), qry)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": result})
}

// --- Aggregates ---

func (s *Server) replayAggregate(c *gin.Context) {
	replayed, err := s.eventLog.Replay(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, replayed)
}

func (s *Server) createSnapshot(c *gin.Context) {
	aggregateID := c.Param("id")

	replayed, err := s.eventLog.Replay(c.Request.Context(), aggregateID)
	if err != nil {
		respondError(c, err)
		return
	}

	snap, err := s.snapshots.Create(c.Request.Context(), aggregateID, replayed.State, replayed.LastVersion)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, snap)
}

func (s *Server) getSnapshot(c *gin.Context) {
	snap, err := s.snapshots.Latest(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if snap == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no snapshot for aggregate"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// --- Accounts ---

func (s *Server) createAccount(c *gin.Context) {
	var cmd handlers.CreateAccountCommand
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.dispatchCommand(c, cmd)
}

func (s *Server) updateBalance(c *gin.Context) {
	var cmd handlers.UpdateBalanceCommand
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cmd.AccountID = c.Param("id")
	s.dispatchCommand(c, cmd)
}

func (s *Server) freezeAccount(c *gin.Context) {
	var cmd handlers.FreezeAccountCommand
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cmd.AccountID = c.Param("id")
	s.dispatchCommand(c, cmd)
}

func (s *Server) closeAccount(c *gin.Context) {
	var cmd handlers.CloseAccountCommand
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cmd.AccountID = c.Param("id")
	s.dispatchCommand(c, cmd)
}

func (s *Server) getAccount(c *gin.Context) {
	result, err := s.queryBus.Dispatch(c.Request.Context(), handlers.GetAccountQuery{AccountID: c.Param("id")})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// --- Transactions ---

func (s *Server) initiateTransaction(c *gin.Context) {
	var cmd handlers.InitiateTransactionCommand
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.dispatchCommand(c, cmd)
}

func (s *Server) authorizeTransaction(c *gin.Context) {
	var cmd handlers.AuthorizeTransactionCommand
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cmd.TransactionID = c.Param("id")
	s.dispatchCommand(c, cmd)
}

func (s *Server) settleTransaction(c *gin.Context) {
	var cmd handlers.SettleTransactionCommand
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cmd.TransactionID = c.Param("id")
	s.dispatchCommand(c, cmd)
}

func (s *Server) declineTransaction(c *gin.Context) {
	var cmd handlers.DeclineTransactionCommand
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cmd.TransactionID = c.Param("id")
	s.dispatchCommand(c, cmd)
}

func (s *Server) getTransaction(c *gin.Context) {
	result, err := s.queryBus.Dispatch(c.Request.Context(), handlers.GetTransactionQuery{TransactionID: c.Param("id")})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// --- Projections ---

type createProjectionRequest struct {
	Name                 string          `json:"name"`
	AggregateType        string          `json:"aggregate_type"`
	SubscribedEventTypes []string        `json:"subscribed_event_types"`
	InitialState         json.RawMessage `json:"initial_state"`
	Rebuild              bool            `json:"rebuild"`
}

func (s *Server) createProjection(c *gin.Context) {
	var req createProjectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	proj, err := s.projections.Create(c.Request.Context(), req.Name, req.AggregateType, req.SubscribedEventTypes, req.InitialState)
	if err != nil {
		respondError(c, err)
		return
	}

	if req.Rebuild {
		proj, err = s.projections.Rebuild(c.Request.Context(), req.Name)
		if err != nil {
			respondError(c, err)
			return
		}
	}
	c.JSON(http.StatusCreated, proj)
}

func (s *Server) listProjections(c *gin.Context) {
	projs, err := s.projections.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projections": projs})
}

func (s *Server) getProjection(c *gin.Context) {
	result, err := s.queryBus.Dispatch(c.Request.Context(), handlers.GetProjectionQuery{ProjectionName: c.Param("name")})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) rebuildProjection(c *gin.Context) {
	proj, err := s.projections.Rebuild(c.Request.Context(), c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, proj)
}

func (s *Server) deleteProjection(c *gin.Context) {
	if err := s.projections.Delete(c.Request.Context(), c.Param("name")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- Sagas ---

type createSagaRequest struct {
	SagaType        string      `json:"saga_type"`
	InitiatingEvent string      `json:"initiating_event"`
	Steps           []saga.Step `json:"steps"`
}

func (s *Server) createSaga(c *gin.Context) {
	var req createSagaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.commandBus.Dispatch(c.Request.Context(), handlers.CreateSagaCommand{
		SagaType:        req.SagaType,
		InitiatingEvent: req.InitiatingEvent,
		Steps:           req.Steps,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (s *Server) getSaga(c *gin.Context) {
	instance, err := s.sagas.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, instance)
}

type feedSagaRequest struct {
	EventType string          `json:"event_type"`
	EventData json.RawMessage `json:"event_data"`
}

func (s *Server) feedSaga(c *gin.Context) {
	var req feedSagaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.commandBus.Dispatch(c.Request.Context(), handlers.FeedSagaCommand{
		SagaID:    c.Param("id"),
		EventType: req.EventType,
		EventData: req.EventData,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// --- Admin ---

func (s *Server) getStats(c *gin.Context) {
	result, err := s.queryBus.Dispatch(c.Request.Context(), handlers.GetStatsQuery{})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) health(c *gin.Context) {
	storeHealth := s.coordinator.StoreHealth(c.Request.Context())

	status := http.StatusOK
	overall := "healthy"
	for _, state := range storeHealth {
		if state != "up" {
			status = http.StatusServiceUnavailable
			overall = "degraded"
			break
		}
	}

	c.JSON(status, gin.H{
		"status":   overall,
		"stores":   storeHealth,
		"breakers": s.coordinator.BreakerStates(),
	})
}

func (s *Server) metricsSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, metrics.GetMetricsCollector().GetSnapshot())
}

func (s *Server) dispatchCommand(c *gin.Context, cmd cqrs.Message) {
	result, err := s.commandBus.Dispatch(c.Request.Context(), cmd)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
