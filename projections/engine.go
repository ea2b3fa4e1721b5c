package projections

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"example.com/payhub/services/ledger/domain"
	"example.com/payhub/services/ledger/messaging"
	"example.com/payhub/services/ledger/metrics"
	"example.com/payhub/services/ledger/models"
)

// Projection is a named read model derived from the event log. Its state is
// always reproducible: dropping it and rebuilding from the log yields the
// same value.
type Projection struct {
	Name                 string          `json:"name"`
	AggregateType        string          `json:"aggregate_type"`
	SubscribedEventTypes []string        `json:"subscribed_event_types,omitempty"`
	State                json.RawMessage `json:"state"`
	InitialState         json.RawMessage `json:"initial_state"`
	LastAppliedVersion   int             `json:"last_applied_version"`
	LastAppliedEventID   string          `json:"last_applied_event_id"`
	Checkpoints          map[string]int  `json:"checkpoints,omitempty"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// subscribed reports whether the projection wants this event. An empty
// subscription list means every event of the aggregate type.
func (p *Projection) subscribed(evt domain.Event) bool {
	if evt.AggregateType != p.AggregateType {
		return false
	}
	if len(p.SubscribedEventTypes) == 0 {
		return true
	}
	for _, t := range p.SubscribedEventTypes {
		if t == evt.Type {
			return true
		}
	}
	return false
}

// HistorySource supplies the full commit-ordered history for rebuilds.
// Satisfied by *stores.RelationalStore.
type HistorySource interface {
	EventsForAggregateType(ctx context.Context, aggregateType string) ([]domain.Event, error)
}

// Engine manages projection lifecycles and applies events to them
type Engine struct {
	db      *gorm.DB
	history HistorySource
	folds   *domain.FoldRegistry
	bus     messaging.Client
}

// NewEngine creates a projection engine
func NewEngine(db *gorm.DB, history HistorySource, folds *domain.FoldRegistry, bus messaging.Client) *Engine {
	return &Engine{db: db, history: history, folds: folds, bus: bus}
}

// Create registers a new projection with its initial state
func (e *Engine) Create(ctx context.Context, name, aggregateType string, subscribedEventTypes []string, initialState json.RawMessage) (*Projection, error) {
	if name == "" {
		return nil, domain.ValidationError{Field: "name", Msg: "must not be empty"}
	}
	if !e.folds.Knows(aggregateType) {
		return nil, domain.ValidationError{Field: "aggregate_type", Msg: fmt.Sprintf("unknown aggregate type %q", aggregateType)}
	}
	if len(initialState) > 0 && !json.Valid(initialState) {
		return nil, domain.ValidationError{Field: "initial_state", Msg: "must be valid JSON"}
	}

	subscribed, err := json.Marshal(subscribedEventTypes)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal subscribed event types: %w", err)
	}

	row := models.Projection{
		Name:                 name,
		AggregateType:        aggregateType,
		SubscribedEventTypes: subscribed,
		State:                initialState,
		InitialState:         initialState,
	}
	if err := e.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, fmt.Errorf("failed to create projection %s: %w", name, err)
	}

	log.Info().Str("projection", name).Str("aggregateType", aggregateType).Msg("Projection created")

	proj := toProjection(row)
	e.notify(ctx, messaging.NotifyProjectionCreated, proj)
	return proj, nil
}

// Get loads a projection by name
func (e *Engine) Get(ctx context.Context, name string) (*Projection, error) {
	var row models.Projection
	err := e.db.WithContext(ctx).Where("name = ?", name).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: projection %s", domain.ErrProjectionUnknown, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load projection %s: %w", name, err)
	}
	return toProjection(row), nil
}

// List returns every registered projection
func (e *Engine) List(ctx context.Context) ([]*Projection, error) {
	var rows []models.Projection
	if err := e.db.WithContext(ctx).Order("name ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list projections: %w", err)
	}

	projections := make([]*Projection, len(rows))
	for i, row := range rows {
		projections[i] = toProjection(row)
	}
	return projections, nil
}

// Apply folds one event into every projection subscribed to it. Each
// projection keeps a per-aggregate version checkpoint, so a redelivered
// event is a no-op even when newer events of the same aggregate have been
// folded in since: at-least-once delivery upstream never rewinds state.
func (e *Engine) Apply(ctx context.Context, evt domain.Event) error {
	var rows []models.Projection
	if err := e.db.WithContext(ctx).
		Where("aggregate_type = ?", evt.AggregateType).
		Find(&rows).Error; err != nil {
		return fmt.Errorf("failed to load projections for event %s: %w", evt.ID, err)
	}

	for _, row := range rows {
		proj := toProjection(row)
		if !proj.subscribed(evt) {
			continue
		}
		if evt.Version <= proj.Checkpoints[evt.AggregateID] {
			// Already folded in, replay delivery
			continue
		}

		next, err := e.folds.Fold(evt.AggregateType, proj.State, evt)
		if err != nil {
			return fmt.Errorf("failed to apply event %s to projection %s: %w", evt.ID, proj.Name, err)
		}

		proj.Checkpoints[evt.AggregateID] = evt.Version
		if err := e.saveState(ctx, proj.Name, next, evt.Version, evt.ID, proj.Checkpoints); err != nil {
			return err
		}

		metrics.GetMetricsCollector().IncrementCounter(metrics.CounterProjectionApplies, 1)
		proj.State = next
		proj.LastAppliedVersion = evt.Version
		proj.LastAppliedEventID = evt.ID
		e.notify(ctx, messaging.NotifyProjectionUpdated, proj)
	}

	return nil
}

// Rebuild recomputes a projection from scratch: initial state plus the full
// subscribed history in commit order. Readers see either the old state or
// the new one, never a half-rebuilt intermediate.
func (e *Engine) Rebuild(ctx context.Context, name string) (*Projection, error) {
	proj, err := e.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	events, err := e.history.EventsForAggregateType(ctx, proj.AggregateType)
	if err != nil {
		return nil, fmt.Errorf("failed to load history for rebuild of %s: %w", name, err)
	}

	state := proj.InitialState
	lastVersion := 0
	lastEventID := ""
	checkpoints := map[string]int{}
	for _, evt := range events {
		if !proj.subscribed(evt) {
			continue
		}
		next, err := e.folds.Fold(proj.AggregateType, state, evt)
		if err != nil {
			return nil, fmt.Errorf("failed to fold event %s during rebuild of %s: %w", evt.ID, name, err)
		}
		state = next
		lastVersion = evt.Version
		lastEventID = evt.ID
		checkpoints[evt.AggregateID] = evt.Version
	}

	// Single-row update: the swap from old state to rebuilt state is atomic
	if err := e.saveState(ctx, name, state, lastVersion, lastEventID, checkpoints); err != nil {
		return nil, err
	}

	metrics.GetMetricsCollector().IncrementCounter(metrics.CounterProjectionRebuilds, 1)
	log.Info().Str("projection", name).Int("events", len(events)).Msg("Projection rebuilt")

	proj.State = state
	proj.LastAppliedVersion = lastVersion
	proj.LastAppliedEventID = lastEventID
	proj.Checkpoints = checkpoints
	e.notify(ctx, messaging.NotifyProjectionUpdated, proj)

	return proj, nil
}

// Delete removes a projection. The event log is untouched, so the
// projection can always be created and rebuilt again.
func (e *Engine) Delete(ctx context.Context, name string) error {
	result := e.db.WithContext(ctx).Where("name = ?", name).Delete(&models.Projection{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete projection %s: %w", name, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: projection %s", domain.ErrProjectionUnknown, name)
	}
	return nil
}

func (e *Engine) saveState(ctx context.Context, name string, state json.RawMessage, version int, eventID string, checkpoints map[string]int) error {
	marked, err := json.Marshal(checkpoints)
	if err != nil {
		return fmt.Errorf("failed to marshal projection %s checkpoints: %w", name, err)
	}
	if err := e.db.WithContext(ctx).
		Model(&models.Projection{}).
		Where("name = ?", name).
		Updates(map[string]interface{}{
			"state":                 []byte(state),
			"last_applied_version":  version,
			"last_applied_event_id": eventID,
			"checkpoints":           marked,
			"updated_at":            time.Now(),
		}).Error; err != nil {
		return fmt.Errorf("failed to save projection %s state: %w", name, err)
	}
	return nil
}

func (e *Engine) notify(ctx context.Context, notifyType string, proj *Projection) {
	if e.bus == nil {
		return
	}

	data, err := json.Marshal(proj)
	if err != nil {
		log.Error().Err(err).Str("projection", proj.Name).Msg("Failed to marshal projection notification")
		return
	}

	msg := messaging.DomainNotification{
		Type:      notifyType,
		Data:      data,
		Timestamp: time.Now(),
	}
	if err := e.bus.PublishMessage(ctx, msg, messaging.QueueDomainEvents); err != nil {
		log.Error().Err(err).Str("projection", proj.Name).Msg("Failed to publish projection notification")
	}
}

func toProjection(row models.Projection) *Projection {
	var subscribed []string
	if len(row.SubscribedEventTypes) > 0 {
		if err := json.Unmarshal(row.SubscribedEventTypes, &subscribed); err != nil {
			log.Warn().Err(err).Str("projection", row.Name).Msg("Failed to unmarshal subscribed event types")
		}
	}
	checkpoints := map[string]int{}
	if len(row.Checkpoints) > 0 {
		if err := json.Unmarshal(row.Checkpoints, &checkpoints); err != nil {
			log.Warn().Err(err).Str("projection", row.Name).Msg("Failed to unmarshal checkpoints")
		}
	}
	return &Projection{
		Name:                 row.Name,
		AggregateType:        row.AggregateType,
		SubscribedEventTypes: subscribed,
		State:                row.State,
		InitialState:         row.InitialState,
		LastAppliedVersion:   row.LastAppliedVersion,
		LastAppliedEventID:   row.LastAppliedEventID,
		Checkpoints:          checkpoints,
		UpdatedAt:            row.UpdatedAt,
	}
}
