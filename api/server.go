package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
	"github.com/rs/zerolog/log"

	"example.com/payhub/services/ledger/config"
	"example.com/payhub/services/ledger/coordinator"
	"example.com/payhub/services/ledger/cqrs"
	"example.com/payhub/services/ledger/eventstore"
	"example.com/payhub/services/ledger/projections"
	"example.com/payhub/services/ledger/saga"
	"example.com/payhub/services/ledger/snapshots"
	"example.com/payhub/services/ledger/tracing"
)

// Server is the HTTP server for the API
type Server struct {
	cfg         config.Config
	router      *gin.Engine
	httpServer  *http.Server
	commandBus  *cqrs.Bus
	queryBus    *cqrs.Bus
	eventLog    *eventstore.Log
	projections *projections.Engine
	sagas       *saga.Orchestrator
	snapshots   *snapshots.Manager
	coordinator *coordinator.Coordinator
}

// NewServer creates a new API server
func NewServer(
	cfg config.Config,
	commandBus, queryBus *cqrs.Bus,
	eventLog *eventstore.Log,
	projectionEngine *projections.Engine,
	sagas *saga.Orchestrator,
	snapshotManager *snapshots.Manager,
	coord *coordinator.Coordinator,
	tracer tracing.Tracer,
) *Server {
	server := &Server{
		cfg:         cfg,
		router:      gin.New(),
		commandBus:  commandBus,
		queryBus:    queryBus,
		eventLog:    eventLog,
		projections: projectionEngine,
		sagas:       sagas,
		snapshots:   snapshotManager,
		coordinator: coord,
	}

	server.setupMiddleware(tracer)
	server.setupRoutes()

	return server
}

// setupMiddleware adds middleware to the router
func (s *Server) setupMiddleware(tracer tracing.Tracer) {
	s.router.Use(RequestIDMiddleware())
	s.router.Use(CORSMiddleware())
	s.router.Use(gin.Recovery())
	s.router.Use(LoggingMiddleware())

	if tracer != nil && tracer.Application() != nil {
		s.router.Use(nrgin.Middleware(tracer.Application()))
	}
}

// setupRoutes defines the API routes
func (s *Server) setupRoutes() {
	s.router.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})
	s.router.GET("/health", s.health)
	s.router.GET("/metrics", s.metricsSnapshot)

	v1 := s.router.Group("/api/v1")

	eventRoutes := v1.Group("/events")
	{
		eventRoutes.POST("", s.appendEvent)
		eventRoutes.POST("/batch", s.appendEventBatch)
		eventRoutes.POST("/validate", s.validateEvent)
		eventRoutes.POST("/search", s.searchEvents)
		eventRoutes.POST("/archive", s.archiveEvents)
		eventRoutes.GET("/:aggregateId", s.getEvents)
	}

	aggregateRoutes := v1.Group("/aggregates")
	{
		aggregateRoutes.GET("/:id/replay", s.replayAggregate)
		aggregateRoutes.POST("/:id/snapshot", s.createSnapshot)
		aggregateRoutes.GET("/:id/snapshot", s.getSnapshot)
	}

	accountRoutes := v1.Group("/accounts")
	{
		accountRoutes.POST("", s.createAccount)
		accountRoutes.GET("/:id", s.getAccount)
		accountRoutes.PUT("/:id/balance", s.updateBalance)
		accountRoutes.POST("/:id/freeze", s.freezeAccount)
		accountRoutes.POST("/:id/close", s.closeAccount)
	}

	transactionRoutes := v1.Group("/transactions")
	{
		transactionRoutes.POST("", s.initiateTransaction)
		transactionRoutes.GET("/:id", s.getTransaction)
		transactionRoutes.POST("/:id/authorize", s.authorizeTransaction)
		transactionRoutes.POST("/:id/settle", s.settleTransaction)
		transactionRoutes.POST("/:id/decline", s.declineTransaction)
	}

	projectionRoutes := v1.Group("/projections")
	{
		projectionRoutes.POST("", s.createProjection)
		projectionRoutes.GET("", s.listProjections)
		projectionRoutes.GET("/:name", s.getProjection)
		projectionRoutes.POST("/:name/rebuild", s.rebuildProjection)
		projectionRoutes.DELETE("/:name", s.deleteProjection)
	}

	sagaRoutes := v1.Group("/sagas")
	{
		sagaRoutes.POST("", s.createSaga)
		sagaRoutes.GET("/:id", s.getSaga)
		sagaRoutes.POST("/:id/events", s.feedSaga)
	}

	v1.GET("/stats", s.getStats)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.cfg.HTTPServerAddress,
		Handler: s.router,
	}

	log.Info().Msgf("HTTP server starting on %s", s.cfg.HTTPServerAddress)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the router for tests
func (s *Server) Router() *gin.Engine {
	return s.router
}
