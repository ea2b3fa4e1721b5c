package cmd

import (
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"example.com/payhub/services/ledger/cache"
	"example.com/payhub/services/ledger/config"
	"example.com/payhub/services/ledger/coordinator"
	"example.com/payhub/services/ledger/cqrs"
	"example.com/payhub/services/ledger/domain"
	"example.com/payhub/services/ledger/eventstore"
	"example.com/payhub/services/ledger/handlers"
	"example.com/payhub/services/ledger/messaging"
	"example.com/payhub/services/ledger/models"
	"example.com/payhub/services/ledger/projections"
	"example.com/payhub/services/ledger/saga"
	"example.com/payhub/services/ledger/snapshots"
	"example.com/payhub/services/ledger/stores"
	"example.com/payhub/services/ledger/tracing"
)

// components holds the wired-up service graph shared by the server and
// worker commands.
type components struct {
	db          *gorm.DB
	redisCache  *cache.RedisCache
	bus         messaging.Client
	tracer      tracing.Tracer
	relational  *stores.RelationalStore
	document    *stores.DocumentStore
	coordinator *coordinator.Coordinator
	snapshots   *snapshots.Manager
	eventLog    *eventstore.Log
	projections *projections.Engine
	sagas       *saga.Orchestrator
	commandBus  *cqrs.Bus
	queryBus    *cqrs.Bus
}

// buildComponents connects every dependency and assembles the service.
// A missing required dependency (database, message bus) is fatal; optional
// ones (cache, search, tracing) degrade gracefully.
func buildComponents(cfg config.Config) (*components, error) {
	db, err := gorm.Open(postgres.Open(cfg.DBSource), &gorm.Config{
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if cfg.EnableMigrations {
		if err := models.SetupModels(db); err != nil {
			return nil, err
		}
	}

	redisCache, err := cache.NewRedisCache(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
		redisCache = nil
	}

	tracer, err := tracing.NewTracer(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
	}

	busClient, err := messaging.NewClient(cfg)
	if err != nil {
		return nil, err
	}

	relational := stores.NewRelationalStore(db)
	adapters := []stores.Adapter{relational}

	var document *stores.DocumentStore
	esClient, err := stores.NewElasticsearchClient(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Elasticsearch, continuing without the document store")
	} else {
		if err := stores.EnsureIndices(esClient, cfg); err != nil {
			return nil, err
		}
		document = stores.NewDocumentStore(esClient, cfg)
		adapters = append(adapters, document)
	}

	if redisCache != nil && redisCache.Enabled() {
		adapters = append(adapters, stores.NewKeyValueStore(redisCache.Client()))
	}

	records := coordinator.NewRecordRepository(db)
	coord := coordinator.New(adapters, records, busClient, coordinator.Options{
		DurabilityPolicy:    cfg.DurabilityPolicy,
		StoreWriteTimeout:   cfg.StoreWriteTimeout,
		FailureThreshold:    cfg.BreakerFailureThreshold,
		ResetTimeout:        cfg.BreakerResetTimeout,
		RetryMaxAttempts:    cfg.RetryMaxAttempts,
		RetryBaseDelay:      cfg.RetryBaseDelay,
		RetryMaxDelay:       cfg.RetryMaxDelay,
		FailedWriteMaxRetry: cfg.FailedWriteMaxRetry,
	})

	folds := domain.NewFoldRegistry()
	snapshotManager := snapshots.NewManager(db, busClient)

	eventLog := eventstore.NewLog(relational, coord, snapshotManager, folds, busClient, redisCache, eventstore.Options{
		SnapshotFrequency: cfg.SnapshotFrequency,
		ReplayCacheTTL:    cfg.ReplayCacheTTL,
	})

	projectionEngine := projections.NewEngine(db, relational, folds, busClient)
	orchestrator := saga.NewOrchestrator(db, busClient)

	accountHandlers := handlers.NewAccountHandlers(eventLog)
	transactionHandlers := handlers.NewTransactionHandlers(eventLog)
	sagaHandlers := handlers.NewSagaHandlers(orchestrator)
	commandBus := handlers.NewCommandBus(accountHandlers, transactionHandlers, sagaHandlers)

	var searcher handlers.Searcher
	if document != nil {
		searcher = document
	}
	queryHandlers := handlers.NewQueryHandlers(eventLog, searcher, projectionEngine, eventLog)
	queryBus := handlers.NewQueryBus(queryHandlers)

	return &components{
		db:          db,
		redisCache:  redisCache,
		bus:         busClient,
		tracer:      tracer,
		relational:  relational,
		document:    document,
		coordinator: coord,
		snapshots:   snapshotManager,
		eventLog:    eventLog,
		projections: projectionEngine,
		sagas:       orchestrator,
		commandBus:  commandBus,
		queryBus:    queryBus,
	}, nil
}
