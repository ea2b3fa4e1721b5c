package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"example.com/payhub/services/ledger/domain"
	"example.com/payhub/services/ledger/messaging"
	"example.com/payhub/services/ledger/metrics"
	"example.com/payhub/services/ledger/resilience"
	"example.com/payhub/services/ledger/stores"
)

// Durability policies
const (
	PolicyAll        = "all"
	PolicyQuorum     = "quorum"
	PolicyBestEffort = "best-effort"
)

// guardedStore wraps one adapter with its own breaker and retry policy,
// shared by every caller in the process.
type guardedStore struct {
	adapter stores.Adapter
	breaker *resilience.CircuitBreaker
	retry   *resilience.RetryPolicy
}

// Options tunes the coordinator
type Options struct {
	DurabilityPolicy    string
	StoreWriteTimeout   time.Duration
	FailureThreshold    int
	ResetTimeout        time.Duration
	RetryMaxAttempts    int
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
	FailedWriteMaxRetry int
}

// Coordinator fans one logical write out to every configured store, waits
// for all of them to settle, and decides durability per policy.
type Coordinator struct {
	stores  []guardedStore
	records WriteBookkeeper
	bus     messaging.Client
	opts    Options
}

// WriteReport is the caller-facing outcome of one coordinated write
type WriteReport struct {
	WriteID string               `json:"write_id"`
	Durable bool                 `json:"durable"`
	Policy  string               `json:"policy"`
	Results []stores.WriteResult `json:"results"`
}

// New creates a coordinator over the given adapters
func New(adapters []stores.Adapter, records WriteBookkeeper, bus messaging.Client, opts Options) *Coordinator {
	guarded := make([]guardedStore, len(adapters))
	for i, adapter := range adapters {
		guarded[i] = guardedStore{
			adapter: adapter,
			breaker: resilience.NewCircuitBreaker(adapter.Name(), opts.FailureThreshold, opts.ResetTimeout),
			retry:   resilience.NewRetryPolicy(opts.RetryMaxAttempts, opts.RetryBaseDelay, opts.RetryMaxDelay),
		}
	}
	return &Coordinator{
		stores:  guarded,
		records: records,
		bus:     bus,
		opts:    opts,
	}
}

// WriteToAllStores writes one record to every store concurrently. A slow or
// broken store never blocks or cancels the others; the barrier waits for
// every write to settle before the verdict is computed.
func (c *Coordinator) WriteToAllStores(ctx context.Context, rec stores.Record) (*WriteReport, error) {
	metrics.GetMetricsCollector().IncrementCounter(metrics.CounterWritesTotal, 1)

	results := make([]stores.WriteResult, len(c.stores))

	var wg sync.WaitGroup
	for i, gs := range c.stores {
		wg.Add(1)
		go func(i int, gs guardedStore) {
			defer wg.Done()
			results[i] = c.writeOne(ctx, gs, rec)
		}(i, gs)
	}
	wg.Wait()

	payload, err := json.Marshal(rec.Event)
	if err != nil {
		log.Error().Err(err).Str("writeID", rec.WriteID).Msg("Failed to marshal event for bookkeeping")
		payload = nil
	}

	return c.settle(ctx, rec.WriteID, rec.Event.AggregateID, rec.Event.AggregateType, payload, results)
}

// WriteBatchToAllStores writes one batch of records, all sharing a write id,
// to every store concurrently. Stores that can commit atomically do; for the
// rest a mid-batch failure is retracted by write id like any other
// compensation.
func (c *Coordinator) WriteBatchToAllStores(ctx context.Context, recs []stores.Record) (*WriteReport, error) {
	if len(recs) == 0 {
		return nil, domain.ValidationError{Field: "records", Msg: "batch must not be empty"}
	}

	metrics.GetMetricsCollector().IncrementCounter(metrics.CounterWritesTotal, 1)

	results := make([]stores.WriteResult, len(c.stores))

	var wg sync.WaitGroup
	for i, gs := range c.stores {
		wg.Add(1)
		go func(i int, gs guardedStore) {
			defer wg.Done()
			results[i] = c.writeBatchOne(ctx, gs, recs)
		}(i, gs)
	}
	wg.Wait()

	events := make([]domain.Event, len(recs))
	for i, rec := range recs {
		events[i] = rec.Event
	}
	payload, err := json.Marshal(events)
	if err != nil {
		log.Error().Err(err).Str("writeID", recs[0].WriteID).Msg("Failed to marshal batch for bookkeeping")
		payload = nil
	}

	return c.settle(ctx, recs[0].WriteID, recs[0].Event.AggregateID, recs[0].Event.AggregateType, payload, results)
}

// settle turns the per-store results of one fan-out into the caller-facing
// verdict: conflict short-circuit, durability decision, bookkeeping,
// publication and compensation.
func (c *Coordinator) settle(ctx context.Context, writeID, dataID, dataType string, payload []byte, results []stores.WriteResult) (*WriteReport, error) {
	collector := metrics.GetMetricsCollector()

	for _, gs := range c.stores {
		collector.SetBreakerState(gs.adapter.Name(), gs.breaker.State())
	}

	// A lost optimistic-concurrency race on the store of truth is not a
	// durability problem: retract the copies that did land and let the
	// caller retry with a recomputed version.
	for _, res := range results {
		if res.Err != nil && domain.IsVersionConflict(res.Err) {
			collector.IncrementCounter(metrics.CounterVersionConflicts, 1)
			c.rollback(ctx, writeID, results)
			return nil, res.Err
		}
	}

	report := &WriteReport{
		WriteID: writeID,
		Policy:  c.opts.DurabilityPolicy,
		Durable: c.isDurable(results),
		Results: results,
	}

	compensation := CompensationNone
	if !report.Durable {
		compensation = CompensationPending
	}
	if err := c.records.SaveWriteRecord(ctx, writeID, report.Policy, results, report.Durable, compensation); err != nil {
		log.Error().Err(err).Str("writeID", writeID).Msg("Failed to persist write record")
	}

	c.publishOutcome(ctx, writeID, dataID, dataType, report)

	if !report.Durable {
		collector.IncrementCounter(metrics.CounterWritesCompensated, 1)
		c.compensate(ctx, writeID, payload, results)
		return report, domain.DurabilityError{
			WriteID:   writeID,
			Policy:    report.Policy,
			Succeeded: storeNames(results, true),
			Failed:    storeNames(results, false),
		}
	}

	collector.IncrementCounter(metrics.CounterWritesDurable, 1)

	// Durable but imperfect: queue the stragglers for out-of-band retry so
	// a transient outage heals without blocking the caller.
	c.queueFailedWrites(ctx, writeID, payload, results)

	return report, nil
}

func (c *Coordinator) writeOne(ctx context.Context, gs guardedStore, rec stores.Record) stores.WriteResult {
	collector := metrics.GetMetricsCollector()
	start := time.Now()

	writeCtx, cancel := context.WithTimeout(ctx, c.opts.StoreWriteTimeout)
	defer cancel()

	var nativeID string
	err := gs.breaker.Execute(writeCtx, func(ctx context.Context) error {
		return gs.retry.Execute(ctx, func(ctx context.Context) error {
			id, writeErr := gs.adapter.Write(ctx, rec)
			if writeErr == nil {
				nativeID = id
			}
			return writeErr
		})
	})

	result := stores.WriteResult{
		Store:    gs.adapter.Name(),
		OK:       err == nil,
		NativeID: nativeID,
		Duration: time.Since(start),
	}
	if err != nil {
		result.Error = err.Error()
		result.Err = err
		log.Warn().Err(err).
			Str("store", gs.adapter.Name()).
			Str("writeID", rec.WriteID).
			Msg("Store write failed")
	}

	collector.RecordStoreWrite(gs.adapter.Name(), result.OK, result.Duration)
	return result
}

// writeBatchOne commits a batch against one store. Adapters that implement
// stores.BatchWriter commit atomically; for the rest the records land one by
// one and a mid-batch failure is retracted by write id before returning.
func (c *Coordinator) writeBatchOne(ctx context.Context, gs guardedStore, recs []stores.Record) stores.WriteResult {
	collector := metrics.GetMetricsCollector()
	start := time.Now()

	writeCtx, cancel := context.WithTimeout(ctx, c.opts.StoreWriteTimeout)
	defer cancel()

	err := gs.breaker.Execute(writeCtx, func(ctx context.Context) error {
		if bw, ok := gs.adapter.(stores.BatchWriter); ok {
			return gs.retry.Execute(ctx, func(ctx context.Context) error {
				return bw.WriteBatch(ctx, recs)
			})
		}
		return gs.retry.Execute(ctx, func(ctx context.Context) error {
			for _, rec := range recs {
				if _, writeErr := gs.adapter.Write(ctx, rec); writeErr != nil {
					if delErr := gs.adapter.DeleteByWriteID(ctx, rec.WriteID); delErr != nil {
						log.Error().Err(delErr).
							Str("store", gs.adapter.Name()).
							Str("writeID", rec.WriteID).
							Msg("Failed to retract partial batch")
					}
					return writeErr
				}
			}
			return nil
		})
	})

	result := stores.WriteResult{
		Store:    gs.adapter.Name(),
		OK:       err == nil,
		Duration: time.Since(start),
	}
	if err != nil {
		result.Error = err.Error()
		result.Err = err
		log.Warn().Err(err).
			Str("store", gs.adapter.Name()).
			Str("writeID", recs[0].WriteID).
			Int("batchSize", len(recs)).
			Msg("Store batch write failed")
	}

	collector.RecordStoreWrite(gs.adapter.Name(), result.OK, result.Duration)
	return result
}

func (c *Coordinator) isDurable(results []stores.WriteResult) bool {
	succeeded := 0
	for _, res := range results {
		if res.OK {
			succeeded++
		}
	}

	switch c.opts.DurabilityPolicy {
	case PolicyAll:
		return succeeded == len(results)
	case PolicyQuorum:
		return succeeded > len(results)/2
	case PolicyBestEffort:
		return succeeded > 0
	default:
		return succeeded == len(results)
	}
}

// compensate emits the CompensationRequired event and issues a best-effort
// rollback against the stores that did succeed. Rollback failures are
// logged and counted, never retried forever.
func (c *Coordinator) compensate(ctx context.Context, writeID string, payload []byte, results []stores.WriteResult) {
	msg := messaging.CompensationRequiredMessage{
		WriteID:          writeID,
		SuccessfulWrites: storeNames(results, true),
		FailedWrites:     storeNames(results, false),
		Data:             payload,
		Timestamp:        time.Now(),
	}
	if err := c.bus.PublishMessage(ctx, msg, messaging.QueueCompensationEvents); err != nil {
		log.Error().Err(err).Str("writeID", writeID).Msg("Failed to publish compensation event")
	}

	c.rollback(ctx, writeID, results)

	if err := c.records.SetCompensationState(ctx, writeID, CompensationDone); err != nil {
		log.Error().Err(err).Str("writeID", writeID).Msg("Failed to update compensation state")
	}
}

// rollback deletes writeID from the stores whose write succeeded. A nil
// results slice means every store. A store that refuses the delete keeps the
// orphaned copy, so the failure is recorded for operator attention, not just
// logged.
func (c *Coordinator) rollback(ctx context.Context, writeID string, results []stores.WriteResult) {
	collector := metrics.GetMetricsCollector()

	for i, gs := range c.stores {
		if results != nil && !results[i].OK {
			continue
		}
		if err := gs.adapter.DeleteByWriteID(ctx, writeID); err != nil {
			collector.IncrementCounter(metrics.CounterRollbackFailures, 1)
			log.Error().Err(err).
				Str("store", gs.adapter.Name()).
				Str("writeID", writeID).
				Msg("Rollback failed, operator attention required")
			if saveErr := c.records.SaveFailedWrite(ctx, writeID, gs.adapter.Name(), nil, "rollback failed: "+err.Error(), 0); saveErr != nil {
				log.Error().Err(saveErr).Str("writeID", writeID).Msg("Failed to persist rollback failure entry")
			}
			continue
		}
		collector.IncrementCounter(metrics.CounterCompensationRollbacks, 1)
	}
}

func (c *Coordinator) queueFailedWrites(ctx context.Context, writeID string, payload []byte, results []stores.WriteResult) {
	collector := metrics.GetMetricsCollector()

	for _, res := range results {
		if res.OK {
			continue
		}

		msg := messaging.FailedWriteMessage{
			Database:   res.Store,
			Data:       payload,
			WriteID:    writeID,
			Error:      res.Error,
			RetryCount: 0,
			MaxRetries: c.opts.FailedWriteMaxRetry,
		}
		if err := c.bus.PublishMessage(ctx, msg, messaging.QueueFailedWrites); err != nil {
			log.Error().Err(err).
				Str("store", res.Store).
				Str("writeID", writeID).
				Msg("Failed to queue failed write for retry")
		}

		if err := c.records.SaveFailedWrite(ctx, writeID, res.Store, payload, res.Error, c.opts.FailedWriteMaxRetry); err != nil {
			log.Error().Err(err).Str("writeID", writeID).Msg("Failed to persist failed write entry")
		}

		collector.IncrementCounter(metrics.CounterFailedWritesQueued, 1)
	}
}

func (c *Coordinator) publishOutcome(ctx context.Context, writeID, dataID, dataType string, report *WriteReport) {
	msg := messaging.WriteOutcomeMessage{
		WriteID:         writeID,
		PerStoreResults: report.Results,
		Durable:         report.Durable,
		Policy:          report.Policy,
		DataID:          dataID,
		DataType:        dataType,
		Timestamp:       time.Now(),
	}
	if err := c.bus.PublishMessage(ctx, msg, messaging.QueueDatabaseEvents); err != nil {
		log.Error().Err(err).Str("writeID", writeID).Msg("Failed to publish write outcome")
	}
}

// RetryStore re-attempts a single store write from the out-of-band retry
// path. The write is idempotent per write id, so replays are safe.
func (c *Coordinator) RetryStore(ctx context.Context, storeName string, rec stores.Record) error {
	for _, gs := range c.stores {
		if gs.adapter.Name() != storeName {
			continue
		}
		result := c.writeOne(ctx, gs, rec)
		if !result.OK {
			return result.Err
		}
		if err := c.records.ResolveFailedWrites(ctx, rec.WriteID, storeName); err != nil {
			log.Error().Err(err).Str("writeID", rec.WriteID).Msg("Failed to resolve failed write entries")
		}
		metrics.GetMetricsCollector().IncrementCounter(metrics.CounterFailedWritesRecovered, 1)
		return nil
	}
	return domain.ErrNotFound
}

// Records exposes the bookkeeping repository
func (c *Coordinator) Records() WriteBookkeeper {
	return c.records
}

// BreakerStates returns the current state of every store breaker
func (c *Coordinator) BreakerStates() map[string]string {
	states := make(map[string]string, len(c.stores))
	for _, gs := range c.stores {
		states[gs.adapter.Name()] = gs.breaker.State()
	}
	return states
}

// StoreHealth pings every store
func (c *Coordinator) StoreHealth(ctx context.Context) map[string]string {
	health := make(map[string]string, len(c.stores))
	for _, gs := range c.stores {
		if err := gs.adapter.HealthCheck(ctx); err != nil {
			health[gs.adapter.Name()] = "down: " + err.Error()
			continue
		}
		health[gs.adapter.Name()] = "up"
	}
	return health
}

func storeNames(results []stores.WriteResult, ok bool) []string {
	names := []string{}
	for _, res := range results {
		if res.OK == ok {
			names = append(names, res.Store)
		}
	}
	return names
}
