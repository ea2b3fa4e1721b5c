package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"example.com/payhub/services/ledger/cache"
	"example.com/payhub/services/ledger/coordinator"
	"example.com/payhub/services/ledger/domain"
	"example.com/payhub/services/ledger/messaging"
	"example.com/payhub/services/ledger/metrics"
	"example.com/payhub/services/ledger/snapshots"
	"example.com/payhub/services/ledger/stores"
)

// maxAppendAttempts bounds the optimistic-concurrency retry loop. Each
// attempt recomputes the candidate version from the store of truth.
const maxAppendAttempts = 5

// TruthStore is the read surface the log needs from the store of truth.
// Satisfied by *stores.RelationalStore.
type TruthStore interface {
	NextVersion(ctx context.Context, aggregateID string) (int, error)
	Events(ctx context.Context, aggregateID string, fromVersion, toVersion, limit int) ([]domain.Event, error)
	EventsForAggregateType(ctx context.Context, aggregateType string) ([]domain.Event, error)
	AggregateType(ctx context.Context, aggregateID string) (string, error)
	ArchiveBefore(ctx context.Context, cutoff time.Time) (int, error)
	Stats(ctx context.Context) (*stores.AggregateStats, error)
}

// Writer abstracts the multi-store write coordinator
type Writer interface {
	WriteToAllStores(ctx context.Context, rec stores.Record) (*coordinator.WriteReport, error)
	WriteBatchToAllStores(ctx context.Context, recs []stores.Record) (*coordinator.WriteReport, error)
}

// SnapshotStore abstracts the snapshot manager
type SnapshotStore interface {
	Create(ctx context.Context, aggregateID string, state json.RawMessage, version int) (*snapshots.Snapshot, error)
	Latest(ctx context.Context, aggregateID string) (*snapshots.Snapshot, error)
}

// Candidate is an event submitted for appending, before a version is
// assigned.
type Candidate struct {
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      domain.Metadata `json:"metadata,omitempty"`
}

// Log is the append-only, versioned event log. All writes go through the
// coordinator; version allocation is serialized per aggregate by the
// unique (aggregate_id, version) constraint in the store of truth.
type Log struct {
	truth             TruthStore
	writer            Writer
	snaps             SnapshotStore
	folds             *domain.FoldRegistry
	bus               messaging.Client
	replayCache       *cache.RedisCache
	snapshotFrequency int
	replayCacheTTL    time.Duration
}

// Options tunes the log
type Options struct {
	SnapshotFrequency int
	ReplayCacheTTL    time.Duration
}

// NewLog creates an event log. The replay cache and bus are optional.
func NewLog(truth TruthStore, writer Writer, snaps SnapshotStore, folds *domain.FoldRegistry, bus messaging.Client, replayCache *cache.RedisCache, opts Options) *Log {
	return &Log{
		truth:             truth,
		writer:            writer,
		snaps:             snaps,
		folds:             folds,
		bus:               bus,
		replayCache:       replayCache,
		snapshotFrequency: opts.SnapshotFrequency,
		replayCacheTTL:    opts.ReplayCacheTTL,
	}
}

// ValidateCandidate checks an event before it is appended. Validation
// failures are rejected synchronously and never retried.
func (l *Log) ValidateCandidate(c Candidate) error {
	if c.AggregateID == "" {
		return domain.ValidationError{Field: "aggregate_id", Msg: "must not be empty"}
	}
	if c.EventType == "" {
		return domain.ValidationError{Field: "event_type", Msg: "must not be empty"}
	}
	if !l.folds.Knows(c.AggregateType) {
		return domain.ValidationError{Field: "aggregate_type", Msg: fmt.Sprintf("unknown aggregate type %q", c.AggregateType)}
	}
	if len(c.Payload) > 0 && !json.Valid(c.Payload) {
		return domain.ValidationError{Field: "payload", Msg: "must be valid JSON"}
	}
	return nil
}

// Append persists one event. The candidate version is recomputed and the
// write retried whenever the conditional insert loses the race for
// (aggregateID, version).
func (l *Log) Append(ctx context.Context, c Candidate) (*domain.Event, error) {
	if err := l.ValidateCandidate(c); err != nil {
		return nil, err
	}

	var evt domain.Event
	var lastErr error
	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		version, err := l.truth.NextVersion(ctx, c.AggregateID)
		if err != nil {
			return nil, err
		}

		evt = domain.Event{
			ID:            uuid.New().String(),
			WriteID:       uuid.New().String(),
			AggregateID:   c.AggregateID,
			AggregateType: c.AggregateType,
			Type:          c.EventType,
			Version:       version,
			Payload:       c.Payload,
			Metadata:      c.Metadata,
			Timestamp:     time.Now(),
		}

		_, err = l.writer.WriteToAllStores(ctx, stores.Record{WriteID: evt.WriteID, Event: evt})
		if err == nil {
			lastErr = nil
			break
		}
		if domain.IsVersionConflict(err) {
			lastErr = err
			continue
		}
		return nil, err
	}
	if lastErr != nil {
		return nil, fmt.Errorf("append lost the version race %d times: %w", maxAppendAttempts, lastErr)
	}

	metrics.GetMetricsCollector().IncrementCounter(metrics.CounterEventsAppended, 1)
	log.Info().
		Str("aggregateID", evt.AggregateID).
		Str("eventType", evt.Type).
		Int("version", evt.Version).
		Msg("Event appended")

	l.invalidateReplayCache(ctx, evt.AggregateID)
	l.maybeSnapshot(ctx, evt)
	l.notify(ctx, messaging.NotifyEventStored, evt)

	return &evt, nil
}

// AppendBatch persists a set of events for one aggregate with contiguous
// versions. The batch is all-or-nothing against the store of truth: any
// conflict retracts the whole batch and the loop retries with fresh
// versions.
func (l *Log) AppendBatch(ctx context.Context, aggregateID, aggregateType string, candidates []Candidate) ([]domain.Event, error) {
	if len(candidates) == 0 {
		return nil, domain.ValidationError{Field: "events", Msg: "batch must not be empty"}
	}
	for _, c := range candidates {
		if c.AggregateID != aggregateID || c.AggregateType != aggregateType {
			return nil, domain.ValidationError{Field: "events", Msg: "batch events must share one aggregate"}
		}
		if err := l.ValidateCandidate(c); err != nil {
			return nil, err
		}
	}

	var events []domain.Event
	var lastErr error

	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		base, err := l.truth.NextVersion(ctx, aggregateID)
		if err != nil {
			return nil, err
		}

		writeID := uuid.New().String()
		events = make([]domain.Event, len(candidates))
		recs := make([]stores.Record, len(candidates))
		for i, c := range candidates {
			events[i] = domain.Event{
				ID:            uuid.New().String(),
				WriteID:       writeID,
				AggregateID:   aggregateID,
				AggregateType: aggregateType,
				Type:          c.EventType,
				Version:       base + i,
				Payload:       c.Payload,
				Metadata:      c.Metadata,
				Timestamp:     time.Now(),
			}
			recs[i] = stores.Record{WriteID: writeID, Event: events[i]}
		}

		// The store of truth commits the batch in one transaction and the
		// coordinator retracts any secondary copies on a conflict, so a lost
		// race just means recomputing versions and trying again.
		_, err = l.writer.WriteBatchToAllStores(ctx, recs)
		if err == nil {
			lastErr = nil
			break
		}
		if domain.IsVersionConflict(err) {
			lastErr = err
			continue
		}
		return nil, err
	}
	if lastErr != nil {
		return nil, fmt.Errorf("batch append lost the version race %d times: %w", maxAppendAttempts, lastErr)
	}

	metrics.GetMetricsCollector().IncrementCounter(metrics.CounterEventsAppended, int64(len(events)))
	log.Info().
		Str("aggregateID", aggregateID).
		Int("count", len(events)).
		Msg("Event batch appended")

	l.invalidateReplayCache(ctx, aggregateID)
	l.maybeSnapshot(ctx, events[len(events)-1])
	l.notify(ctx, messaging.NotifyEventsBatchStored, events)

	return events, nil
}

// Read returns events for an aggregate ordered by version. fromVersion
// defaults to 1; toVersion and limit are optional.
func (l *Log) Read(ctx context.Context, aggregateID string, fromVersion, toVersion, limit int) ([]domain.Event, error) {
	if aggregateID == "" {
		return nil, domain.ValidationError{Field: "aggregate_id", Msg: "must not be empty"}
	}
	if fromVersion < 1 {
		fromVersion = 1
	}
	return l.truth.Events(ctx, aggregateID, fromVersion, toVersion, limit)
}

// Replay reconstructs the current state of an aggregate: latest snapshot
// first, then every newer event folded on top. The result is identical to
// folding the full history from version 1.
func (l *Log) Replay(ctx context.Context, aggregateID string) (*domain.ReplayedState, error) {
	if aggregateID == "" {
		return nil, domain.ValidationError{Field: "aggregate_id", Msg: "must not be empty"}
	}

	if cached := l.cachedReplay(ctx, aggregateID); cached != nil {
		return cached, nil
	}

	aggregateType, err := l.truth.AggregateType(ctx, aggregateID)
	if err != nil {
		return nil, err
	}

	var state json.RawMessage
	fromVersion := 1
	lastVersion := 0

	snap, err := l.snaps.Latest(ctx, aggregateID)
	if err != nil {
		return nil, err
	}
	if snap != nil {
		state = snap.State
		fromVersion = snap.Version + 1
		lastVersion = snap.Version
	}

	events, err := l.truth.Events(ctx, aggregateID, fromVersion, 0, 0)
	if err != nil {
		return nil, err
	}

	state, folded, err := l.folds.FoldAll(aggregateType, state, events)
	if err != nil {
		return nil, err
	}
	if folded > 0 {
		lastVersion = folded
	}

	replayed := &domain.ReplayedState{
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		State:         state,
		LastVersion:   lastVersion,
		EventCount:    len(events),
	}

	l.cacheReplay(ctx, replayed)
	l.notify(ctx, messaging.NotifyEventsReplayed, replayed)

	return replayed, nil
}

// Archive moves snapshot-covered events older than cutoff into the archive
// table. Remaining active events keep replaying correctly on top of the
// latest snapshot.
func (l *Log) Archive(ctx context.Context, cutoff time.Time) (int, error) {
	archived, err := l.truth.ArchiveBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	log.Info().Int("count", archived).Time("cutoff", cutoff).Msg("Events archived")
	l.notify(ctx, messaging.NotifyEventsArchived, map[string]interface{}{
		"count":  archived,
		"cutoff": cutoff,
	})

	return archived, nil
}

// Stats returns aggregate/event statistics from the store of truth
func (l *Log) Stats(ctx context.Context) (*stores.AggregateStats, error) {
	return l.truth.Stats(ctx)
}

// maybeSnapshot takes a cadence snapshot after every snapshotFrequency-th
// event. Failures only cost replay speed, so they are logged and dropped.
func (l *Log) maybeSnapshot(ctx context.Context, evt domain.Event) {
	if l.snapshotFrequency <= 0 || evt.Version%l.snapshotFrequency != 0 {
		return
	}

	replayed, err := l.Replay(ctx, evt.AggregateID)
	if err != nil {
		log.Error().Err(err).Str("aggregateID", evt.AggregateID).Msg("Failed to replay for cadence snapshot")
		return
	}

	if _, err := l.snaps.Create(ctx, evt.AggregateID, replayed.State, replayed.LastVersion); err != nil {
		log.Error().Err(err).Str("aggregateID", evt.AggregateID).Msg("Failed to create cadence snapshot")
	}
}

func (l *Log) cachedReplay(ctx context.Context, aggregateID string) *domain.ReplayedState {
	if l.replayCache == nil || !l.replayCache.Enabled() {
		return nil
	}

	var replayed domain.ReplayedState
	if err := l.replayCache.Get(ctx, cache.GetReplayCacheKey(aggregateID), &replayed); err != nil {
		return nil
	}
	return &replayed
}

func (l *Log) cacheReplay(ctx context.Context, replayed *domain.ReplayedState) {
	if l.replayCache == nil || !l.replayCache.Enabled() {
		return
	}
	if err := l.replayCache.Set(ctx, cache.GetReplayCacheKey(replayed.AggregateID), replayed, l.replayCacheTTL); err != nil {
		log.Warn().Err(err).Str("aggregateID", replayed.AggregateID).Msg("Failed to cache replayed state")
	}
}

func (l *Log) invalidateReplayCache(ctx context.Context, aggregateID string) {
	if l.replayCache == nil || !l.replayCache.Enabled() {
		return
	}
	if err := l.replayCache.Delete(ctx, cache.GetReplayCacheKey(aggregateID)); err != nil {
		log.Warn().Err(err).Str("aggregateID", aggregateID).Msg("Failed to invalidate replay cache")
	}
}

func (l *Log) notify(ctx context.Context, notifyType string, data interface{}) {
	if l.bus == nil {
		return
	}

	body, err := json.Marshal(data)
	if err != nil {
		log.Error().Err(err).Str("type", notifyType).Msg("Failed to marshal notification")
		return
	}

	msg := messaging.DomainNotification{
		Type:      notifyType,
		Data:      body,
		Timestamp: time.Now(),
	}
	if err := l.bus.PublishMessage(ctx, msg, messaging.QueueDomainEvents); err != nil {
		log.Error().Err(err).Str("type", notifyType).Msg("Failed to publish notification")
	}
}
