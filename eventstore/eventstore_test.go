package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/payhub/services/ledger/coordinator"
	"example.com/payhub/services/ledger/domain"
	"example.com/payhub/services/ledger/snapshots"
	"example.com/payhub/services/ledger/stores"
)

// memStore is an in-memory store of truth enforcing the unique
// (aggregate_id, version) constraint the relational store provides.
type memStore struct {
	mu     sync.Mutex
	events map[string][]domain.Event
}

func newMemStore() *memStore {
	return &memStore{events: make(map[string][]domain.Event)}
}

func (s *memStore) NextVersion(ctx context.Context, aggregateID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events[aggregateID]) + 1, nil
}

func (s *memStore) Events(ctx context.Context, aggregateID string, fromVersion, toVersion, limit int) ([]domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Event
	for _, evt := range s.events[aggregateID] {
		if evt.Version < fromVersion {
			continue
		}
		if toVersion > 0 && evt.Version > toVersion {
			continue
		}
		out = append(out, evt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) EventsForAggregateType(ctx context.Context, aggregateType string) ([]domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Event
	for _, history := range s.events {
		for _, evt := range history {
			if evt.AggregateType == aggregateType {
				out = append(out, evt)
			}
		}
	}
	return out, nil
}

func (s *memStore) AggregateType(ctx context.Context, aggregateID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := s.events[aggregateID]
	if len(history) == 0 {
		return "", domain.ErrNotFound
	}
	return history[0].AggregateType, nil
}

func (s *memStore) ArchiveBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return 0, nil
}

func (s *memStore) Stats(ctx context.Context) (*stores.AggregateStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &stores.AggregateStats{
		ByAggregateType: make(map[string]int64),
		ByEventType:     make(map[string]int64),
	}
	for _, history := range s.events {
		stats.TotalAggregates++
		for _, evt := range history {
			stats.TotalEvents++
			stats.ByAggregateType[evt.AggregateType]++
			stats.ByEventType[evt.Type]++
		}
	}
	return stats, nil
}

// insert enforces version uniqueness the way the conditional insert does
func (s *memStore) insert(evt domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.events[evt.AggregateID] {
		if existing.Version == evt.Version {
			return domain.VersionConflictError{AggregateID: evt.AggregateID, Version: evt.Version}
		}
	}
	s.events[evt.AggregateID] = append(s.events[evt.AggregateID], evt)
	return nil
}

// insertBatch commits the whole batch or nothing, like the transactional
// batch write on the relational store.
func (s *memStore) insertBatch(events []domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range events {
		for _, existing := range s.events[evt.AggregateID] {
			if existing.Version == evt.Version {
				return domain.VersionConflictError{AggregateID: evt.AggregateID, Version: evt.Version}
			}
		}
	}
	for _, evt := range events {
		s.events[evt.AggregateID] = append(s.events[evt.AggregateID], evt)
	}
	return nil
}

// memWriter stands in for the multi-store coordinator, writing straight
// into the store of truth.
type memWriter struct {
	store *memStore

	mu sync.Mutex
	// conflictsToInject makes the next n writes lose the version race
	conflictsToInject int
	batchAttempts     int
}

func (w *memWriter) takeConflict() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conflictsToInject > 0 {
		w.conflictsToInject--
		return true
	}
	return false
}

func (w *memWriter) WriteToAllStores(ctx context.Context, rec stores.Record) (*coordinator.WriteReport, error) {
	if w.takeConflict() {
		return nil, domain.VersionConflictError{AggregateID: rec.Event.AggregateID, Version: rec.Event.Version}
	}
	if err := w.store.insert(rec.Event); err != nil {
		return nil, err
	}
	return &coordinator.WriteReport{WriteID: rec.WriteID, Durable: true}, nil
}

func (w *memWriter) WriteBatchToAllStores(ctx context.Context, recs []stores.Record) (*coordinator.WriteReport, error) {
	w.mu.Lock()
	w.batchAttempts++
	w.mu.Unlock()

	// An injected conflict fails the batch atomically: no record lands
	if w.takeConflict() {
		return nil, domain.VersionConflictError{AggregateID: recs[0].Event.AggregateID, Version: recs[0].Event.Version}
	}

	events := make([]domain.Event, len(recs))
	for i, rec := range recs {
		events[i] = rec.Event
	}
	if err := w.store.insertBatch(events); err != nil {
		return nil, err
	}
	return &coordinator.WriteReport{WriteID: recs[0].WriteID, Durable: true}, nil
}

func (w *memWriter) attempts() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.batchAttempts
}

// memSnaps is an in-memory snapshot store
type memSnaps struct {
	mu    sync.Mutex
	snaps map[string][]*snapshots.Snapshot
}

func newMemSnaps() *memSnaps {
	return &memSnaps{snaps: make(map[string][]*snapshots.Snapshot)}
}

func (s *memSnaps) Create(ctx context.Context, aggregateID string, state json.RawMessage, version int) (*snapshots.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := &snapshots.Snapshot{
		SnapshotID:  fmt.Sprintf("snap-%s-%d", aggregateID, version),
		AggregateID: aggregateID,
		Version:     version,
		State:       state,
		CreatedAt:   time.Now(),
	}
	s.snaps[aggregateID] = append(s.snaps[aggregateID], snap)
	return snap, nil
}

func (s *memSnaps) Latest(ctx context.Context, aggregateID string) (*snapshots.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *snapshots.Snapshot
	for _, snap := range s.snaps[aggregateID] {
		if latest == nil || snap.Version > latest.Version {
			latest = snap
		}
	}
	return latest, nil
}

func (s *memSnaps) count(aggregateID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snaps[aggregateID])
}

func newTestLog(t *testing.T, opts Options) (*Log, *memStore, *memWriter, *memSnaps) {
	t.Helper()
	store := newMemStore()
	writer := &memWriter{store: store}
	snaps := newMemSnaps()
	log := NewLog(store, writer, snaps, domain.NewFoldRegistry(), nil, nil, opts)
	return log, store, writer, snaps
}

func accountCandidate(aggregateID, eventType string, payload interface{}) Candidate {
	body, _ := json.Marshal(payload)
	return Candidate{
		AggregateID:   aggregateID,
		AggregateType: domain.AggregateAccount,
		EventType:     eventType,
		Payload:       body,
	}
}

func TestValidateCandidate(t *testing.T) {
	log, _, _, _ := newTestLog(t, Options{})

	cases := []struct {
		name      string
		candidate Candidate
		field     string
	}{
		{"missing aggregate id", Candidate{AggregateType: domain.AggregateAccount, EventType: domain.AccountCreated}, "aggregate_id"},
		{"missing event type", Candidate{AggregateID: "A1", AggregateType: domain.AggregateAccount}, "event_type"},
		{"unknown aggregate type", Candidate{AggregateID: "A1", AggregateType: "invoice", EventType: "x"}, "aggregate_type"},
		{"malformed payload", Candidate{AggregateID: "A1", AggregateType: domain.AggregateAccount, EventType: "x", Payload: []byte(`{"broken`)}, "payload"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := log.ValidateCandidate(tc.candidate)
			require.True(t, domain.IsValidation(err))

			var verr domain.ValidationError
			require.ErrorAs(t, err, &verr)
			require.Equal(t, tc.field, verr.Field)
		})
	}

	require.NoError(t, log.ValidateCandidate(accountCandidate("A1", domain.AccountCreated, domain.AccountCreatedEvent{AccountID: "A1"})))
}

func TestAppendAssignsContiguousVersions(t *testing.T) {
	log, store, _, _ := newTestLog(t, Options{})
	ctx := context.Background()

	const n = 20
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := log.Append(ctx, accountCandidate("A1", domain.BalanceUpdated, domain.BalanceUpdatedEvent{NewBalance: int64(i)}))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	events, err := store.Events(ctx, "A1", 1, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, n)

	// Versions must be exactly 1..n with no gaps or duplicates
	for i, evt := range events {
		require.Equal(t, i+1, evt.Version)
	}
}

func TestAppendBatchRetriesWithFreshVersions(t *testing.T) {
	log, store, writer, _ := newTestLog(t, Options{})
	ctx := context.Background()

	_, err := log.Append(ctx, accountCandidate("A1", domain.AccountCreated, domain.AccountCreatedEvent{AccountID: "A1", Owner: "alice", Currency: "KES"}))
	require.NoError(t, err)

	batch := []Candidate{
		accountCandidate("A1", domain.BalanceUpdated, domain.BalanceUpdatedEvent{NewBalance: 150}),
		accountCandidate("A1", domain.BalanceUpdated, domain.BalanceUpdatedEvent{NewBalance: 90}),
	}

	// The first batch attempt loses the race; the retry must land the whole
	// batch contiguously under one write id.
	writer.mu.Lock()
	writer.conflictsToInject = 1
	writer.mu.Unlock()

	events, err := log.AppendBatch(ctx, "A1", domain.AggregateAccount, batch)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, 2, events[0].Version)
	require.Equal(t, 3, events[1].Version)
	require.Equal(t, events[0].WriteID, events[1].WriteID)
	require.Equal(t, 2, writer.attempts())

	stored, err := store.Events(ctx, "A1", 1, 0, 0)
	require.NoError(t, err)
	require.Len(t, stored, 3)
}

func TestAppendBatchConflictLeavesNoPartialRows(t *testing.T) {
	log, store, writer, _ := newTestLog(t, Options{})
	ctx := context.Background()

	_, err := log.Append(ctx, accountCandidate("A1", domain.AccountCreated, domain.AccountCreatedEvent{AccountID: "A1"}))
	require.NoError(t, err)

	writer.mu.Lock()
	writer.conflictsToInject = maxAppendAttempts
	writer.mu.Unlock()

	batch := []Candidate{
		accountCandidate("A1", domain.BalanceUpdated, domain.BalanceUpdatedEvent{NewBalance: 150}),
		accountCandidate("A1", domain.BalanceUpdated, domain.BalanceUpdatedEvent{NewBalance: 90}),
	}
	_, err = log.AppendBatch(ctx, "A1", domain.AggregateAccount, batch)
	require.True(t, domain.IsVersionConflict(err))

	// Every attempt failed atomically: the history holds only the original
	// event, never a stray batch fragment.
	stored, err := store.Events(ctx, "A1", 1, 0, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.Equal(t, domain.AccountCreated, stored[0].Type)
}

func TestAppendBatchRejectsMixedAggregates(t *testing.T) {
	log, _, _, _ := newTestLog(t, Options{})

	batch := []Candidate{
		accountCandidate("A1", domain.BalanceUpdated, domain.BalanceUpdatedEvent{NewBalance: 10}),
		accountCandidate("A2", domain.BalanceUpdated, domain.BalanceUpdatedEvent{NewBalance: 20}),
	}
	_, err := log.AppendBatch(context.Background(), "A1", domain.AggregateAccount, batch)
	require.True(t, domain.IsValidation(err))
}

func TestReplayFoldsFullHistory(t *testing.T) {
	log, _, _, _ := newTestLog(t, Options{})
	ctx := context.Background()

	_, err := log.Append(ctx, accountCandidate("A1", domain.AccountCreated, domain.AccountCreatedEvent{AccountID: "A1", Owner: "alice", Currency: "KES", Balance: 100}))
	require.NoError(t, err)
	_, err = log.Append(ctx, accountCandidate("A1", domain.BalanceUpdated, domain.BalanceUpdatedEvent{NewBalance: 150}))
	require.NoError(t, err)
	_, err = log.Append(ctx, accountCandidate("A1", domain.BalanceUpdated, domain.BalanceUpdatedEvent{NewBalance: 90}))
	require.NoError(t, err)

	replayed, err := log.Replay(ctx, "A1")
	require.NoError(t, err)
	require.Equal(t, 3, replayed.LastVersion)
	require.Equal(t, domain.AggregateAccount, replayed.AggregateType)

	var acc domain.AccountState
	require.NoError(t, json.Unmarshal(replayed.State, &acc))
	require.Equal(t, int64(90), acc.Balance)
	require.Equal(t, "alice", acc.Owner)
}

func TestReplayFromSnapshotMatchesFullFold(t *testing.T) {
	log, _, _, snaps := newTestLog(t, Options{SnapshotFrequency: 2})
	ctx := context.Background()

	_, err := log.Append(ctx, accountCandidate("A1", domain.AccountCreated, domain.AccountCreatedEvent{AccountID: "A1", Owner: "alice", Currency: "KES", Balance: 100}))
	require.NoError(t, err)
	_, err = log.Append(ctx, accountCandidate("A1", domain.BalanceUpdated, domain.BalanceUpdatedEvent{NewBalance: 150}))
	require.NoError(t, err)

	// Cadence snapshot fired at version 2
	require.Equal(t, 1, snaps.count("A1"))
	snap, err := snaps.Latest(ctx, "A1")
	require.NoError(t, err)
	require.Equal(t, 2, snap.Version)

	_, err = log.Append(ctx, accountCandidate("A1", domain.BalanceUpdated, domain.BalanceUpdatedEvent{NewBalance: 90}))
	require.NoError(t, err)

	// Snapshot plus newer events must equal folding the full history
	replayed, err := log.Replay(ctx, "A1")
	require.NoError(t, err)
	require.Equal(t, 3, replayed.LastVersion)

	var acc domain.AccountState
	require.NoError(t, json.Unmarshal(replayed.State, &acc))
	require.Equal(t, int64(90), acc.Balance)
	require.Equal(t, "active", acc.Status)
}

func TestReplayUnknownAggregate(t *testing.T) {
	log, _, _, _ := newTestLog(t, Options{})

	_, err := log.Replay(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAppendGivesUpAfterRepeatedConflicts(t *testing.T) {
	log, _, writer, _ := newTestLog(t, Options{})
	writer.mu.Lock()
	writer.conflictsToInject = maxAppendAttempts
	writer.mu.Unlock()

	_, err := log.Append(context.Background(), accountCandidate("A1", domain.AccountCreated, domain.AccountCreatedEvent{AccountID: "A1"}))
	require.Error(t, err)
	require.True(t, domain.IsVersionConflict(err))
}
