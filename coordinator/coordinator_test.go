package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"example.com/payhub/services/ledger/domain"
	"example.com/payhub/services/ledger/messaging"
	"example.com/payhub/services/ledger/stores"
)

// fakeAdapter is an in-memory store adapter with a controllable failure
type fakeAdapter struct {
	mu        sync.Mutex
	name      string
	failErr   error
	deleteErr error
	delay     time.Duration
	writes    []stores.Record
	deletes   []string
}

func (a *fakeAdapter) Name() string { return a.name }

func (a *fakeAdapter) Write(ctx context.Context, rec stores.Record) (string, error) {
	if a.delay > 0 {
		select {
		case <-time.After(a.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failErr != nil {
		return "", a.failErr
	}
	a.writes = append(a.writes, rec)
	return rec.Event.ID, nil
}

func (a *fakeAdapter) DeleteByWriteID(ctx context.Context, writeID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deletes = append(a.deletes, writeID)
	return a.deleteErr
}

func (a *fakeAdapter) HealthCheck(ctx context.Context) error { return nil }

func (a *fakeAdapter) deleteCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.deletes)
}

func (a *fakeAdapter) setFailErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failErr = err
}

// atomicFakeAdapter also satisfies stores.BatchWriter, standing in for the
// store of truth: a failed batch commits nothing.
type atomicFakeAdapter struct {
	*fakeAdapter
	batchErr error
	batches  int
}

func (a *atomicFakeAdapter) WriteBatch(ctx context.Context, recs []stores.Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.batches++
	if a.batchErr != nil {
		return a.batchErr
	}
	a.writes = append(a.writes, recs...)
	return nil
}

// mockBus is a testify mock for the message bus client
type mockBus struct {
	mock.Mock
}

func (m *mockBus) PublishMessage(ctx context.Context, message interface{}, queueName string) error {
	args := m.Called(ctx, message, queueName)
	return args.Error(0)
}

func (m *mockBus) ReceiveMessages(ctx context.Context, queueName string, count int) ([]messaging.Message, error) {
	args := m.Called(ctx, queueName, count)
	return args.Get(0).([]messaging.Message), args.Error(1)
}

func (m *mockBus) Close(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// mockBookkeeper is a testify mock for write-record persistence
type mockBookkeeper struct {
	mock.Mock
}

func (m *mockBookkeeper) SaveWriteRecord(ctx context.Context, writeID, policy string, results []stores.WriteResult, durable bool, compensation string) error {
	args := m.Called(ctx, writeID, policy, results, durable, compensation)
	return args.Error(0)
}

func (m *mockBookkeeper) SetCompensationState(ctx context.Context, writeID, state string) error {
	args := m.Called(ctx, writeID, state)
	return args.Error(0)
}

func (m *mockBookkeeper) SaveFailedWrite(ctx context.Context, writeID, store string, payload []byte, writeErr string, maxRetries int) error {
	args := m.Called(ctx, writeID, store, payload, writeErr, maxRetries)
	return args.Error(0)
}

func (m *mockBookkeeper) ResolveFailedWrites(ctx context.Context, writeID, store string) error {
	args := m.Called(ctx, writeID, store)
	return args.Error(0)
}

func (m *mockBookkeeper) IncrementRetryCount(ctx context.Context, writeID, store string) error {
	args := m.Called(ctx, writeID, store)
	return args.Error(0)
}

func testOptions(policy string) Options {
	return Options{
		DurabilityPolicy:    policy,
		StoreWriteTimeout:   time.Second,
		FailureThreshold:    5,
		ResetTimeout:        30 * time.Second,
		RetryMaxAttempts:    1,
		RetryBaseDelay:      time.Millisecond,
		RetryMaxDelay:       5 * time.Millisecond,
		FailedWriteMaxRetry: 3,
	}
}

func testRecord() stores.Record {
	return stores.Record{
		WriteID: "w-1",
		Event: domain.Event{
			ID:            "e-1",
			WriteID:       "w-1",
			AggregateID:   "A1",
			AggregateType: domain.AggregateAccount,
			Type:          domain.AccountCreated,
			Version:       1,
			Payload:       []byte(`{"account_id":"A1"}`),
			Timestamp:     time.Now(),
		},
	}
}

func TestWriteToAllStoresAllPolicyPartialFailure(t *testing.T) {
	good1 := &fakeAdapter{name: stores.StoreRelational}
	good2 := &fakeAdapter{name: stores.StoreKeyValue}
	bad := &fakeAdapter{name: stores.StoreDocument, failErr: errors.New("es unavailable")}

	bus := new(mockBus)
	bus.On("PublishMessage", mock.Anything, mock.AnythingOfType("messaging.WriteOutcomeMessage"), messaging.QueueDatabaseEvents).Return(nil).Once()
	bus.On("PublishMessage", mock.Anything, mock.AnythingOfType("messaging.CompensationRequiredMessage"), messaging.QueueCompensationEvents).Return(nil).Once()

	records := new(mockBookkeeper)
	records.On("SaveWriteRecord", mock.Anything, "w-1", PolicyAll, mock.Anything, false, CompensationPending).Return(nil)
	records.On("SetCompensationState", mock.Anything, "w-1", CompensationDone).Return(nil)

	c := New([]stores.Adapter{good1, bad, good2}, records, bus, testOptions(PolicyAll))

	report, err := c.WriteToAllStores(context.Background(), testRecord())
	require.Error(t, err)

	var durErr domain.DurabilityError
	require.ErrorAs(t, err, &durErr)
	require.Equal(t, "w-1", durErr.WriteID)
	require.ElementsMatch(t, []string{stores.StoreRelational, stores.StoreKeyValue}, durErr.Succeeded)
	require.ElementsMatch(t, []string{stores.StoreDocument}, durErr.Failed)

	require.NotNil(t, report)
	require.False(t, report.Durable)
	require.Len(t, report.Results, 3)

	// Rollback must reach every store that reported success
	require.Equal(t, 1, good1.deleteCount())
	require.Equal(t, 1, good2.deleteCount())
	require.Equal(t, 0, bad.deleteCount())

	bus.AssertExpectations(t)
	records.AssertExpectations(t)
}

func TestWriteToAllStoresQuorumSurvivesOneFailure(t *testing.T) {
	good1 := &fakeAdapter{name: stores.StoreRelational}
	good2 := &fakeAdapter{name: stores.StoreKeyValue}
	bad := &fakeAdapter{name: stores.StoreDocument, failErr: errors.New("es unavailable")}

	bus := new(mockBus)
	bus.On("PublishMessage", mock.Anything, mock.AnythingOfType("messaging.WriteOutcomeMessage"), messaging.QueueDatabaseEvents).Return(nil).Once()
	bus.On("PublishMessage", mock.Anything, mock.AnythingOfType("messaging.FailedWriteMessage"), messaging.QueueFailedWrites).Return(nil).Once()

	records := new(mockBookkeeper)
	records.On("SaveWriteRecord", mock.Anything, "w-1", PolicyQuorum, mock.Anything, true, CompensationNone).Return(nil)
	records.On("SaveFailedWrite", mock.Anything, "w-1", stores.StoreDocument, mock.Anything, mock.Anything, 3).Return(nil)

	c := New([]stores.Adapter{good1, bad, good2}, records, bus, testOptions(PolicyQuorum))

	report, err := c.WriteToAllStores(context.Background(), testRecord())
	require.NoError(t, err)
	require.True(t, report.Durable)

	// No compensation on a durable write
	require.Equal(t, 0, good1.deleteCount())
	require.Equal(t, 0, good2.deleteCount())

	bus.AssertExpectations(t)
	records.AssertExpectations(t)
}

func TestWriteToAllStoresWaitsForSlowStore(t *testing.T) {
	fast := &fakeAdapter{name: stores.StoreRelational}
	slow := &fakeAdapter{name: stores.StoreDocument, delay: 50 * time.Millisecond}

	bus := new(mockBus)
	bus.On("PublishMessage", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	records := new(mockBookkeeper)
	records.On("SaveWriteRecord", mock.Anything, "w-1", PolicyAll, mock.Anything, true, CompensationNone).Return(nil)

	c := New([]stores.Adapter{fast, slow}, records, bus, testOptions(PolicyAll))

	report, err := c.WriteToAllStores(context.Background(), testRecord())
	require.NoError(t, err)
	require.True(t, report.Durable)

	// The barrier waited for both writes to settle
	for _, res := range report.Results {
		require.True(t, res.OK, "store %s should have settled successfully", res.Store)
	}
}

func TestWriteToAllStoresVersionConflictRollsBackWithoutCompensation(t *testing.T) {
	conflicting := &fakeAdapter{name: stores.StoreRelational, failErr: domain.VersionConflictError{AggregateID: "A1", Version: 1}}
	good := &fakeAdapter{name: stores.StoreDocument}

	bus := new(mockBus)
	records := new(mockBookkeeper)

	c := New([]stores.Adapter{conflicting, good}, records, bus, testOptions(PolicyAll))

	report, err := c.WriteToAllStores(context.Background(), testRecord())
	require.Nil(t, report)
	require.True(t, domain.IsVersionConflict(err))

	// The committed copy is retracted so the caller can retry cleanly
	require.Equal(t, 1, good.deleteCount())

	// A lost version race produces no compensation traffic at all
	bus.AssertNotCalled(t, "PublishMessage", mock.Anything, mock.Anything, mock.Anything)
	records.AssertNotCalled(t, "SaveWriteRecord", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRetryStoreResolvesFailedWrite(t *testing.T) {
	adapter := &fakeAdapter{name: stores.StoreDocument}

	bus := new(mockBus)
	records := new(mockBookkeeper)
	records.On("ResolveFailedWrites", mock.Anything, "w-1", stores.StoreDocument).Return(nil)

	c := New([]stores.Adapter{adapter}, records, bus, testOptions(PolicyAll))

	err := c.RetryStore(context.Background(), stores.StoreDocument, testRecord())
	require.NoError(t, err)
	records.AssertExpectations(t)
}

func TestRetryStoreUnknownStore(t *testing.T) {
	adapter := &fakeAdapter{name: stores.StoreDocument}
	c := New([]stores.Adapter{adapter}, new(mockBookkeeper), new(mockBus), testOptions(PolicyAll))

	err := c.RetryStore(context.Background(), "graph", testRecord())
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func testBatch() []stores.Record {
	rec := testRecord()
	second := rec
	second.Event.ID = "e-2"
	second.Event.Version = 2
	return []stores.Record{rec, second}
}

func TestWriteBatchCommitsThroughBatchWriter(t *testing.T) {
	truth := &atomicFakeAdapter{fakeAdapter: &fakeAdapter{name: stores.StoreRelational}}
	secondary := &fakeAdapter{name: stores.StoreDocument}

	bus := new(mockBus)
	bus.On("PublishMessage", mock.Anything, mock.AnythingOfType("messaging.WriteOutcomeMessage"), messaging.QueueDatabaseEvents).Return(nil).Once()

	records := new(mockBookkeeper)
	records.On("SaveWriteRecord", mock.Anything, "w-1", PolicyAll, mock.Anything, true, CompensationNone).Return(nil)

	c := New([]stores.Adapter{truth, secondary}, records, bus, testOptions(PolicyAll))

	report, err := c.WriteBatchToAllStores(context.Background(), testBatch())
	require.NoError(t, err)
	require.True(t, report.Durable)
	require.Equal(t, "w-1", report.WriteID)

	// One transactional commit on the store of truth, per-record writes on
	// the secondary
	require.Equal(t, 1, truth.batches)
	require.Len(t, truth.writes, 2)
	require.Len(t, secondary.writes, 2)

	bus.AssertExpectations(t)
	records.AssertExpectations(t)
}

func TestWriteBatchVersionConflictCommitsNothing(t *testing.T) {
	truth := &atomicFakeAdapter{
		fakeAdapter: &fakeAdapter{name: stores.StoreRelational},
		batchErr:    domain.VersionConflictError{AggregateID: "A1", Version: 1},
	}
	secondary := &fakeAdapter{name: stores.StoreDocument}

	bus := new(mockBus)
	records := new(mockBookkeeper)

	c := New([]stores.Adapter{truth, secondary}, records, bus, testOptions(PolicyAll))

	report, err := c.WriteBatchToAllStores(context.Background(), testBatch())
	require.Nil(t, report)
	require.True(t, domain.IsVersionConflict(err))

	// The truth store committed nothing; the secondary copies are retracted
	require.Empty(t, truth.writes)
	require.Equal(t, 0, truth.deleteCount())
	require.Equal(t, 1, secondary.deleteCount())

	// A lost version race produces no compensation traffic at all
	bus.AssertNotCalled(t, "PublishMessage", mock.Anything, mock.Anything, mock.Anything)
	records.AssertNotCalled(t, "SaveWriteRecord", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestVersionConflictsDoNotOpenBreaker(t *testing.T) {
	adapter := &fakeAdapter{name: stores.StoreRelational, failErr: domain.VersionConflictError{AggregateID: "A1", Version: 1}}

	bus := new(mockBus)
	bus.On("PublishMessage", mock.Anything, mock.AnythingOfType("messaging.WriteOutcomeMessage"), messaging.QueueDatabaseEvents).Return(nil).Once()

	records := new(mockBookkeeper)
	records.On("SaveWriteRecord", mock.Anything, "w-1", PolicyAll, mock.Anything, true, CompensationNone).Return(nil)

	opts := testOptions(PolicyAll)
	opts.FailureThreshold = 2
	c := New([]stores.Adapter{adapter}, records, bus, opts)
	ctx := context.Background()

	// Far more lost races than the failure threshold: the store keeps
	// answering, so the breaker must stay closed.
	for i := 0; i < 5; i++ {
		_, err := c.WriteToAllStores(ctx, testRecord())
		require.True(t, domain.IsVersionConflict(err))
	}
	require.Equal(t, "closed", c.BreakerStates()[stores.StoreRelational])

	// A fresh write with the race resolved goes straight through
	adapter.setFailErr(nil)
	report, err := c.WriteToAllStores(ctx, testRecord())
	require.NoError(t, err)
	require.True(t, report.Durable)
}

func TestRollbackFailureIsRecorded(t *testing.T) {
	stuck := &fakeAdapter{name: stores.StoreRelational, deleteErr: errors.New("delete refused")}
	bad := &fakeAdapter{name: stores.StoreDocument, failErr: errors.New("es unavailable")}

	bus := new(mockBus)
	bus.On("PublishMessage", mock.Anything, mock.AnythingOfType("messaging.WriteOutcomeMessage"), messaging.QueueDatabaseEvents).Return(nil).Once()
	bus.On("PublishMessage", mock.Anything, mock.AnythingOfType("messaging.CompensationRequiredMessage"), messaging.QueueCompensationEvents).Return(nil).Once()

	records := new(mockBookkeeper)
	records.On("SaveWriteRecord", mock.Anything, "w-1", PolicyAll, mock.Anything, false, CompensationPending).Return(nil)
	records.On("SetCompensationState", mock.Anything, "w-1", CompensationDone).Return(nil)
	records.On("SaveFailedWrite", mock.Anything, "w-1", stores.StoreRelational, mock.Anything, "rollback failed: delete refused", 0).Return(nil)

	c := New([]stores.Adapter{stuck, bad}, records, bus, testOptions(PolicyAll))

	_, err := c.WriteToAllStores(context.Background(), testRecord())
	require.Error(t, err)

	// The orphaned copy the delete left behind is on the ledger, not just
	// in a log line
	require.Equal(t, 1, stuck.deleteCount())
	records.AssertExpectations(t)
}

func TestBestEffortPolicyDurableWithOneSuccess(t *testing.T) {
	good := &fakeAdapter{name: stores.StoreRelational}
	bad1 := &fakeAdapter{name: stores.StoreDocument, failErr: errors.New("down")}
	bad2 := &fakeAdapter{name: stores.StoreKeyValue, failErr: errors.New("down")}

	bus := new(mockBus)
	bus.On("PublishMessage", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	records := new(mockBookkeeper)
	records.On("SaveWriteRecord", mock.Anything, "w-1", PolicyBestEffort, mock.Anything, true, CompensationNone).Return(nil)
	records.On("SaveFailedWrite", mock.Anything, "w-1", mock.Anything, mock.Anything, mock.Anything, 3).Return(nil)

	c := New([]stores.Adapter{good, bad1, bad2}, records, bus, testOptions(PolicyBestEffort))

	report, err := c.WriteToAllStores(context.Background(), testRecord())
	require.NoError(t, err)
	require.True(t, report.Durable)
}
