package eventstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"example.com/payhub/services/ledger/coordinator"
	"example.com/payhub/services/ledger/domain"
	"example.com/payhub/services/ledger/messaging"
	"example.com/payhub/services/ledger/models"
	"example.com/payhub/services/ledger/resilience"
	"example.com/payhub/services/ledger/stores"
)

type noopBookkeeper struct{}

func (noopBookkeeper) SaveWriteRecord(ctx context.Context, writeID, policy string, results []stores.WriteResult, durable bool, compensation string) error {
	return nil
}
func (noopBookkeeper) SetCompensationState(ctx context.Context, writeID, state string) error {
	return nil
}
func (noopBookkeeper) SaveFailedWrite(ctx context.Context, writeID, store string, payload []byte, writeErr string, maxRetries int) error {
	return nil
}
func (noopBookkeeper) ResolveFailedWrites(ctx context.Context, writeID, store string) error {
	return nil
}
func (noopBookkeeper) IncrementRetryCount(ctx context.Context, writeID, store string) error {
	return nil
}

type noopBus struct{}

func (noopBus) PublishMessage(ctx context.Context, message interface{}, queueName string) error {
	return nil
}
func (noopBus) ReceiveMessages(ctx context.Context, queueName string, count int) ([]messaging.Message, error) {
	return nil, nil
}
func (noopBus) Close(ctx context.Context) error { return nil }

// TestConcurrentAppendsKeepBreakersClosed drives contended appends through
// the real coordinator path, breakers included. Lost version races are
// answers from a healthy store, so even with a threshold lower than the
// number of losses the breaker must stay closed and every append must
// eventually land.
func TestConcurrentAppendsKeepBreakersClosed(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, models.SetupModels(db))

	rel := stores.NewRelationalStore(db)
	coord := coordinator.New([]stores.Adapter{rel}, noopBookkeeper{}, noopBus{}, coordinator.Options{
		DurabilityPolicy:  coordinator.PolicyAll,
		StoreWriteTimeout: 5 * time.Second,
		FailureThreshold:  2,
		ResetTimeout:      30 * time.Second,
		RetryMaxAttempts:  1,
		RetryBaseDelay:    time.Millisecond,
		RetryMaxDelay:     10 * time.Millisecond,
	})
	log := NewLog(rel, coord, newMemSnaps(), domain.NewFoldRegistry(), nil, nil, Options{})
	ctx := context.Background()

	const n = 5
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, appendErr := log.Append(ctx, accountCandidate("A1", domain.BalanceUpdated, domain.BalanceUpdatedEvent{NewBalance: int64(i)}))
			errs <- appendErr
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for store, state := range coord.BreakerStates() {
		require.Equal(t, resilience.StateClosed, state, "breaker for %s", store)
	}

	events, err := rel.Events(ctx, "A1", 1, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, n)
	for i, evt := range events {
		require.Equal(t, i+1, evt.Version)
	}
}
