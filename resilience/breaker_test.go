package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/payhub/services/ledger/domain"
)

var errStoreDown = errors.New("store down")

func failingOp(calls *int) func(context.Context) error {
	return func(context.Context) error {
		*calls++
		return errStoreDown
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewCircuitBreaker("relational", 3, 30*time.Second)
	ctx := context.Background()

	calls := 0
	for i := 0; i < 3; i++ {
		err := b.Execute(ctx, failingOp(&calls))
		require.ErrorIs(t, err, errStoreDown)
	}
	require.Equal(t, StateOpen, b.State())
	require.Equal(t, 3, calls)
}

func TestBreakerFailsFastWhileOpen(t *testing.T) {
	now := time.Now()
	b := NewCircuitBreaker("relational", 1, 30*time.Second)
	b.now = func() time.Time { return now }
	ctx := context.Background()

	calls := 0
	require.Error(t, b.Execute(ctx, failingOp(&calls)))
	require.Equal(t, StateOpen, b.State())

	// Before the reset window elapses the operation must not be invoked
	now = now.Add(10 * time.Second)
	err := b.Execute(ctx, failingOp(&calls))
	require.True(t, domain.IsCircuitOpen(err))
	require.Equal(t, 1, calls)
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	now := time.Now()
	b := NewCircuitBreaker("document", 1, 30*time.Second)
	b.now = func() time.Time { return now }
	ctx := context.Background()

	calls := 0
	require.Error(t, b.Execute(ctx, failingOp(&calls)))

	now = now.Add(31 * time.Second)

	// First call after the window is the probe; a concurrent second call
	// must fail fast without touching the dependency.
	probeStarted := make(chan struct{})
	probeRelease := make(chan struct{})
	probeResult := make(chan error, 1)
	go func() {
		probeResult <- b.Execute(ctx, func(context.Context) error {
			close(probeStarted)
			<-probeRelease
			return nil
		})
	}()

	<-probeStarted
	require.Equal(t, StateHalfOpen, b.State())

	err := b.Execute(ctx, failingOp(&calls))
	require.True(t, domain.IsCircuitOpen(err))
	require.Equal(t, 1, calls)

	close(probeRelease)
	require.NoError(t, <-probeResult)
	require.Equal(t, StateClosed, b.State())
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	now := time.Now()
	b := NewCircuitBreaker("keyvalue", 1, 30*time.Second)
	b.now = func() time.Time { return now }
	ctx := context.Background()

	calls := 0
	require.Error(t, b.Execute(ctx, failingOp(&calls)))

	now = now.Add(31 * time.Second)
	require.ErrorIs(t, b.Execute(ctx, failingOp(&calls)), errStoreDown)
	require.Equal(t, StateOpen, b.State())
	require.Equal(t, 2, calls)
}

func TestBreakerIgnoresDomainVerdicts(t *testing.T) {
	b := NewCircuitBreaker("relational", 2, 30*time.Second)
	ctx := context.Background()

	// Lost version races and rejected payloads are answers, not outages
	for i := 0; i < 10; i++ {
		err := b.Execute(ctx, func(context.Context) error {
			return domain.VersionConflictError{AggregateID: "A1", Version: 1}
		})
		require.True(t, domain.IsVersionConflict(err))
	}
	require.Equal(t, StateClosed, b.State())

	err := b.Execute(ctx, func(context.Context) error {
		return domain.ValidationError{Field: "payload", Msg: "must be valid JSON"}
	})
	require.True(t, domain.IsValidation(err))
	require.Equal(t, StateClosed, b.State())

	// Real outages still open the breaker
	calls := 0
	require.Error(t, b.Execute(ctx, failingOp(&calls)))
	require.Error(t, b.Execute(ctx, failingOp(&calls)))
	require.Equal(t, StateOpen, b.State())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewCircuitBreaker("relational", 3, 30*time.Second)
	ctx := context.Background()

	calls := 0
	require.Error(t, b.Execute(ctx, failingOp(&calls)))
	require.Error(t, b.Execute(ctx, failingOp(&calls)))
	require.NoError(t, b.Execute(ctx, func(context.Context) error { return nil }))
	require.Error(t, b.Execute(ctx, failingOp(&calls)))
	require.Error(t, b.Execute(ctx, failingOp(&calls)))

	// Two fresh failures after a success never reach the threshold of three
	require.Equal(t, StateClosed, b.State())
}
