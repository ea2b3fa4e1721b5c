package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/payhub/services/ledger/domain"
)

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	p := NewRetryPolicy(5, time.Millisecond, 5*time.Millisecond)

	calls := 0
	err := p.Execute(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	p := NewRetryPolicy(3, time.Millisecond, 5*time.Millisecond)

	calls := 0
	err := p.Execute(context.Background(), func(context.Context) error {
		calls++
		return errors.New("timeout")
	})
	require.Error(t, err)
	require.Equal(t, 3, calls)
}

func TestRetryNeverRetriesCircuitOpen(t *testing.T) {
	p := NewRetryPolicy(5, time.Millisecond, 5*time.Millisecond)

	calls := 0
	err := p.Execute(context.Background(), func(context.Context) error {
		calls++
		return domain.CircuitOpenError{Dependency: "relational"}
	})
	require.True(t, domain.IsCircuitOpen(err))
	require.Equal(t, 1, calls)
}

func TestRetryNeverRetriesValidation(t *testing.T) {
	p := NewRetryPolicy(5, time.Millisecond, 5*time.Millisecond)

	calls := 0
	err := p.Execute(context.Background(), func(context.Context) error {
		calls++
		return domain.ValidationError{Field: "aggregate_id", Msg: "must not be empty"}
	})
	require.True(t, domain.IsValidation(err))
	require.Equal(t, 1, calls)
}

func TestRetryNeverRetriesVersionConflict(t *testing.T) {
	p := NewRetryPolicy(5, time.Millisecond, 5*time.Millisecond)

	calls := 0
	err := p.Execute(context.Background(), func(context.Context) error {
		calls++
		return domain.VersionConflictError{AggregateID: "A1", Version: 2}
	})
	require.True(t, domain.IsVersionConflict(err))
	require.Equal(t, 1, calls)
}
