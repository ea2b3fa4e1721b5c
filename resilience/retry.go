package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"example.com/payhub/services/ledger/domain"
)

// RetryPolicy wraps a single breaker-guarded call with bounded exponential
// backoff. Circuit-open errors are never retried: the breaker already
// decided the dependency should fail fast, looping on it would defeat the
// point. Validation and version-conflict errors are permanent too; conflicts
// are retried one level up with a freshly computed version.
type RetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewRetryPolicy creates a retry policy
func NewRetryPolicy(maxAttempts int, baseDelay, maxDelay time.Duration) *RetryPolicy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &RetryPolicy{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
	}
}

// Execute attempts op until it succeeds or attempts are exhausted
func (p *RetryPolicy) Execute(ctx context.Context, op func(context.Context) error) error {
	operation := func() (any, error) {
		err := op(ctx)
		if err == nil {
			return nil, nil
		}
		if domain.IsCircuitOpen(err) || domain.IsValidation(err) || domain.IsVersionConflict(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.baseDelay
	bo.MaxInterval = p.maxDelay

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(p.maxAttempts)),
	)
	return err
}
