package resilience

import (
	"context"
	"sync"
	"time"

	"example.com/payhub/services/ledger/domain"
)

// Breaker states
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

// CircuitBreaker isolates one dependency. Instances are shared across all
// callers in the process, one per dependency. Execute never sleeps; while
// the breaker is open every call fails fast with CircuitOpenError.
type CircuitBreaker struct {
	mu               sync.Mutex
	name             string
	state            string
	failures         int
	failureThreshold int
	resetTimeout     time.Duration
	lastFailureTime  time.Time
	probeInFlight    bool

	// injectable for tests
	now func() time.Time
}

// NewCircuitBreaker creates a breaker for the named dependency
func NewCircuitBreaker(name string, failureThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:             name,
		state:            StateClosed,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		now:              time.Now,
	}
}

// Execute runs op through the breaker
func (b *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := op(ctx)
	b.record(!dependencyFailure(err))
	return err
}

// dependencyFailure reports whether err counts against the breaker. A lost
// version race or a rejected payload means the dependency answered; only
// transport and server errors are evidence it is down.
func dependencyFailure(err error) bool {
	if err == nil {
		return false
	}
	if domain.IsVersionConflict(err) || domain.IsValidation(err) {
		return false
	}
	return true
}

// Name returns the dependency name
func (b *CircuitBreaker) Name() string {
	return b.name
}

// State returns the current breaker state
func (b *CircuitBreaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *CircuitBreaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if b.now().Sub(b.lastFailureTime) < b.resetTimeout {
			return domain.CircuitOpenError{Dependency: b.name}
		}
		// Reset window elapsed, let a single probe through
		b.state = StateHalfOpen
		b.probeInFlight = true
		return nil

	case StateHalfOpen:
		if b.probeInFlight {
			return domain.CircuitOpenError{Dependency: b.name}
		}
		b.probeInFlight = true
		return nil
	}

	return nil
}

func (b *CircuitBreaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.probeInFlight = false
		if success {
			b.state = StateClosed
			b.failures = 0
		} else {
			b.state = StateOpen
			b.lastFailureTime = b.now()
		}
		return
	}

	if success {
		b.failures = 0
		return
	}

	b.failures++
	b.lastFailureTime = b.now()
	if b.failures >= b.failureThreshold {
		b.state = StateOpen
	}
}
