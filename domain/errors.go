package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across packages
var (
	ErrNotFound          = errors.New("record not found")
	ErrDuplicateHandler  = errors.New("handler already registered")
	ErrNoHandler         = errors.New("no handler registered")
	ErrStaleSnapshot     = errors.New("snapshot version older than latest stored snapshot")
	ErrSagaTerminal      = errors.New("saga is in a terminal state")
	ErrUnknownAggregate  = errors.New("unknown aggregate type")
	ErrProjectionUnknown = errors.New("projection not found")
)

// CircuitOpenError is returned when a breaker rejects a call without
// invoking the underlying operation. The retry policy must never retry it.
type CircuitOpenError struct {
	Dependency string
}

func (e CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s", e.Dependency)
}

// IsCircuitOpen reports whether err is (or wraps) a CircuitOpenError
func IsCircuitOpen(err error) bool {
	var coe CircuitOpenError
	return errors.As(err, &coe)
}

// VersionConflictError signals that an append lost the optimistic
// concurrency race for (aggregateID, version).
type VersionConflictError struct {
	AggregateID string
	Version     int
}

func (e VersionConflictError) Error() string {
	return fmt.Sprintf("version %d already taken for aggregate %s", e.Version, e.AggregateID)
}

// IsVersionConflict reports whether err is (or wraps) a VersionConflictError
func IsVersionConflict(err error) bool {
	var vce VersionConflictError
	return errors.As(err, &vce)
}

// DurabilityError is returned when a multi-store write does not satisfy its
// durability policy. It carries the write id for operator follow-up.
type DurabilityError struct {
	WriteID   string
	Policy    string
	Succeeded []string
	Failed    []string
}

func (e DurabilityError) Error() string {
	return fmt.Sprintf("write %s violated durability policy %q: succeeded=%v failed=%v",
		e.WriteID, e.Policy, e.Succeeded, e.Failed)
}

// ValidationError is rejected synchronously and never retried.
type ValidationError struct {
	Field string
	Msg   string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Msg)
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Msg)
}

// IsValidation reports whether err is (or wraps) a ValidationError
func IsValidation(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}
