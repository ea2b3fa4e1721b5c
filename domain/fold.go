package domain

import (
	"encoding/json"
	"fmt"
)

// FoldFunc applies one event onto a JSON-encoded aggregate state and
// returns the next state. Fold functions are pure: same state and event in,
// same state out.
type FoldFunc func(state json.RawMessage, evt Event) (json.RawMessage, error)

// FoldRegistry maps aggregate types to their fold function. The set of
// aggregate types is closed: new types are added here, in one place, and
// everything downstream picks them up.
type FoldRegistry struct {
	folds map[string]FoldFunc
}

// NewFoldRegistry builds the registry with every known aggregate type.
func NewFoldRegistry() *FoldRegistry {
	return &FoldRegistry{
		folds: map[string]FoldFunc{
			AggregateAccount:     foldAccount,
			AggregateTransaction: foldTransaction,
		},
	}
}

// Fold looks up the fold function for aggregateType and applies evt to state
func (r *FoldRegistry) Fold(aggregateType string, state json.RawMessage, evt Event) (json.RawMessage, error) {
	fold, ok := r.folds[aggregateType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAggregate, aggregateType)
	}
	return fold(state, evt)
}

// Knows reports whether aggregateType has a registered fold function
func (r *FoldRegistry) Knows(aggregateType string) bool {
	_, ok := r.folds[aggregateType]
	return ok
}

// FoldAll folds a sequence of events onto an initial state and returns the
// final state together with the last version folded in.
func (r *FoldRegistry) FoldAll(aggregateType string, initial json.RawMessage, events []Event) (json.RawMessage, int, error) {
	state := initial
	lastVersion := 0
	for _, evt := range events {
		next, err := r.Fold(aggregateType, state, evt)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to fold event %s v%d: %w", evt.Type, evt.Version, err)
		}
		state = next
		lastVersion = evt.Version
	}
	return state, lastVersion, nil
}
