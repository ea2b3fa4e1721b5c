package domain

import (
	"encoding/json"
	"time"
)

// Aggregate types
const (
	AggregateAccount     = "account"
	AggregateTransaction = "transaction"
)

// Metadata keys
const (
	MetaCorrelationID = "correlation_id"
	MetaCausationID   = "causation_id"
)

// Metadata carries correlation data alongside an event
type Metadata map[string]string

// Event is an immutable fact about one aggregate. Versions for a given
// aggregate are contiguous from 1, strictly increasing and unique.
type Event struct {
	ID            string          `json:"event_id"`
	WriteID       string          `json:"write_id,omitempty"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	Type          string          `json:"event_type"`
	Version       int             `json:"version"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      Metadata        `json:"metadata,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// CorrelationID returns the correlation id from the event metadata, if set
func (e Event) CorrelationID() string {
	return e.Metadata[MetaCorrelationID]
}

// ReplayedState is the result of folding an aggregate's history.
type ReplayedState struct {
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	State         json.RawMessage `json:"state"`
	LastVersion   int             `json:"last_version"`
	EventCount    int             `json:"event_count"`
}
