package messaging

import (
	"encoding/json"
	"time"

	"example.com/payhub/services/ledger/stores"
)

// Queue names. The payload shapes below are the contract with downstream
// consumers (audit, compensation, self-healing retry).
const (
	QueueDatabaseEvents     = "database-events"
	QueueCompensationEvents = "compensation-events"
	QueueFailedWrites       = "failed-writes"
	QueueDomainEvents       = "domain-events"
)

// Domain notification event types
const (
	NotifyEventStored       = "EventStored"
	NotifyEventsBatchStored = "EventsBatchStored"
	NotifyEventsReplayed    = "EventsReplayed"
	NotifySnapshotCreated   = "SnapshotCreated"
	NotifyProjectionCreated = "ProjectionCreated"
	NotifyProjectionUpdated = "ProjectionUpdated"
	NotifySagaCreated       = "SagaCreated"
	NotifySagaStepCompleted = "SagaStepCompleted"
	NotifySagaCompleted     = "SagaCompleted"
	NotifySagaFailed        = "SagaFailed"
	NotifyEventsArchived    = "EventsArchived"
)

// WriteOutcomeMessage is published to database-events for every
// coordinated write, durable or not.
type WriteOutcomeMessage struct {
	WriteID         string               `json:"writeId"`
	PerStoreResults []stores.WriteResult `json:"perStoreResults"`
	Durable         bool                 `json:"durable"`
	Policy          string               `json:"policy"`
	DataID          string               `json:"data_id"`
	DataType        string               `json:"data_type"`
	Timestamp       time.Time            `json:"timestamp"`
}

// CompensationRequiredMessage is published to compensation-events when a
// write violates its durability policy.
type CompensationRequiredMessage struct {
	WriteID          string          `json:"writeId"`
	SuccessfulWrites []string        `json:"successfulWrites"`
	FailedWrites     []string        `json:"failedWrites"`
	Data             json.RawMessage `json:"data"`
	Timestamp        time.Time       `json:"timestamp"`
}

// FailedWriteMessage is the at-least-once retry-queue entry for a single
// store failure.
type FailedWriteMessage struct {
	Database   string          `json:"database"`
	Data       json.RawMessage `json:"data"`
	WriteID    string          `json:"writeId"`
	Error      string          `json:"error"`
	RetryCount int             `json:"retryCount"`
	MaxRetries int             `json:"maxRetries"`
}

// DomainNotification is published to domain-events for event-store
// lifecycle facts (EventStored, SnapshotCreated, SagaCompleted, ...).
type DomainNotification struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}
