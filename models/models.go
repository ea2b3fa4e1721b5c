package models

import (
	"time"

	"gorm.io/gorm"
)

// Event is the durable row for a domain event. The composite unique index on
// (aggregate_id, version) is the concurrency guard for version allocation:
// two appenders racing on the same aggregate cannot both commit the same
// version.
type Event struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	EventID       string    `gorm:"uniqueIndex" json:"event_id"`
	WriteID       string    `gorm:"index" json:"write_id"`
	AggregateID   string    `gorm:"uniqueIndex:idx_aggregate_version;index" json:"aggregate_id"`
	AggregateType string    `gorm:"index" json:"aggregate_type"`
	EventType     string    `json:"event_type"`
	Payload       []byte    `json:"payload"`
	Metadata      []byte    `json:"metadata"`
	Version       int       `gorm:"uniqueIndex:idx_aggregate_version" json:"version"`
	Timestamp     time.Time `json:"timestamp"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	Error         *string   `json:"error"`
	Processed     bool      `gorm:"index" json:"processed"`
}

// ArchivedEvent mirrors Event for rows moved out of the active log.
type ArchivedEvent struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	EventID       string    `gorm:"uniqueIndex" json:"event_id"`
	WriteID       string    `json:"write_id"`
	AggregateID   string    `gorm:"index" json:"aggregate_id"`
	AggregateType string    `json:"aggregate_type"`
	EventType     string    `json:"event_type"`
	Payload       []byte    `json:"payload"`
	Metadata      []byte    `json:"metadata"`
	Version       int       `json:"version"`
	Timestamp     time.Time `json:"timestamp"`
	ArchivedAt    time.Time `json:"archived_at"`
}

// Snapshot is a point-in-time materialization of an aggregate's folded state.
type Snapshot struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	SnapshotID  string    `gorm:"uniqueIndex" json:"snapshot_id"`
	AggregateID string    `gorm:"index" json:"aggregate_id"`
	Version     int       `json:"version"`
	State       []byte    `json:"state"`
	CreatedAt   time.Time `json:"created_at"`
}

// Projection is a named read model with its checkpoint.
type Projection struct {
	ID                   uint      `gorm:"primaryKey" json:"id"`
	Name                 string    `gorm:"uniqueIndex" json:"name"`
	AggregateType        string    `json:"aggregate_type"`
	SubscribedEventTypes []byte    `json:"subscribed_event_types"`
	State                []byte    `json:"state"`
	InitialState         []byte    `json:"initial_state"`
	LastAppliedVersion   int       `json:"last_applied_version"`
	LastAppliedEventID   string    `json:"last_applied_event_id"`
	Checkpoints          []byte    `json:"checkpoints"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// Saga is a persisted workflow instance.
type Saga struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	SagaID           string     `gorm:"uniqueIndex" json:"saga_id"`
	SagaType         string     `gorm:"index" json:"saga_type"`
	InitiatingEvent  string     `json:"initiating_event"`
	Steps            []byte     `json:"steps"`
	CurrentStepIndex int        `json:"current_step_index"`
	Status           string     `gorm:"index" json:"status"`
	CompletedSteps   []byte     `json:"completed_steps"`
	FailedSteps      []byte     `json:"failed_steps"`
	CurrentDeadline  *time.Time `gorm:"index" json:"current_deadline"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// WriteRecord is the bookkeeping row for one multi-store write.
type WriteRecord struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	WriteID           string    `gorm:"uniqueIndex" json:"write_id"`
	TargetStores      []byte    `json:"target_stores"`
	StoreResults      []byte    `json:"store_results"`
	DurabilityPolicy  string    `json:"durability_policy"`
	Durable           bool      `json:"durable"`
	CompensationState string    `json:"compensation_state"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// FailedWrite is a queued out-of-band retry entry for a single store failure.
type FailedWrite struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	WriteID    string    `gorm:"index" json:"write_id"`
	Store      string    `json:"store"`
	Payload    []byte    `json:"payload"`
	Error      string    `json:"error"`
	RetryCount int       `json:"retry_count"`
	MaxRetries int       `json:"max_retries"`
	Resolved   bool      `gorm:"index" json:"resolved"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SetupModels runs auto-migration for all tables
func SetupModels(db *gorm.DB) error {
	return db.AutoMigrate(
		&Event{},
		&ArchivedEvent{},
		&Snapshot{},
		&Projection{},
		&Saga{},
		&WriteRecord{},
		&FailedWrite{},
	)
}
