package stores

import (
	"context"
	"time"

	"example.com/payhub/services/ledger/domain"
)

// Store names
const (
	StoreRelational = "relational"
	StoreDocument   = "document"
	StoreKeyValue   = "keyvalue"
)

// Record is the logical unit the write coordinator fans out: one event,
// tagged with the write id that groups its copies across stores.
type Record struct {
	WriteID string
	Event   domain.Event
}

// WriteResult is the per-store outcome of one fan-out write. Err keeps the
// typed error for in-process callers; Error is its serialized form.
type WriteResult struct {
	Store    string        `json:"store"`
	OK       bool          `json:"ok"`
	NativeID string        `json:"native_id,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
	Err      error         `json:"-"`
}

// BatchWriter is implemented by stores that can commit a set of records
// atomically. The store of truth must implement it: a batch that loses the
// version race never leaves partial rows behind.
type BatchWriter interface {
	WriteBatch(ctx context.Context, recs []Record) error
}

// Adapter is the uniform contract every physical store satisfies. Writes
// must be idempotent per write id so the out-of-band retry path can replay
// them safely.
type Adapter interface {
	// Name identifies the store in write records and breaker state
	Name() string

	// Write persists one record and returns the store-native id
	Write(ctx context.Context, rec Record) (string, error)

	// DeleteByWriteID removes everything written under writeID. Used for
	// compensation after a durability policy violation.
	DeleteByWriteID(ctx context.Context, writeID string) error

	// HealthCheck verifies connectivity
	HealthCheck(ctx context.Context) error
}
