package snapshots

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"example.com/payhub/services/ledger/domain"
	"example.com/payhub/services/ledger/messaging"
	"example.com/payhub/services/ledger/metrics"
	"example.com/payhub/services/ledger/models"
)

// Snapshot is a point-in-time materialization of an aggregate's folded
// state. Snapshots only accelerate replay; the event log stays the source
// of truth.
type Snapshot struct {
	SnapshotID  string          `json:"snapshot_id"`
	AggregateID string          `json:"aggregate_id"`
	Version     int             `json:"version"`
	State       json.RawMessage `json:"state"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Manager persists and serves aggregate snapshots
type Manager struct {
	db  *gorm.DB
	bus messaging.Client
}

// NewManager creates a snapshot manager
func NewManager(db *gorm.DB, bus messaging.Client) *Manager {
	return &Manager{db: db, bus: bus}
}

// Create stores a new snapshot. A snapshot older than the latest stored one
// is rejected as stale; equal versions are accepted so idempotent retries
// are harmless.
func (m *Manager) Create(ctx context.Context, aggregateID string, state json.RawMessage, version int) (*Snapshot, error) {
	if aggregateID == "" {
		return nil, domain.ValidationError{Field: "aggregate_id", Msg: "must not be empty"}
	}
	if version < 1 {
		return nil, domain.ValidationError{Field: "version", Msg: "must be a positive integer"}
	}

	latest, err := m.Latest(ctx, aggregateID)
	if err != nil {
		return nil, err
	}
	if latest != nil && version < latest.Version {
		return nil, fmt.Errorf("%w: candidate v%d, stored v%d", domain.ErrStaleSnapshot, version, latest.Version)
	}

	snap := Snapshot{
		SnapshotID:  uuid.New().String(),
		AggregateID: aggregateID,
		Version:     version,
		State:       state,
		CreatedAt:   time.Now(),
	}

	row := models.Snapshot{
		SnapshotID:  snap.SnapshotID,
		AggregateID: snap.AggregateID,
		Version:     snap.Version,
		State:       snap.State,
		CreatedAt:   snap.CreatedAt,
	}
	if err := m.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, fmt.Errorf("failed to save snapshot: %w", err)
	}

	metrics.GetMetricsCollector().IncrementCounter(metrics.CounterSnapshotsCreated, 1)
	log.Info().
		Str("aggregateID", aggregateID).
		Int("version", version).
		Msg("Snapshot created")

	m.notify(ctx, snap)

	return &snap, nil
}

// Latest returns the newest snapshot for an aggregate, or nil when the
// aggregate has none.
func (m *Manager) Latest(ctx context.Context, aggregateID string) (*Snapshot, error) {
	var row models.Snapshot
	err := m.db.WithContext(ctx).
		Where("aggregate_id = ?", aggregateID).
		Order("version DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	return &Snapshot{
		SnapshotID:  row.SnapshotID,
		AggregateID: row.AggregateID,
		Version:     row.Version,
		State:       row.State,
		CreatedAt:   row.CreatedAt,
	}, nil
}

func (m *Manager) notify(ctx context.Context, snap Snapshot) {
	if m.bus == nil {
		return
	}

	data, err := json.Marshal(snap)
	if err != nil {
		log.Error().Err(err).Str("aggregateID", snap.AggregateID).Msg("Failed to marshal snapshot notification")
		return
	}

	msg := messaging.DomainNotification{
		Type:      messaging.NotifySnapshotCreated,
		Data:      data,
		Timestamp: time.Now(),
	}
	if err := m.bus.PublishMessage(ctx, msg, messaging.QueueDomainEvents); err != nil {
		log.Error().Err(err).Str("aggregateID", snap.AggregateID).Msg("Failed to publish snapshot notification")
	}
}
