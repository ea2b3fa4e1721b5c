package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"example.com/payhub/services/ledger/domain"
	"example.com/payhub/services/ledger/models"
)

// RelationalStore is the store of truth. The unique index on
// (aggregate_id, version) makes Write a conditional insert: the losing
// appender gets a VersionConflictError instead of overwriting.
type RelationalStore struct {
	db *gorm.DB
}

// NewRelationalStore creates a relational store adapter backed by GORM
func NewRelationalStore(db *gorm.DB) *RelationalStore {
	return &RelationalStore{db: db}
}

// Name identifies the store
func (s *RelationalStore) Name() string {
	return StoreRelational
}

// DB exposes the underlying handle for bookkeeping repositories that share
// the store of truth (write records, sagas, projections).
func (s *RelationalStore) DB() *gorm.DB {
	return s.db
}

// Write inserts one event row. A replayed write with the same event id is
// reported as success so the out-of-band retry path stays idempotent.
func (s *RelationalStore) Write(ctx context.Context, rec Record) (string, error) {
	return insertEvent(s.db.WithContext(ctx), rec)
}

// WriteBatch commits a set of records in one transaction. A version conflict
// on any row rolls the whole batch back, so the store of truth never holds a
// partial batch.
func (s *RelationalStore) WriteBatch(ctx context.Context, recs []Record) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, rec := range recs {
			if _, err := insertEvent(tx, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertEvent(db *gorm.DB, rec Record) (string, error) {
	evt := rec.Event

	var existing models.Event
	err := db.Where("event_id = ?", evt.ID).First(&existing).Error
	if err == nil {
		return fmt.Sprint(existing.ID), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("failed to check for existing event: %w", err)
	}

	metadata, err := json.Marshal(evt.Metadata)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event metadata: %w", err)
	}

	row := models.Event{
		EventID:       evt.ID,
		WriteID:       rec.WriteID,
		AggregateID:   evt.AggregateID,
		AggregateType: evt.AggregateType,
		EventType:     evt.Type,
		Payload:       evt.Payload,
		Metadata:      metadata,
		Version:       evt.Version,
		Timestamp:     evt.Timestamp,
		Processed:     false,
	}

	if err := db.Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return "", domain.VersionConflictError{AggregateID: evt.AggregateID, Version: evt.Version}
		}
		return "", fmt.Errorf("failed to insert event: %w", err)
	}

	return fmt.Sprint(row.ID), nil
}

// DeleteByWriteID removes all rows committed under writeID
func (s *RelationalStore) DeleteByWriteID(ctx context.Context, writeID string) error {
	if err := s.db.WithContext(ctx).
		Where("write_id = ?", writeID).
		Delete(&models.Event{}).Error; err != nil {
		return fmt.Errorf("failed to delete events for write %s: %w", writeID, err)
	}
	return nil
}

// HealthCheck verifies database connectivity
func (s *RelationalStore) HealthCheck(ctx context.Context) error {
	return s.db.WithContext(ctx).Exec("SELECT 1").Error
}

// NextVersion computes the candidate next version for an aggregate. The
// value is only a starting point; the unique index is what serializes
// concurrent appenders.
func (s *RelationalStore) NextVersion(ctx context.Context, aggregateID string) (int, error) {
	var maxVersion int
	err := s.db.WithContext(ctx).
		Model(&models.Event{}).
		Where("aggregate_id = ?", aggregateID).
		Select("COALESCE(MAX(version), 0)").
		Scan(&maxVersion).Error
	if err != nil {
		return 0, fmt.Errorf("failed to compute next version: %w", err)
	}
	return maxVersion + 1, nil
}

// AggregateType resolves the aggregate type for an id, falling back to the
// archive when every active event has been moved out.
func (s *RelationalStore) AggregateType(ctx context.Context, aggregateID string) (string, error) {
	var row models.Event
	err := s.db.WithContext(ctx).
		Where("aggregate_id = ?", aggregateID).
		Order("version ASC").
		First(&row).Error
	if err == nil {
		return row.AggregateType, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("failed to resolve aggregate type: %w", err)
	}

	var archived models.ArchivedEvent
	err = s.db.WithContext(ctx).
		Where("aggregate_id = ?", aggregateID).
		Order("version ASC").
		First(&archived).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve aggregate type from archive: %w", err)
	}
	return archived.AggregateType, nil
}

// Events loads events for an aggregate ordered by version. toVersion and
// limit are optional (zero means unbounded).
func (s *RelationalStore) Events(ctx context.Context, aggregateID string, fromVersion, toVersion, limit int) ([]domain.Event, error) {
	q := s.db.WithContext(ctx).
		Where("aggregate_id = ? AND version >= ?", aggregateID, fromVersion).
		Order("version ASC")
	if toVersion > 0 {
		q = q.Where("version <= ?", toVersion)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []models.Event
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}

	return toDomainEvents(rows)
}

// EventsForAggregateType loads every event of one aggregate type in commit
// order. Used by projection rebuilds.
func (s *RelationalStore) EventsForAggregateType(ctx context.Context, aggregateType string) ([]domain.Event, error) {
	var rows []models.Event
	if err := s.db.WithContext(ctx).
		Where("aggregate_type = ?", aggregateType).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load events for aggregate type %s: %w", aggregateType, err)
	}

	return toDomainEvents(rows)
}

// GetUnprocessed returns events not yet picked up by the projection worker
func (s *RelationalStore) GetUnprocessed(ctx context.Context, limit int) ([]domain.Event, error) {
	var rows []models.Event
	if err := s.db.WithContext(ctx).
		Where("processed = ?", false).
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load unprocessed events: %w", err)
	}

	return toDomainEvents(rows)
}

// MarkProcessed marks an event as handled by the projection worker,
// recording the processing error if there was one.
func (s *RelationalStore) MarkProcessed(ctx context.Context, eventID string, procErr error) error {
	updates := map[string]interface{}{
		"processed":  true,
		"error":      nil,
		"updated_at": time.Now(),
	}
	if procErr != nil {
		msg := procErr.Error()
		updates["error"] = &msg
	}

	if err := s.db.WithContext(ctx).
		Model(&models.Event{}).
		Where("event_id = ?", eventID).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to mark event as processed: %w", err)
	}
	return nil
}

// ArchiveBefore moves events older than cutoff into the archive table.
// Only events covered by a snapshot are eligible: the remaining active
// events must still replay correctly on top of the latest snapshot.
func (s *RelationalStore) ArchiveBefore(ctx context.Context, cutoff time.Time) (int, error) {
	archived := 0

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var aggregateIDs []string
		if err := tx.Model(&models.Event{}).
			Where("timestamp < ?", cutoff).
			Distinct("aggregate_id").
			Pluck("aggregate_id", &aggregateIDs).Error; err != nil {
			return fmt.Errorf("failed to find archivable aggregates: %w", err)
		}

		for _, aggregateID := range aggregateIDs {
			var snap models.Snapshot
			err := tx.Where("aggregate_id = ?", aggregateID).
				Order("version DESC").
				First(&snap).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				// No snapshot means no safe archive point for this aggregate
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to load snapshot for %s: %w", aggregateID, err)
			}

			var rows []models.Event
			if err := tx.Where("aggregate_id = ? AND timestamp < ? AND version <= ?",
				aggregateID, cutoff, snap.Version).
				Order("version ASC").
				Find(&rows).Error; err != nil {
				return fmt.Errorf("failed to load archivable events: %w", err)
			}

			for _, row := range rows {
				archivedRow := models.ArchivedEvent{
					EventID:       row.EventID,
					WriteID:       row.WriteID,
					AggregateID:   row.AggregateID,
					AggregateType: row.AggregateType,
					EventType:     row.EventType,
					Payload:       row.Payload,
					Metadata:      row.Metadata,
					Version:       row.Version,
					Timestamp:     row.Timestamp,
					ArchivedAt:    time.Now(),
				}
				if err := tx.Create(&archivedRow).Error; err != nil {
					return fmt.Errorf("failed to archive event %s: %w", row.EventID, err)
				}
				if err := tx.Delete(&models.Event{}, row.ID).Error; err != nil {
					return fmt.Errorf("failed to remove archived event %s: %w", row.EventID, err)
				}
				archived++
			}
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return archived, nil
}

// AggregateStats summarizes the active log
type AggregateStats struct {
	TotalEvents     int64            `json:"total_events"`
	TotalAggregates int64            `json:"total_aggregates"`
	ByAggregateType map[string]int64 `json:"by_aggregate_type"`
	ByEventType     map[string]int64 `json:"by_event_type"`
}

// Stats computes aggregate/event statistics for the admin surface
func (s *RelationalStore) Stats(ctx context.Context) (*AggregateStats, error) {
	stats := &AggregateStats{
		ByAggregateType: make(map[string]int64),
		ByEventType:     make(map[string]int64),
	}

	if err := s.db.WithContext(ctx).Model(&models.Event{}).Count(&stats.TotalEvents).Error; err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	if err := s.db.WithContext(ctx).Model(&models.Event{}).
		Distinct("aggregate_id").Count(&stats.TotalAggregates).Error; err != nil {
		return nil, fmt.Errorf("failed to count aggregates: %w", err)
	}

	type bucket struct {
		Key   string
		Count int64
	}

	var byAggType []bucket
	if err := s.db.WithContext(ctx).Model(&models.Event{}).
		Select("aggregate_type AS key, COUNT(*) AS count").
		Group("aggregate_type").
		Scan(&byAggType).Error; err != nil {
		return nil, fmt.Errorf("failed to group by aggregate type: %w", err)
	}
	for _, b := range byAggType {
		stats.ByAggregateType[b.Key] = b.Count
	}

	var byEvtType []bucket
	if err := s.db.WithContext(ctx).Model(&models.Event{}).
		Select("event_type AS key, COUNT(*) AS count").
		Group("event_type").
		Scan(&byEvtType).Error; err != nil {
		return nil, fmt.Errorf("failed to group by event type: %w", err)
	}
	for _, b := range byEvtType {
		stats.ByEventType[b.Key] = b.Count
	}

	return stats, nil
}

func toDomainEvents(rows []models.Event) ([]domain.Event, error) {
	events := make([]domain.Event, len(rows))
	for i, row := range rows {
		var metadata domain.Metadata
		if len(row.Metadata) > 0 {
			if err := json.Unmarshal(row.Metadata, &metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata for event %s: %w", row.EventID, err)
			}
		}
		events[i] = domain.Event{
			ID:            row.EventID,
			WriteID:       row.WriteID,
			AggregateID:   row.AggregateID,
			AggregateType: row.AggregateType,
			Type:          row.EventType,
			Version:       row.Version,
			Payload:       row.Payload,
			Metadata:      metadata,
			Timestamp:     row.Timestamp,
		}
	}
	return events, nil
}
