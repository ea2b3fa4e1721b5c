package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"example.com/payhub/services/ledger/models"
	"example.com/payhub/services/ledger/stores"
)

// Compensation states
const (
	CompensationNone    = "none"
	CompensationPending = "pending"
	CompensationDone    = "done"
)

// WriteBookkeeper persists write records and failed-write retry entries.
// Satisfied by *RecordRepository.
type WriteBookkeeper interface {
	SaveWriteRecord(ctx context.Context, writeID, policy string, results []stores.WriteResult, durable bool, compensation string) error
	SetCompensationState(ctx context.Context, writeID, state string) error
	SaveFailedWrite(ctx context.Context, writeID, store string, payload []byte, writeErr string, maxRetries int) error
	ResolveFailedWrites(ctx context.Context, writeID, store string) error
	IncrementRetryCount(ctx context.Context, writeID, store string) error
}

// RecordRepository persists write-record bookkeeping and failed-write
// retry entries in the store of truth.
type RecordRepository struct {
	db *gorm.DB
}

// NewRecordRepository creates a record repository
func NewRecordRepository(db *gorm.DB) *RecordRepository {
	return &RecordRepository{db: db}
}

// SaveWriteRecord persists the bookkeeping row for one coordinated write
func (r *RecordRepository) SaveWriteRecord(ctx context.Context, writeID, policy string, results []stores.WriteResult, durable bool, compensation string) error {
	targets := make([]string, len(results))
	for i, res := range results {
		targets[i] = res.Store
	}

	targetsJSON, err := json.Marshal(targets)
	if err != nil {
		return fmt.Errorf("failed to marshal target stores: %w", err)
	}
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("failed to marshal store results: %w", err)
	}

	row := models.WriteRecord{
		WriteID:           writeID,
		TargetStores:      targetsJSON,
		StoreResults:      resultsJSON,
		DurabilityPolicy:  policy,
		Durable:           durable,
		CompensationState: compensation,
	}

	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to save write record: %w", err)
	}
	return nil
}

// SetCompensationState updates the compensation state for a write
func (r *RecordRepository) SetCompensationState(ctx context.Context, writeID, state string) error {
	if err := r.db.WithContext(ctx).
		Model(&models.WriteRecord{}).
		Where("write_id = ?", writeID).
		Updates(map[string]interface{}{
			"compensation_state": state,
			"updated_at":         time.Now(),
		}).Error; err != nil {
		return fmt.Errorf("failed to update compensation state: %w", err)
	}
	return nil
}

// SaveFailedWrite persists a retry-queue entry for one store failure
func (r *RecordRepository) SaveFailedWrite(ctx context.Context, writeID, store string, payload []byte, writeErr string, maxRetries int) error {
	row := models.FailedWrite{
		WriteID:    writeID,
		Store:      store,
		Payload:    payload,
		Error:      writeErr,
		RetryCount: 0,
		MaxRetries: maxRetries,
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to save failed write: %w", err)
	}
	return nil
}

// ResolveFailedWrites marks all entries for a write/store pair as resolved
func (r *RecordRepository) ResolveFailedWrites(ctx context.Context, writeID, store string) error {
	if err := r.db.WithContext(ctx).
		Model(&models.FailedWrite{}).
		Where("write_id = ? AND store = ? AND resolved = ?", writeID, store, false).
		Updates(map[string]interface{}{
			"resolved":   true,
			"updated_at": time.Now(),
		}).Error; err != nil {
		return fmt.Errorf("failed to resolve failed writes: %w", err)
	}
	return nil
}

// IncrementRetryCount bumps the retry counter for a write/store pair
func (r *RecordRepository) IncrementRetryCount(ctx context.Context, writeID, store string) error {
	if err := r.db.WithContext(ctx).
		Model(&models.FailedWrite{}).
		Where("write_id = ? AND store = ? AND resolved = ?", writeID, store, false).
		Updates(map[string]interface{}{
			"retry_count": gorm.Expr("retry_count + 1"),
			"updated_at":  time.Now(),
		}).Error; err != nil {
		return fmt.Errorf("failed to increment retry count: %w", err)
	}
	return nil
}
