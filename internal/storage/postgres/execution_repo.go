package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jkaninda/runbox/internal/audit"
)

// ExecutionRepository implements audit.Store with GORM.
// Append-only: records leave the table only through PruneBefore.
type ExecutionRepository struct {
	db *gorm.DB
}

var _ audit.Store = (*ExecutionRepository)(nil)

// NewExecutionRepository creates an ExecutionRepository.
func NewExecutionRepository(db *gorm.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

// Append inserts a single record.
func (r *ExecutionRepository) Append(ctx context.Context, rec audit.Record) error {
	model := toRecordModel(rec)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending execution record: %w", err)
	}
	return nil
}

// Recent returns records newest first. Limit defaults to audit.DefaultRecentLimit.
func (r *ExecutionRepository) Recent(ctx context.Context, limit int) ([]audit.Record, error) {
	if limit <= 0 {
		limit = audit.DefaultRecentLimit
	}

	var models []ExecutionRecordModel
	if err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying execution records: %w", err)
	}

	records := make([]audit.Record, len(models))
	for i := range models {
		records[i] = toRecordDomain(&models[i])
	}
	return records, nil
}

// PruneBefore deletes records created before cutoff and returns how many went.
func (r *ExecutionRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff.UTC()).
		Delete(&ExecutionRecordModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("pruning execution records: %w", res.Error)
	}
	return res.RowsAffected, nil
}
