package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/orchestratord/core/internal/db"
)

// DLQRepository is the read/admin surface over dead-letter entries.
// Creation/deletion on retry belongs to internal/queue.Manager, the owning
// component per §3.
type DLQRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*db.DLQEntry, error)
	List(ctx context.Context, opts ListOptions) ([]db.DLQEntry, int64, error)
	Delete(ctx context.Context, id uuid.UUID) error
	PurgeOlderThan(ctx context.Context, days int) (int64, error)
	Count(ctx context.Context) (int64, error)
}

type gormDLQRepository struct {
	db *gorm.DB
}

// NewDLQRepository returns a DLQRepository backed by the given *gorm.DB.
func NewDLQRepository(d *gorm.DB) DLQRepository {
	return &gormDLQRepository{db: d}
}

func (r *gormDLQRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.DLQEntry, error) {
	var e db.DLQEntry
	if err := r.db.WithContext(ctx).First(&e, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("dlq: get by id: %w", err)
	}
	return &e, nil
}

func (r *gormDLQRepository) List(ctx context.Context, opts ListOptions) ([]db.DLQEntry, int64, error) {
	opts = opts.normalize()
	var entries []db.DLQEntry
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.DLQEntry{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("dlq: list count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Order("failed_at DESC").
		Limit(opts.Limit).Offset(opts.Offset).
		Find(&entries).Error; err != nil {
		return nil, 0, fmt.Errorf("dlq: list: %w", err)
	}
	return entries, total, nil
}

// Delete removes a single DLQ entry, e.g. after an operator has manually
// resolved it without retrying (purge_dlq_entry, §6).
func (r *gormDLQRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.DLQEntry{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("dlq: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeOlderThan deletes DLQ entries older than the given retention window,
// per the configurable dlq_max_age_days option (§6).
func (r *gormDLQRepository) PurgeOlderThan(ctx context.Context, days int) (int64, error) {
	cutoff := nowFunc().AddDate(0, 0, -days)
	result := r.db.WithContext(ctx).Where("failed_at < ?", cutoff).Delete(&db.DLQEntry{})
	if result.Error != nil {
		return 0, fmt.Errorf("dlq: purge older than: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Count returns the current number of parked DLQ entries, used to refresh
// the dlq_size gauge (§6/§9) without the per-row cost of List.
func (r *gormDLQRepository) Count(ctx context.Context) (int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&db.DLQEntry{}).Count(&total).Error; err != nil {
		return 0, fmt.Errorf("dlq: count: %w", err)
	}
	return total, nil
}
