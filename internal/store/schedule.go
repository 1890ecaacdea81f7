package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/orchestratord/core/internal/db"
)

// ScheduleRepository is the read/admin surface over schedules. Tick-time
// mutation (advancing next_run, incrementing run/failure counts) belongs to
// internal/scheduler.Scheduler, the owning component.
type ScheduleRepository interface {
	Create(ctx context.Context, s *db.Schedule) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Schedule, error)
	List(ctx context.Context, opts ListOptions) ([]db.Schedule, int64, error)
	SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type gormScheduleRepository struct {
	db *gorm.DB
}

// NewScheduleRepository returns a ScheduleRepository backed by the given *gorm.DB.
func NewScheduleRepository(d *gorm.DB) ScheduleRepository {
	return &gormScheduleRepository{db: d}
}

func (r *gormScheduleRepository) Create(ctx context.Context, s *db.Schedule) error {
	if err := r.db.WithContext(ctx).Create(s).Error; err != nil {
		return fmt.Errorf("schedules: create: %w", err)
	}
	return nil
}

func (r *gormScheduleRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Schedule, error) {
	var s db.Schedule
	if err := r.db.WithContext(ctx).First(&s, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("schedules: get by id: %w", err)
	}
	return &s, nil
}

func (r *gormScheduleRepository) List(ctx context.Context, opts ListOptions) ([]db.Schedule, int64, error) {
	opts = opts.normalize()
	var schedules []db.Schedule
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Schedule{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("schedules: list count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Order("next_run ASC").
		Limit(opts.Limit).Offset(opts.Offset).
		Find(&schedules).Error; err != nil {
		return nil, 0, fmt.Errorf("schedules: list: %w", err)
	}
	return schedules, total, nil
}

func (r *gormScheduleRepository) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	result := r.db.WithContext(ctx).Model(&db.Schedule{}).Where("id = ?", id).Update("enabled", enabled)
	if result.Error != nil {
		return fmt.Errorf("schedules: set enabled: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormScheduleRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Schedule{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("schedules: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
