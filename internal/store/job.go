package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/orchestratord/core/internal/db"
)

// JobRepository is the read-oriented surface over jobs, used by the admin
// control surface. Mutations belong to internal/queue.Manager, the owning
// component per §3.
type JobRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error)
	List(ctx context.Context, opts ListOptions) ([]db.Job, int64, error)
	ListByWorkflow(ctx context.Context, workflowID uuid.UUID, opts ListOptions) ([]db.Job, int64, error)
	ListByStatus(ctx context.Context, status string, opts ListOptions) ([]db.Job, int64, error)
	History(ctx context.Context, jobID uuid.UUID) ([]db.JobHistory, error)
}

type gormJobRepository struct {
	db *gorm.DB
}

// NewJobRepository returns a JobRepository backed by the given *gorm.DB.
func NewJobRepository(d *gorm.DB) JobRepository {
	return &gormJobRepository{db: d}
}

func (r *gormJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error) {
	var job db.Job
	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get by id: %w", err)
	}
	return &job, nil
}

func (r *gormJobRepository) List(ctx context.Context, opts ListOptions) ([]db.Job, int64, error) {
	opts = opts.normalize()
	var jobs []db.Job
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Job{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Order("priority DESC, created_at ASC").
		Limit(opts.Limit).Offset(opts.Offset).
		Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list: %w", err)
	}
	return jobs, total, nil
}

func (r *gormJobRepository) ListByWorkflow(ctx context.Context, workflowID uuid.UUID, opts ListOptions) ([]db.Job, int64, error) {
	opts = opts.normalize()
	var jobs []db.Job
	var total int64

	q := r.db.WithContext(ctx).Model(&db.Job{}).Where("workflow_id = ?", workflowID)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list by workflow count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("created_at DESC").
		Limit(opts.Limit).Offset(opts.Offset).
		Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list by workflow: %w", err)
	}
	return jobs, total, nil
}

func (r *gormJobRepository) ListByStatus(ctx context.Context, status string, opts ListOptions) ([]db.Job, int64, error) {
	opts = opts.normalize()
	var jobs []db.Job
	var total int64

	q := r.db.WithContext(ctx).Model(&db.Job{}).Where("status = ?", status)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list by status count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("priority DESC, created_at ASC").
		Limit(opts.Limit).Offset(opts.Offset).
		Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list by status: %w", err)
	}
	return jobs, total, nil
}

func (r *gormJobRepository) History(ctx context.Context, jobID uuid.UUID) ([]db.JobHistory, error) {
	var history []db.JobHistory
	if err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("created_at ASC").
		Find(&history).Error; err != nil {
		return nil, fmt.Errorf("jobs: history: %w", err)
	}
	return history, nil
}
