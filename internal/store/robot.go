package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/orchestratord/core/internal/db"
)

// RobotRepository is the read-oriented surface over robots, used by the
// admin control surface. Mutations belong to internal/registry.Manager.
type RobotRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*db.Robot, error)
	List(ctx context.Context, opts ListOptions) ([]db.Robot, int64, error)
	ListByStatus(ctx context.Context, status string) ([]db.Robot, error)
	WorkflowAssignments(ctx context.Context, workflowID uuid.UUID) ([]db.WorkflowAssignment, error)
	NodeOverrides(ctx context.Context, workflowID uuid.UUID) ([]db.NodeRobotOverride, error)
}

type gormRobotRepository struct {
	db *gorm.DB
}

// NewRobotRepository returns a RobotRepository backed by the given *gorm.DB.
func NewRobotRepository(d *gorm.DB) RobotRepository {
	return &gormRobotRepository{db: d}
}

func (r *gormRobotRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Robot, error) {
	var robot db.Robot
	if err := r.db.WithContext(ctx).First(&robot, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("robots: get by id: %w", err)
	}
	return &robot, nil
}

func (r *gormRobotRepository) List(ctx context.Context, opts ListOptions) ([]db.Robot, int64, error) {
	opts = opts.normalize()
	var robots []db.Robot
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Robot{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("robots: list count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Order("name ASC").
		Limit(opts.Limit).Offset(opts.Offset).
		Find(&robots).Error; err != nil {
		return nil, 0, fmt.Errorf("robots: list: %w", err)
	}
	return robots, total, nil
}

func (r *gormRobotRepository) ListByStatus(ctx context.Context, status string) ([]db.Robot, error) {
	var robots []db.Robot
	if err := r.db.WithContext(ctx).Where("status = ?", status).Find(&robots).Error; err != nil {
		return nil, fmt.Errorf("robots: list by status: %w", err)
	}
	return robots, nil
}

func (r *gormRobotRepository) WorkflowAssignments(ctx context.Context, workflowID uuid.UUID) ([]db.WorkflowAssignment, error) {
	var assignments []db.WorkflowAssignment
	if err := r.db.WithContext(ctx).Where("workflow_id = ?", workflowID).Find(&assignments).Error; err != nil {
		return nil, fmt.Errorf("robots: workflow assignments: %w", err)
	}
	return assignments, nil
}

func (r *gormRobotRepository) NodeOverrides(ctx context.Context, workflowID uuid.UUID) ([]db.NodeRobotOverride, error) {
	var overrides []db.NodeRobotOverride
	if err := r.db.WithContext(ctx).Where("workflow_id = ?", workflowID).Find(&overrides).Error; err != nil {
		return nil, fmt.Errorf("robots: node overrides: %w", err)
	}
	return overrides, nil
}
