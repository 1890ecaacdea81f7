package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/orchestratord/core/internal/db"
)

// HistoryWriter appends to the Job audit trail. Unlike Job/Robot/Schedule,
// JobHistory has no single lifecycle owner — the Queue, Registry, and
// Scheduler all append events about a job's life — so any component can
// take a HistoryWriter bound to its own transaction and record an event
// without reaching into another component's internals.
type HistoryWriter interface {
	Record(ctx context.Context, h *db.JobHistory) error
}

type gormHistoryWriter struct {
	db *gorm.DB
}

// NewHistoryWriter returns a HistoryWriter backed by the given *gorm.DB (or
// *gorm.DB.WithContext(ctx).Begin()-derived transaction handle, so history
// events are recorded atomically with the state change that produced them).
func NewHistoryWriter(d *gorm.DB) HistoryWriter {
	return &gormHistoryWriter{db: d}
}

func (w *gormHistoryWriter) Record(ctx context.Context, h *db.JobHistory) error {
	if err := w.db.WithContext(ctx).Create(h).Error; err != nil {
		return fmt.Errorf("history: record: %w", err)
	}
	return nil
}
