// Package scheduler materializes Schedule rows into Jobs exactly once per
// due time (§4.4). Unlike the reference daemon's one-gocron-job-per-policy
// design, a single gocron tick job drives a scan-and-materialize loop; each
// schedule's own next_run is computed by robfig/cron/v3 from its *previous*
// next_run rather than from wall-clock time, so drift cannot accumulate
// regardless of tick jitter (P7) — see DESIGN.md's Open Questions decision.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/orchestratord/core/internal/db"
	"github.com/orchestratord/core/internal/metrics"
	"github.com/orchestratord/core/internal/queue"
	"github.com/orchestratord/core/internal/store"
)

// cronParser accepts only the standard 5-field expression (minute hour dom
// month dow); a seconds field and @-descriptors such as "@daily" are rejected.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Config holds the Scheduler's tunables.
type Config struct {
	TickInterval time.Duration
}

// DefaultConfig returns the configuration surface's documented default.
func DefaultConfig() Config {
	return Config{TickInterval: 1 * time.Second}
}

// Scheduler materializes due schedules into jobs via a single gocron tick
// job; see the package doc for why next_run arithmetic is delegated to
// robfig/cron/v3 instead of gocron's own per-job clock.
type Scheduler struct {
	gocron  gocron.Scheduler
	db      *gorm.DB
	queue   *queue.Manager
	cfg     Config
	isPG    bool
	log     *zap.Logger
	metrics *metrics.Registry
}

// New constructs a Scheduler. Call Start to begin ticking. isPostgres
// selects whether per-schedule row locking during materialize uses an
// explicit FOR UPDATE clause (Postgres) or relies on sqlite's single-writer
// transaction semantics, the same backend split used by internal/queue. m
// may be nil, in which case metric updates are no-ops.
func New(d *gorm.DB, q *queue.Manager, cfg Config, isPostgres bool, log *zap.Logger, m *metrics.Registry) (*Scheduler, error) {
	g, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: new gocron scheduler: %w", err)
	}
	return &Scheduler{gocron: g, db: d, queue: q, cfg: cfg, isPG: isPostgres, log: log.Named("scheduler"), metrics: m}, nil
}

// Start registers the single recurring tick job and starts gocron.
func (s *Scheduler) Start(ctx context.Context) error {
	interval := s.cfg.TickInterval
	if interval <= 0 {
		interval = time.Second
	}

	_, err := s.gocron.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if err := s.tick(ctx); err != nil {
				s.log.Error("scheduler tick failed", zap.Error(err))
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("scheduler: register tick job: %w", err)
	}

	s.gocron.Start()
	s.log.Info("scheduler started", zap.Duration("tick_interval", interval))
	return nil
}

// Stop gracefully shuts the gocron scheduler down, waiting for the
// in-flight tick to finish.
func (s *Scheduler) Stop() error {
	if err := s.gocron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler: shutdown: %w", err)
	}
	s.log.Info("scheduler stopped")
	return nil
}

// tick scans enabled, due schedules and materializes each inside its own
// row-locked transaction, so concurrent replicas ticking at the same
// instant still advance each schedule exactly once (P8).
func (s *Scheduler) tick(ctx context.Context) error {
	now := time.Now()
	var due []db.Schedule
	if err := s.db.WithContext(ctx).
		Where("enabled = ? AND next_run <= ?", true, now).
		Order("next_run ASC").
		Find(&due).Error; err != nil {
		return fmt.Errorf("scheduler: tick: select due: %w", err)
	}

	for _, sched := range due {
		if err := s.materialize(ctx, sched.ID); err != nil {
			s.log.Warn("failed to materialize schedule", zap.String("schedule_id", sched.ID.String()), zap.Error(err))
		}
	}
	return nil
}

// materialize advances one schedule's next_run and enqueues its job, inside
// a single transaction guarded by a row-level lock so a competing replica
// that re-reads after this transaction commits sees the already-advanced
// next_run and no-ops (the "exactly-once" property of §4.4).
func (s *Scheduler) materialize(ctx context.Context, scheduleID uuid.UUID) error {
	enqueueFailed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx
		if s.isPG {
			q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var sched db.Schedule
		if err := q.First(&sched, "id = ?", scheduleID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return fmt.Errorf("scheduler: materialize: lock schedule: %w", err)
		}

		now := time.Now()
		if !sched.Enabled || sched.NextRun.After(now) {
			return nil // already advanced by a concurrent replica
		}
		if s.metrics != nil {
			s.metrics.SchedulerDriftSecs.Observe(now.Sub(sched.NextRun).Seconds())
		}

		loc, err := time.LoadLocation(sched.Timezone)
		if err != nil {
			loc = time.UTC
		}
		schedule, err := cronParser.Parse(sched.CronExpression)
		if err != nil {
			return fmt.Errorf("scheduler: materialize: parse cron expression: %w", err)
		}

		// next_run is computed from the *current* next_run (in the schedule's
		// own location), never from now, so cadence never drifts regardless
		// of tick jitter (P7).
		nextRun := schedule.Next(sched.NextRun.In(loc))

		job := &db.Job{
			WorkflowID: sched.WorkflowID,
			Status:     db.JobStatusPending,
			Priority:   sched.Priority,
			Inputs:     sched.Inputs,
			MaxRetries: 3,
		}
		if err := tx.Create(job).Error; err != nil {
			enqueueFailed = true
			return fmt.Errorf("scheduler: materialize: enqueue job: %w", err)
		}

		if err := store.NewHistoryWriter(tx).Record(ctx, &db.JobHistory{
			JobID:     job.ID,
			EventType: "scheduled",
			EventData: db.JSONMap{"schedule_id": scheduleID.String()},
		}); err != nil {
			return err
		}

		return tx.Model(&db.Schedule{}).Where("id = ?", scheduleID).Updates(map[string]any{
			"last_run":  now,
			"next_run":  nextRun,
			"run_count": gorm.Expr("run_count + 1"),
		}).Error
	})
	if enqueueFailed {
		// The transaction above was rolled back, leaving next_run unchanged;
		// the failure is counted outside it so the increment persists.
		s.db.WithContext(ctx).Model(&db.Schedule{}).Where("id = ?", scheduleID).
			Update("failure_count", gorm.Expr("failure_count + 1"))
	}
	return err
}

// Create validates the cron expression, computes the initial next_run, and
// persists a new schedule.
func (s *Scheduler) Create(ctx context.Context, sched *db.Schedule) error {
	if sched.Timezone == "" {
		sched.Timezone = "UTC"
	}
	loc, err := time.LoadLocation(sched.Timezone)
	if err != nil {
		return fmt.Errorf("scheduler: create: invalid timezone %q: %w", sched.Timezone, err)
	}
	schedule, err := cronParser.Parse(sched.CronExpression)
	if err != nil {
		return fmt.Errorf("scheduler: create: invalid cron expression: %w", err)
	}
	sched.NextRun = schedule.Next(time.Now().In(loc))
	sched.Enabled = true

	if err := s.db.WithContext(ctx).Create(sched).Error; err != nil {
		return fmt.Errorf("scheduler: create: %w", err)
	}
	return nil
}

// SetEnabled toggles a schedule. Re-enabling recomputes next_run from the
// current time rather than resuming a possibly long-past cadence.
func (s *Scheduler) SetEnabled(ctx context.Context, scheduleID uuid.UUID, enabled bool) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sched db.Schedule
		if err := tx.First(&sched, "id = ?", scheduleID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return store.ErrNotFound
			}
			return fmt.Errorf("scheduler: set enabled: %w", err)
		}

		updates := map[string]any{"enabled": enabled}
		if enabled {
			loc, err := time.LoadLocation(sched.Timezone)
			if err != nil {
				loc = time.UTC
			}
			schedule, err := cronParser.Parse(sched.CronExpression)
			if err != nil {
				return fmt.Errorf("scheduler: set enabled: parse cron expression: %w", err)
			}
			updates["next_run"] = schedule.Next(time.Now().In(loc))
		}
		return tx.Model(&db.Schedule{}).Where("id = ?", scheduleID).Updates(updates).Error
	})
}

// Delete removes a schedule permanently. In-flight jobs it already
// materialized are unaffected.
func (s *Scheduler) Delete(ctx context.Context, scheduleID uuid.UUID) error {
	result := s.db.WithContext(ctx).Delete(&db.Schedule{}, "id = ?", scheduleID)
	if result.Error != nil {
		return fmt.Errorf("scheduler: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// RunNow enqueues a job immediately from scheduleID's current inputs
// without disturbing next_run/last_run/run_count.
func (s *Scheduler) RunNow(ctx context.Context, scheduleID uuid.UUID) (uuid.UUID, error) {
	var sched db.Schedule
	if err := s.db.WithContext(ctx).First(&sched, "id = ?", scheduleID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return uuid.Nil, store.ErrNotFound
		}
		return uuid.Nil, fmt.Errorf("scheduler: run now: %w", err)
	}

	return s.queue.Enqueue(ctx, &db.Job{
		WorkflowID: sched.WorkflowID,
		Priority:   sched.Priority,
		Inputs:     sched.Inputs,
		MaxRetries: 3,
	})
}
