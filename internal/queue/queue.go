// Package queue implements the Job Queue & Lease Manager (§4.1): a
// persistent priority queue with atomic claim, heartbeat-based lease
// renewal, stale-lock recovery, cancellation signaling and a dead-letter
// queue. The Manager owns Job and DLQEntry mutation per §3's ownership rule,
// with two exceptions: internal/scheduler inserts materialized jobs directly
// inside its own schedule transaction, and internal/store's DLQ repository
// deletes entries on operator purge and age-based purge.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/orchestratord/core/internal/db"
	"github.com/orchestratord/core/internal/metrics"
	"github.com/orchestratord/core/internal/store"
)

// Config holds the Manager's tunables, sourced from the admin configuration
// surface (§6).
type Config struct {
	MaxRetryAttempts  int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	RetryJitter       float64
	CancelGracePeriod time.Duration
}

// DefaultConfig returns the configuration surface's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetryAttempts:  3,
		RetryInitialDelay: 1 * time.Second,
		RetryMaxDelay:     5 * time.Minute,
		RetryJitter:       0.1,
		CancelGracePeriod: 30 * time.Second,
	}
}

// Manager is the Job Queue & Lease Manager.
type Manager struct {
	db      *gorm.DB
	cfg     Config
	log     *zap.Logger
	isPG    bool
	nowFn   func() time.Time
	random  *rand.Rand
	metrics *metrics.Registry
}

// New constructs a Manager. isPostgres selects between the SKIP LOCKED claim
// path (Postgres) and the plain transaction + conditional UPDATE path (sqlite),
// per §4.1's "Atomic claim protocol" note. m may be nil, in which case the
// Manager's metric updates are no-ops.
func New(d *gorm.DB, cfg Config, isPostgres bool, log *zap.Logger, m *metrics.Registry) *Manager {
	return &Manager{
		db:      d,
		cfg:     cfg,
		log:     log.Named("queue"),
		isPG:    isPostgres,
		nowFn:   time.Now,
		random:  rand.New(rand.NewSource(time.Now().UnixNano())),
		metrics: m,
	}
}

// ClaimFilter constrains the eligible candidate set for Claim. WorkflowIDs,
// when non-empty, restricts claimable jobs to those workflows — the
// Dispatcher populates this from the Registry's eligibility resolution
// (§4.5) before calling Claim for a specific robot.
type ClaimFilter struct {
	WorkflowIDs []uuid.UUID
}

// PendingJobsOrdered returns up to limit pending, unclaimed jobs in
// (priority DESC, created_at ASC) order — the Dispatcher's candidate set
// for one Tick (§4.5).
func (m *Manager) PendingJobsOrdered(ctx context.Context, limit int) ([]db.Job, int64, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var jobs []db.Job
	var total int64

	q := m.db.WithContext(ctx).Model(&db.Job{}).Where("status = ? AND claimed_by IS NULL", db.JobStatusPending)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("queue: pending jobs ordered: count: %w", err)
	}
	if m.metrics != nil {
		m.metrics.QueueDepth.WithLabelValues("all").Set(float64(total))
	}
	if err := m.db.WithContext(ctx).
		Where("status = ? AND claimed_by IS NULL", db.JobStatusPending).
		Order("priority DESC, created_at ASC").
		Limit(limit).
		Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("queue: pending jobs ordered: %w", err)
	}
	return jobs, total, nil
}

// Enqueue persists job in state pending with retry_count=0, records a
// "created" history event, and is idempotent on IdempotencyKey when set: a
// second Enqueue with the same key returns the existing job's ID rather
// than creating a duplicate.
func (m *Manager) Enqueue(ctx context.Context, job *db.Job) (uuid.UUID, error) {
	job.Status = db.JobStatusPending
	job.RetryCount = 0

	if job.IdempotencyKey != "" {
		var existing db.Job
		err := m.db.WithContext(ctx).First(&existing, "idempotency_key = ?", job.IdempotencyKey).Error
		if err == nil {
			return existing.ID, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return uuid.Nil, fmt.Errorf("queue: enqueue: checking idempotency key: %w", err)
		}
	}

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(job).Error; err != nil {
			return fmt.Errorf("queue: enqueue: %w", err)
		}
		return store.NewHistoryWriter(tx).Record(ctx, &db.JobHistory{
			JobID:     job.ID,
			EventType: "created",
		})
	})
	if err != nil {
		return uuid.Nil, err
	}
	return job.ID, nil
}

// Claim atomically transitions the single highest-priority, oldest eligible
// pending job to claimed for robotID. Returns (nil, nil) when no eligible
// job exists — this is the "none" outcome, not an error.
//
// The selection-and-transition happens inside one transaction per §4.1's
// Atomic claim protocol: on Postgres via SELECT ... FOR UPDATE SKIP LOCKED,
// on sqlite via an ordinary transaction whose UPDATE only matches a job that
// is still pending and unclaimed, so a claimer that loses the race between
// select and update changes no row and reports no candidate.
func (m *Manager) Claim(ctx context.Context, robotID uuid.UUID, filter ClaimFilter) (*db.Job, error) {
	var claimed *db.Job

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&db.Job{}).
			Where("status = ? AND claimed_by IS NULL", db.JobStatusPending)
		if len(filter.WorkflowIDs) > 0 {
			q = q.Where("workflow_id IN ?", filter.WorkflowIDs)
		}

		var candidate db.Job
		cq := q.Order("priority DESC, created_at ASC")
		if m.isPG {
			cq = cq.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		err := cq.First(&candidate).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil // none eligible
		}
		if err != nil {
			return fmt.Errorf("queue: claim: select candidate: %w", err)
		}

		now := m.nowFn()
		result := tx.Model(&db.Job{}).
			Where("id = ? AND status = ? AND claimed_by IS NULL", candidate.ID, db.JobStatusPending).
			Updates(map[string]any{
				"status":         db.JobStatusClaimed,
				"claimed_by":     robotID,
				"claimed_at":     now,
				"lock_heartbeat": now,
			})
		if result.Error != nil {
			return fmt.Errorf("queue: claim: update: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			// Lost the race to a concurrent claimer between select and update —
			// report no candidate this round rather than retrying within the
			// same transaction, keeping P1 (at-most-one claim) trivially true.
			return nil
		}

		if err := tx.First(&candidate, "id = ?", candidate.ID).Error; err != nil {
			return fmt.Errorf("queue: claim: reload: %w", err)
		}
		claimed = &candidate

		return store.NewHistoryWriter(tx).Record(ctx, &db.JobHistory{
			JobID:     candidate.ID,
			RobotID:   &robotID,
			EventType: "claimed",
		})
	})
	if err != nil {
		return nil, err
	}
	if claimed != nil && m.metrics != nil {
		m.metrics.ClaimLatency.Observe(m.nowFn().Sub(claimed.CreatedAt).Seconds())
	}
	return claimed, nil
}

// Heartbeat updates lock_heartbeat if claimed_by matches robotID and status
// is claimed or running. Returns ErrLeaseLost if the lease has already been
// reclaimed (P2: heartbeat never decreases lock_heartbeat, since it is only
// ever set to nowFn()).
func (m *Manager) Heartbeat(ctx context.Context, jobID, robotID uuid.UUID) error {
	result := m.db.WithContext(ctx).Model(&db.Job{}).
		Where("id = ? AND claimed_by = ? AND status IN ?", jobID, robotID, []string{db.JobStatusClaimed, db.JobStatusRunning}).
		Update("lock_heartbeat", m.nowFn())
	if result.Error != nil {
		return fmt.Errorf("queue: heartbeat: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return store.ErrLeaseLost
	}
	return nil
}

// UpdateProgress is a lease-guarded update of progress and current_node.
func (m *Manager) UpdateProgress(ctx context.Context, jobID, robotID uuid.UUID, progress int, currentNode string) error {
	result := m.db.WithContext(ctx).Model(&db.Job{}).
		Where("id = ? AND claimed_by = ? AND status IN ?", jobID, robotID, []string{db.JobStatusClaimed, db.JobStatusRunning}).
		Updates(map[string]any{"progress": progress, "current_node": currentNode})
	if result.Error != nil {
		return fmt.Errorf("queue: update progress: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return store.ErrLeaseLost
	}
	return nil
}

// AppendLogs is a lease-guarded bulk insert of robot log lines associated
// with a job's execution, persisted to RobotLog (§3) tagged with the job's
// claimed_by robot.
func (m *Manager) AppendLogs(ctx context.Context, jobID, robotID uuid.UUID, lines []db.RobotLog) error {
	if len(lines) == 0 {
		return nil
	}
	var job db.Job
	if err := m.db.WithContext(ctx).First(&job, "id = ? AND claimed_by = ?", jobID, robotID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return store.ErrLeaseLost
		}
		return fmt.Errorf("queue: append logs: %w", err)
	}
	if err := m.db.WithContext(ctx).Create(&lines).Error; err != nil {
		return fmt.Errorf("queue: append logs: insert: %w", err)
	}
	return nil
}

// PurgeOldLogs deletes RobotLog rows older than the configured retention
// window (P12, log_retention_days, §6). Queue owns RobotLog writes via
// AppendLogs, so it owns the retention sweep too.
func (m *Manager) PurgeOldLogs(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := m.nowFn().AddDate(0, 0, -retentionDays)
	result := m.db.WithContext(ctx).Where("timestamp < ?", cutoff).Delete(&db.RobotLog{})
	if result.Error != nil {
		return 0, fmt.Errorf("queue: purge old logs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// MarkRunning transitions claimed -> running and sets started_at.
func (m *Manager) MarkRunning(ctx context.Context, jobID, robotID uuid.UUID) error {
	result := m.db.WithContext(ctx).Model(&db.Job{}).
		Where("id = ? AND claimed_by = ? AND status = ?", jobID, robotID, db.JobStatusClaimed).
		Updates(map[string]any{"status": db.JobStatusRunning, "started_at": m.nowFn()})
	if result.Error != nil {
		return fmt.Errorf("queue: mark running: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return store.ErrLeaseLost
	}
	return nil
}

// Complete marks a job terminally successful. Idempotent per P11/§4.3's
// "RESULT is idempotent" rule: if the job is already terminal, Complete
// no-ops rather than erroring, so a redelivered RESULT is a safe no-op.
func (m *Manager) Complete(ctx context.Context, jobID, robotID uuid.UUID, result []byte) error {
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job db.Job
		if err := tx.First(&job, "id = ?", jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return store.ErrNotFound
			}
			return fmt.Errorf("queue: complete: %w", err)
		}
		if db.TerminalJobStatuses[job.Status] {
			return nil // P3/P11: terminal is absorbing, redelivery is a no-op
		}
		if job.ClaimedBy == nil || *job.ClaimedBy != robotID {
			return store.ErrLeaseLost
		}

		now := m.nowFn()
		res := tx.Model(&db.Job{}).
			Where("id = ? AND claimed_by = ?", jobID, robotID).
			Updates(map[string]any{
				"status":       db.JobStatusCompleted,
				"result":       result,
				"progress":     100,
				"completed_at": now,
			})
		if res.Error != nil {
			return fmt.Errorf("queue: complete: %w", res.Error)
		}
		return store.NewHistoryWriter(tx).Record(ctx, &db.JobHistory{
			JobID: jobID, RobotID: &robotID, EventType: "completed",
		})
	})
	if err == nil && m.metrics != nil {
		m.metrics.JobsTotal.WithLabelValues(db.JobStatusCompleted).Inc()
	}
	return err
}

// Fail records a robot-reported failure. If retryable and the retry budget
// (P5: at most max_retries+1 pending->claimed transitions) is not
// exhausted, the job is reset to pending with backoff; otherwise it becomes
// terminally failed and a DLQ entry is created (P6).
func (m *Manager) Fail(ctx context.Context, jobID, robotID uuid.UUID, errMsg, errCode string, retryable bool) error {
	terminal := false
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job db.Job
		if err := tx.First(&job, "id = ?", jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return store.ErrNotFound
			}
			return fmt.Errorf("queue: fail: %w", err)
		}
		if db.TerminalJobStatuses[job.Status] {
			return nil
		}
		if job.ClaimedBy == nil || *job.ClaimedBy != robotID {
			return store.ErrLeaseLost
		}

		hist := store.NewHistoryWriter(tx)

		if retryable && job.RetryCount < job.MaxRetries {
			newRetryCount := job.RetryCount + 1
			res := tx.Model(&db.Job{}).Where("id = ?", jobID).Updates(map[string]any{
				"status":         db.JobStatusPending,
				"claimed_by":     nil,
				"claimed_at":     nil,
				"lock_heartbeat": nil,
				"retry_count":    newRetryCount,
				"error":          errMsg,
				"error_code":     errCode,
				"scheduled_time": m.nowFn().Add(m.backoff(newRetryCount)),
			})
			if res.Error != nil {
				return fmt.Errorf("queue: fail: retry update: %w", res.Error)
			}
			return hist.Record(ctx, &db.JobHistory{JobID: jobID, RobotID: &robotID, EventType: "retry_scheduled"})
		}

		now := m.nowFn()
		res := tx.Model(&db.Job{}).Where("id = ?", jobID).Updates(map[string]any{
			"status":       db.JobStatusFailed,
			"error":        errMsg,
			"error_code":   errCode,
			"completed_at": now,
		})
		if res.Error != nil {
			return fmt.Errorf("queue: fail: terminal update: %w", res.Error)
		}

		if err := tx.Create(&db.DLQEntry{
			JobID:        jobID,
			WorkflowID:   job.WorkflowID,
			ErrorMessage: errMsg,
			ErrorCode:    errCode,
			Inputs:       job.Inputs,
			RetryCount:   job.RetryCount,
			FailedAt:     now,
		}).Error; err != nil {
			return fmt.Errorf("queue: fail: dlq insert: %w", err)
		}

		terminal = true
		return hist.Record(ctx, &db.JobHistory{JobID: jobID, RobotID: &robotID, EventType: "failed"})
	})
	if err == nil && terminal && m.metrics != nil {
		m.metrics.JobsTotal.WithLabelValues(db.JobStatusFailed).Inc()
		m.metrics.DLQSize.Inc()
	}
	return err
}

// backoff computes the exponential-with-jitter retry delay per §4.1:
// delay = min(max_delay, initial * multiplier^retry_count) * (1 + rand[0, jitter]).
func (m *Manager) backoff(retryCount int) time.Duration {
	const multiplier = 2.0
	delay := float64(m.cfg.RetryInitialDelay) * math.Pow(multiplier, float64(retryCount))
	if max := float64(m.cfg.RetryMaxDelay); delay > max {
		delay = max
	}
	jitter := 1 + m.random.Float64()*m.cfg.RetryJitter
	return time.Duration(delay * jitter)
}

// Unclaim returns a claimed job to pending without touching retry_count,
// for the Dispatcher's ACCEPT-timeout path (§4.5): the robot never actually
// took the job, so this is not a retry attempt.
func (m *Manager) Unclaim(ctx context.Context, jobID, robotID uuid.UUID) error {
	result := m.db.WithContext(ctx).Model(&db.Job{}).
		Where("id = ? AND claimed_by = ? AND status = ?", jobID, robotID, db.JobStatusClaimed).
		Updates(map[string]any{"status": db.JobStatusPending, "claimed_by": nil, "claimed_at": nil, "lock_heartbeat": nil})
	if result.Error != nil {
		return fmt.Errorf("queue: unclaim: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return store.ErrLeaseLost
	}
	return nil
}

// RequestCancel sets cancel_requested/cancel_reason. A pending job
// transitions directly to cancelled; a claimed/running job is left for the
// caller to signal CANCEL over transport — RequestCancel itself never
// blocks on the wire message. It returns the job as it stood right after
// the update so the caller can tell whether a CANCEL frame still needs
// sending (job.ClaimedBy != nil and status is claimed/running).
func (m *Manager) RequestCancel(ctx context.Context, jobID uuid.UUID, reason string) (*db.Job, error) {
	var job db.Job
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&job, "id = ?", jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return store.ErrNotFound
			}
			return fmt.Errorf("queue: request cancel: %w", err)
		}
		if db.TerminalJobStatuses[job.Status] {
			return nil
		}

		now := m.nowFn()
		updates := map[string]any{"cancel_requested": true, "cancel_reason": reason, "cancel_requested_at": now}
		if job.Status == db.JobStatusPending {
			updates["status"] = db.JobStatusCancelled
			updates["completed_at"] = now
		}
		if err := tx.Model(&db.Job{}).Where("id = ?", jobID).Updates(updates).Error; err != nil {
			return fmt.Errorf("queue: request cancel: update: %w", err)
		}
		if err := store.NewHistoryWriter(tx).Record(ctx, &db.JobHistory{JobID: jobID, EventType: "cancel_requested"}); err != nil {
			return err
		}
		return tx.First(&job, "id = ?", jobID).Error
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ApplyCancelGrace reclaims claimed/running jobs that requested cancel more
// than gracePeriod ago and never received a CANCELLED ack (§4.3's
// cooperative-cancel grace window) — the robot is treated as unresponsive
// to the CANCEL signal and the job is finalized as cancelled anyway.
func (m *Manager) ApplyCancelGrace(ctx context.Context, gracePeriod time.Duration) (int, error) {
	cutoff := m.nowFn().Add(-gracePeriod)
	var stuck []db.Job
	if err := m.db.WithContext(ctx).
		Where("status IN ? AND cancel_requested = ? AND cancel_requested_at < ?",
			[]string{db.JobStatusClaimed, db.JobStatusRunning}, true, cutoff).
		Find(&stuck).Error; err != nil {
		return 0, fmt.Errorf("queue: apply cancel grace: select: %w", err)
	}

	count := 0
	now := m.nowFn()
	for _, job := range stuck {
		err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.Model(&db.Job{}).Where("id = ? AND status IN ?", job.ID, []string{db.JobStatusClaimed, db.JobStatusRunning}).
				Updates(map[string]any{"status": db.JobStatusCancelled, "completed_at": now})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return nil
			}
			count++
			return store.NewHistoryWriter(tx).Record(ctx, &db.JobHistory{JobID: job.ID, RobotID: job.ClaimedBy, EventType: "cancel_grace_expired"})
		})
		if err != nil {
			return count, fmt.Errorf("queue: apply cancel grace: %w", err)
		}
	}
	return count, nil
}

// ConfirmCancelled finalizes a cooperative cancel once the robot acks
// CANCELLED (§4.3), preserving cancel_reason as required by scenario 3 (§8).
func (m *Manager) ConfirmCancelled(ctx context.Context, jobID, robotID uuid.UUID) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job db.Job
		if err := tx.First(&job, "id = ?", jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return store.ErrNotFound
			}
			return fmt.Errorf("queue: confirm cancelled: %w", err)
		}
		if db.TerminalJobStatuses[job.Status] {
			return nil
		}
		if err := tx.Model(&db.Job{}).Where("id = ?", jobID).Updates(map[string]any{
			"status":       db.JobStatusCancelled,
			"completed_at": m.nowFn(),
		}).Error; err != nil {
			return fmt.Errorf("queue: confirm cancelled: %w", err)
		}
		return store.NewHistoryWriter(tx).Record(ctx, &db.JobHistory{JobID: jobID, RobotID: &robotID, EventType: "cancelled"})
	})
}

// ReleaseStaleLocks finds claimed/running jobs whose lease has expired
// (lock_heartbeat < now - timeout) and reclaims them: back to pending if
// retry budget remains, otherwise terminally failed with a DLQ entry,
// satisfying P4.
func (m *Manager) ReleaseStaleLocks(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := m.nowFn().Add(-timeout)
	var stale []db.Job
	count := 0

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("status IN ? AND lock_heartbeat < ?", []string{db.JobStatusClaimed, db.JobStatusRunning}, cutoff).
			Find(&stale).Error; err != nil {
			return fmt.Errorf("queue: release stale locks: select: %w", err)
		}

		hist := store.NewHistoryWriter(tx)
		for _, job := range stale {
			robotID := job.ClaimedBy

			if job.RetryCount < job.MaxRetries {
				newRetryCount := job.RetryCount + 1
				res := tx.Model(&db.Job{}).
					Where("id = ? AND lock_heartbeat < ?", job.ID, cutoff).
					Updates(map[string]any{
						"status":         db.JobStatusPending,
						"claimed_by":     nil,
						"claimed_at":     nil,
						"lock_heartbeat": nil,
						"retry_count":    newRetryCount,
					})
				if res.Error != nil {
					return fmt.Errorf("queue: release stale locks: reclaim: %w", res.Error)
				}
				if res.RowsAffected > 0 {
					count++
					if err := hist.Record(ctx, &db.JobHistory{JobID: job.ID, RobotID: robotID, EventType: "lease_reclaimed"}); err != nil {
						return err
					}
				}
				continue
			}

			now := m.nowFn()
			res := tx.Model(&db.Job{}).
				Where("id = ? AND lock_heartbeat < ?", job.ID, cutoff).
				Updates(map[string]any{"status": db.JobStatusFailed, "error": "lease expired past retry budget", "completed_at": now})
			if res.Error != nil {
				return fmt.Errorf("queue: release stale locks: terminal: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				continue
			}
			count++
			if err := tx.Create(&db.DLQEntry{
				JobID: job.ID, WorkflowID: job.WorkflowID, ErrorMessage: "lease expired past retry budget",
				Inputs: job.Inputs, RetryCount: job.RetryCount, FailedAt: now,
			}).Error; err != nil {
				return fmt.Errorf("queue: release stale locks: dlq: %w", err)
			}
			if err := hist.Record(ctx, &db.JobHistory{JobID: job.ID, RobotID: robotID, EventType: "lease_expired"}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// ApplyJobTimeouts transitions running jobs whose started_at + timeout_seconds
// has elapsed to the terminal "timeout" status (§5's job-level timeout rule).
func (m *Manager) ApplyJobTimeouts(ctx context.Context) (int, error) {
	var running []db.Job
	if err := m.db.WithContext(ctx).Where("status = ? AND started_at IS NOT NULL", db.JobStatusRunning).Find(&running).Error; err != nil {
		return 0, fmt.Errorf("queue: apply timeouts: select: %w", err)
	}

	count := 0
	now := m.nowFn()
	for _, job := range running {
		deadline := job.StartedAt.Add(time.Duration(job.TimeoutSeconds) * time.Second)
		if now.Before(deadline) {
			continue
		}
		err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.Model(&db.Job{}).Where("id = ? AND status = ?", job.ID, db.JobStatusRunning).
				Updates(map[string]any{"status": db.JobStatusTimeout, "completed_at": now})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return nil
			}
			count++
			return store.NewHistoryWriter(tx).Record(ctx, &db.JobHistory{JobID: job.ID, RobotID: job.ClaimedBy, EventType: "timeout"})
		})
		if err != nil {
			return count, fmt.Errorf("queue: apply timeouts: %w", err)
		}
	}
	return count, nil
}

// DLQRetry enqueues a fresh job from a parked DLQ entry's inputs, deletes
// the entry, and links old and new jobs in history.
func (m *Manager) DLQRetry(ctx context.Context, entryID uuid.UUID) (uuid.UUID, error) {
	var newID uuid.UUID
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entry db.DLQEntry
		if err := tx.First(&entry, "id = ?", entryID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return store.ErrNotFound
			}
			return fmt.Errorf("queue: dlq retry: %w", err)
		}

		newJob := &db.Job{
			WorkflowID: entry.WorkflowID,
			Status:     db.JobStatusPending,
			Inputs:     entry.Inputs,
			MaxRetries: 3,
		}
		if err := tx.Create(newJob).Error; err != nil {
			return fmt.Errorf("queue: dlq retry: create job: %w", err)
		}
		newID = newJob.ID

		if err := tx.Delete(&db.DLQEntry{}, "id = ?", entryID).Error; err != nil {
			return fmt.Errorf("queue: dlq retry: delete entry: %w", err)
		}

		return store.NewHistoryWriter(tx).Record(ctx, &db.JobHistory{
			JobID:     newID,
			EventType: "dlq_retried",
			EventData: db.JSONMap{"original_job_id": entry.JobID.String()},
		})
	})
	if err != nil {
		return uuid.Nil, err
	}
	if m.metrics != nil {
		m.metrics.DLQSize.Dec()
	}
	return newID, nil
}
