// Package db holds the persistence layer: GORM models, connection setup,
// migrations, the GORM logger adapter, and the at-rest encryption helper.
package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by all models. ID uses UUID v7
// (time-ordered) for efficient B-tree indexing and natural chronological
// ordering without a separate created_at sort. CreatedAt and UpdatedAt are
// managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Robot
// -----------------------------------------------------------------------------

// Robot status values (§3).
const (
	RobotStatusOffline     = "offline"
	RobotStatusOnline      = "online"
	RobotStatusBusy        = "busy"
	RobotStatusError       = "error"
	RobotStatusMaintenance = "maintenance"
)

// Robot is a registered execution unit. Capabilities and tags are stored as
// a JSON-encoded string set (StringSet) rather than a joined table: they are
// small, change together with registration, and are read as a whole on every
// eligibility check — a join would cost more than it buys here.
type Robot struct {
	base
	Name              string    `gorm:"not null"`
	Hostname          string    `gorm:"not null"`
	Status            string    `gorm:"not null;default:'offline';index"`
	Capabilities      StringSet `gorm:"type:text"`
	Tags              StringSet `gorm:"type:text"`
	MaxConcurrentJobs int       `gorm:"not null;default:1"`
	LastHeartbeat     time.Time `gorm:"index"`
	Version           string
	Metrics           JSONMap `gorm:"type:text"`
}

// -----------------------------------------------------------------------------
// Job
// -----------------------------------------------------------------------------

// Job status values (§3 state machine).
const (
	JobStatusPending   = "pending"
	JobStatusClaimed   = "claimed"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
	JobStatusTimeout   = "timeout"
)

// TerminalJobStatuses are the absorbing states per P3: once reached, status,
// result and error never change again.
var TerminalJobStatuses = map[string]bool{
	JobStatusCompleted: true,
	JobStatusFailed:    true,
	JobStatusCancelled: true,
	JobStatusTimeout:   true,
}

// Job is a single requested workflow execution the Queue tracks end to end.
// claimed_by/claimed_at/lock_heartbeat model the lease; see §4.1.
type Job struct {
	base
	WorkflowID     uuid.UUID `gorm:"type:text;not null;index"`
	WorkflowName   string
	Status         string `gorm:"not null;default:'pending';index:idx_jobs_ready"`
	Priority       int    `gorm:"not null;default:0;index:idx_jobs_ready"`
	Payload        []byte
	Inputs         JSONMap `gorm:"type:text"`
	Result         []byte
	Error          string
	ErrorCode      string
	Progress       int
	CurrentNode    string
	RetryCount     int `gorm:"not null;default:0"`
	MaxRetries     int `gorm:"not null;default:3"`
	TimeoutSeconds int `gorm:"not null;default:3600"`
	ScheduledTime  *time.Time
	ClaimedBy      *uuid.UUID `gorm:"type:text;index"`
	ClaimedAt      *time.Time
	LockHeartbeat  *time.Time `gorm:"index"`
	CancelRequested bool
	CancelRequestedAt *time.Time
	CancelReason    string
	IdempotencyKey  string `gorm:"uniqueIndex:idx_jobs_idempotency,where:idempotency_key != ''"`
	// RequiredCapabilities is the job-level capability filter from §4.2's
	// Requirement: EligibleRobots unions it with the workflow's
	// NodeRobotOverrides, so a caller can narrow eligibility further without
	// an override row (e.g. an ad-hoc job that needs a capability no node
	// override names).
	RequiredCapabilities StringSet `gorm:"type:text"`
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// -----------------------------------------------------------------------------
// WorkflowAssignment / NodeRobotOverride
// -----------------------------------------------------------------------------

// WorkflowAssignment binds a workflow to a robot, with a priority used for
// EligibleRobots ranking and an is_default flag for the common single-robot case.
type WorkflowAssignment struct {
	base
	WorkflowID uuid.UUID `gorm:"type:text;not null;uniqueIndex:idx_workflow_robot"`
	RobotID    uuid.UUID `gorm:"type:text;not null;uniqueIndex:idx_workflow_robot"`
	IsDefault  bool
	Priority   int
}

// NodeRobotOverride pins a specific workflow node to either a named robot or
// a required-capability set. Exactly one of RobotID/RequiredCapabilities is set.
type NodeRobotOverride struct {
	base
	WorkflowID           uuid.UUID `gorm:"type:text;not null;uniqueIndex:idx_workflow_node"`
	NodeID               string    `gorm:"not null;uniqueIndex:idx_workflow_node"`
	RobotID              *uuid.UUID `gorm:"type:text"`
	RequiredCapabilities StringSet  `gorm:"type:text"`
}

// -----------------------------------------------------------------------------
// Schedule
// -----------------------------------------------------------------------------

// Schedule is a cron-like recurrence rule the Scheduler materializes into
// Jobs exactly once per due time (§4.4, P7, P8).
type Schedule struct {
	base
	WorkflowID     uuid.UUID `gorm:"type:text;not null"`
	CronExpression string    `gorm:"not null"`
	Timezone       string    `gorm:"not null;default:'UTC'"`
	Enabled        bool      `gorm:"not null;default:true;index"`
	Priority       int
	Inputs         JSONMap    `gorm:"type:text"`
	LastRun        *time.Time
	NextRun        time.Time `gorm:"index"`
	RunCount       int
	FailureCount   int
}

// -----------------------------------------------------------------------------
// DLQEntry
// -----------------------------------------------------------------------------

// DLQEntry parks a job that exhausted its retry budget (P6) for inspection
// and manual retry.
type DLQEntry struct {
	base
	JobID        uuid.UUID `gorm:"type:text;not null;uniqueIndex"`
	WorkflowID   uuid.UUID `gorm:"type:text;not null"`
	ErrorMessage string
	ErrorCode    string
	ErrorStack   string
	Inputs       JSONMap `gorm:"type:text"`
	RetryCount   int
	FailedAt     time.Time `gorm:"index"`
}

// -----------------------------------------------------------------------------
// JobHistory
// -----------------------------------------------------------------------------

// JobHistory is an append-only audit trail of every status transition a job
// goes through; never updated or deleted, only inserted.
type JobHistory struct {
	base
	JobID     uuid.UUID  `gorm:"type:text;not null;index"`
	RobotID   *uuid.UUID `gorm:"type:text"`
	EventType string     `gorm:"not null"`
	EventData JSONMap    `gorm:"type:text"`
}

// -----------------------------------------------------------------------------
// RobotLog
// -----------------------------------------------------------------------------

// RobotLog is a log line emitted by a robot session. On both Postgres and
// sqlite the table is a single, unpartitioned table (see
// internal/db/migrations); it is not split by time. Retention (P12, configurable via log_retention_days) is
// enforced by the PurgeOldLogs sweep in internal/queue rather than by
// dropping partitions, since the portable sqlite/postgres schema here has
// no partitions to drop.
type RobotLog struct {
	base
	RobotID   uuid.UUID `gorm:"type:text;not null;index:idx_robot_logs_robot_ts"`
	TenantID  string    `gorm:"index"`
	Timestamp time.Time `gorm:"not null;index:idx_robot_logs_robot_ts"`
	Level     string    `gorm:"not null"`
	Message   string    `gorm:"not null"`
	Source    string
	Extra     JSONMap `gorm:"type:text"`
}

// -----------------------------------------------------------------------------
// APIKey
// -----------------------------------------------------------------------------

// APIKey authenticates a robot or service account on the admin surface and
// on the transport's bearer-key leg of mutual authentication. Only Hash is
// persisted — the plaintext key is returned exactly once, at creation time.
type APIKey struct {
	base
	TenantID   string
	RobotID    *uuid.UUID `gorm:"type:text;index"`
	Prefix     string     `gorm:"not null;index"`
	Hash       string     `gorm:"not null"`
	Role       string     `gorm:"not null;default:'viewer'"`
	ExpiresAt  *time.Time
	Revoked    bool `gorm:"not null;default:false"`
	LastUsedAt *time.Time
}
