// Package registry implements the Robot Registry & Capability Router
// (§4.2): the persistent Robot record lifecycle (register, heartbeat,
// concurrency slots, capability matching) plus an in-memory session index
// mirroring the reference daemon's agent-manager pattern. The persistent
// side is the sole owner of Robot mutation per §3's ownership rule; the
// in-memory index is advisory only and reconstructible by replaying active
// sessions (§5) — never a source of truth for Robot rows.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/orchestratord/core/internal/db"
	"github.com/orchestratord/core/internal/store"
)

// Config holds the Manager's tunables, sourced from the admin configuration
// surface (§6).
type Config struct {
	HeartbeatInterval time.Duration
	LeaseMissFactor   int
}

// DefaultConfig returns the configuration surface's documented defaults.
func DefaultConfig() Config {
	return Config{HeartbeatInterval: 30 * time.Second, LeaseMissFactor: 3}
}

// ErrSlotsExhausted is returned by AcquireSlot when a robot is already
// running max_concurrent_jobs jobs.
var ErrSlotsExhausted = errors.New("registry: no concurrency slots available")

// Manager is the Robot Registry & Capability Router.
type Manager struct {
	db  *gorm.DB
	cfg Config
	log *zap.Logger

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session // advisory in-memory index, keyed by robot ID
}

// New constructs a Manager.
func New(d *gorm.DB, cfg Config, log *zap.Logger) *Manager {
	return &Manager{
		db:       d,
		cfg:      cfg,
		log:      log.Named("registry"),
		sessions: make(map[uuid.UUID]*Session),
	}
}

// Session is the advisory in-memory record of a robot's live transport
// connection. It is intentionally minimal — the transport package owns the
// actual connection and session state machine (§4.3); this is only what the
// registry needs to answer IsConnected/ActiveSessions/WaitForRobot.
type Session struct {
	RobotID     uuid.UUID
	ConnectedAt time.Time
}

// Register creates or updates the robot record, setting status=online, and
// records an advisory session entry. It performs no authentication of its
// own; callers such as the admin surface authenticate before calling it.
func (m *Manager) Register(ctx context.Context, robotID uuid.UUID, name, hostname string, capabilities, tags []string, maxConcurrent int, version string) (*db.Robot, error) {
	var robot db.Robot
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.First(&robot, "id = ?", robotID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			robot = db.Robot{
				Name:              name,
				Hostname:          hostname,
				Status:            db.RobotStatusOnline,
				Capabilities:      db.StringSet(capabilities),
				Tags:              db.StringSet(tags),
				MaxConcurrentJobs: maxConcurrent,
				LastHeartbeat:     time.Now(),
				Version:           version,
			}
			if robotID != uuid.Nil {
				robot.ID = robotID
			}
			return tx.Create(&robot).Error
		case err != nil:
			return fmt.Errorf("registry: register: lookup: %w", err)
		default:
			robot.Name = name
			robot.Hostname = hostname
			robot.Status = db.RobotStatusOnline
			robot.Capabilities = db.StringSet(capabilities)
			robot.Tags = db.StringSet(tags)
			robot.MaxConcurrentJobs = maxConcurrent
			robot.LastHeartbeat = time.Now()
			robot.Version = version
			return tx.Save(&robot).Error
		}
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[robot.ID] = &Session{RobotID: robot.ID, ConnectedAt: time.Now()}
	m.mu.Unlock()

	m.log.Info("robot registered", zap.String("robot_id", robot.ID.String()), zap.String("hostname", hostname))
	return &robot, nil
}

// Deregister removes the robot's advisory session entry and marks it
// offline. The transport Gateway does not call it when a session closes; a
// disconnected robot is marked offline by SweepExpiredHeartbeats instead.
func (m *Manager) Deregister(ctx context.Context, robotID uuid.UUID) error {
	m.mu.Lock()
	delete(m.sessions, robotID)
	m.mu.Unlock()

	if err := m.db.WithContext(ctx).Model(&db.Robot{}).Where("id = ?", robotID).
		Update("status", db.RobotStatusOffline).Error; err != nil {
		return fmt.Errorf("registry: deregister: %w", err)
	}
	m.log.Info("robot deregistered", zap.String("robot_id", robotID.String()))
	return nil
}

// Heartbeat updates last_heartbeat and metrics.
func (m *Manager) Heartbeat(ctx context.Context, robotID uuid.UUID, metrics db.JSONMap) error {
	result := m.db.WithContext(ctx).Model(&db.Robot{}).Where("id = ?", robotID).
		Updates(map[string]any{"last_heartbeat": time.Now(), "metrics": metrics})
	if result.Error != nil {
		return fmt.Errorf("registry: heartbeat: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SweepExpiredHeartbeats marks offline any robot whose last_heartbeat is
// older than heartbeat_interval * lease_miss_factor, per §4.2.
func (m *Manager) SweepExpiredHeartbeats(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-time.Duration(m.cfg.LeaseMissFactor) * m.cfg.HeartbeatInterval)
	result := m.db.WithContext(ctx).Model(&db.Robot{}).
		Where("status != ? AND last_heartbeat < ?", db.RobotStatusOffline, cutoff).
		Update("status", db.RobotStatusOffline)
	if result.Error != nil {
		return 0, fmt.Errorf("registry: sweep expired heartbeats: %w", result.Error)
	}
	return int(result.RowsAffected), nil
}

// AcquireSlot checks that robotID has a free concurrency slot, failing with
// ErrSlotsExhausted if the robot already has max_concurrent_jobs jobs
// claimed or running. It reserves nothing: usage is counted live from the
// Job table, so a slot is only taken once the Queue claims a job, and two
// concurrent AcquireSlot calls for the last free slot can both succeed.
func (m *Manager) AcquireSlot(ctx context.Context, robotID uuid.UUID) error {
	var robot db.Robot
	if err := m.db.WithContext(ctx).First(&robot, "id = ?", robotID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return store.ErrNotFound
		}
		return fmt.Errorf("registry: acquire slot: %w", err)
	}

	var inUse int64
	if err := m.db.WithContext(ctx).Model(&db.Job{}).
		Where("claimed_by = ? AND status IN ?", robotID, []string{db.JobStatusClaimed, db.JobStatusRunning}).
		Count(&inUse).Error; err != nil {
		return fmt.Errorf("registry: acquire slot: count: %w", err)
	}
	if int(inUse) >= robot.MaxConcurrentJobs {
		return ErrSlotsExhausted
	}
	return nil
}

// ReleaseSlot is a no-op placeholder kept for API symmetry: slot usage is
// derived live from the Job table's claimed_by/status (see AcquireSlot), so
// releasing a slot is implicit in the Queue transitioning the job out of
// claimed/running — there is no separate counter to decrement.
func (m *Manager) ReleaseSlot(_ context.Context, _ uuid.UUID, _ uuid.UUID) error {
	return nil
}

// UpdateCapabilities idempotently replaces a robot's capability set.
func (m *Manager) UpdateCapabilities(ctx context.Context, robotID uuid.UUID, capabilities []string) error {
	result := m.db.WithContext(ctx).Model(&db.Robot{}).Where("id = ?", robotID).
		Update("capabilities", db.StringSet(capabilities))
	if result.Error != nil {
		return fmt.Errorf("registry: update capabilities: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Requirement describes what EligibleRobots must match: the union of a
// workflow's explicit assignments/overrides and any job-level capability
// filter.
type Requirement struct {
	WorkflowID           uuid.UUID
	RequiredCapabilities []string
}

// eligibleRobot pairs a candidate with its ranking inputs.
type eligibleRobot struct {
	robot          db.Robot
	explicit       bool
	explicitPrio   int
	utilization    float64
}

// resolveRequiredCapabilities assembles the effective capability
// requirement for req's workflow per §4.2: the union of every
// NodeRobotOverride for the workflow that names a capability set (overrides
// that instead pin a specific RobotID are a routing hint, not a capability
// constraint, so they are not folded in here) plus req's own job-level
// filter.
func (m *Manager) resolveRequiredCapabilities(ctx context.Context, req Requirement) ([]string, error) {
	set := make(map[string]struct{}, len(req.RequiredCapabilities))
	for _, c := range req.RequiredCapabilities {
		set[c] = struct{}{}
	}

	var overrides []db.NodeRobotOverride
	if err := m.db.WithContext(ctx).Where("workflow_id = ?", req.WorkflowID).Find(&overrides).Error; err != nil {
		return nil, fmt.Errorf("registry: resolve required capabilities: %w", err)
	}
	for _, o := range overrides {
		if o.RobotID != nil {
			continue
		}
		for _, c := range o.RequiredCapabilities {
			set[c] = struct{}{}
		}
	}

	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out, nil
}

// EligibleRobots returns robots matching req's capability requirements,
// ranked by: explicit workflow assignment first (by assignment priority
// descending), then lower current utilization, then more recent heartbeat.
// Robots in error or maintenance status are never eligible.
func (m *Manager) EligibleRobots(ctx context.Context, req Requirement) ([]db.Robot, error) {
	required, err := m.resolveRequiredCapabilities(ctx, req)
	if err != nil {
		return nil, err
	}

	var candidates []db.Robot
	if err := m.db.WithContext(ctx).
		Where("status IN ?", []string{db.RobotStatusOnline, db.RobotStatusBusy}).
		Find(&candidates).Error; err != nil {
		return nil, fmt.Errorf("registry: eligible robots: list: %w", err)
	}

	var assignments []db.WorkflowAssignment
	if err := m.db.WithContext(ctx).Where("workflow_id = ?", req.WorkflowID).Find(&assignments).Error; err != nil {
		return nil, fmt.Errorf("registry: eligible robots: assignments: %w", err)
	}
	assignmentByRobot := make(map[uuid.UUID]db.WorkflowAssignment, len(assignments))
	for _, a := range assignments {
		assignmentByRobot[a.RobotID] = a
	}

	ranked := make([]eligibleRobot, 0, len(candidates))
	for _, robot := range candidates {
		if !robot.Capabilities.ContainsAll(required) {
			continue
		}

		var inUse int64
		if err := m.db.WithContext(ctx).Model(&db.Job{}).
			Where("claimed_by = ? AND status IN ?", robot.ID, []string{db.JobStatusClaimed, db.JobStatusRunning}).
			Count(&inUse).Error; err != nil {
			return nil, fmt.Errorf("registry: eligible robots: utilization: %w", err)
		}
		util := 0.0
		if robot.MaxConcurrentJobs > 0 {
			util = float64(inUse) / float64(robot.MaxConcurrentJobs)
		}

		assignment, explicit := assignmentByRobot[robot.ID]
		ranked = append(ranked, eligibleRobot{
			robot:        robot,
			explicit:     explicit,
			explicitPrio: assignment.Priority,
			utilization:  util,
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.explicit != b.explicit {
			return a.explicit // explicit assignment sorts first
		}
		if a.explicit && b.explicit && a.explicitPrio != b.explicitPrio {
			return a.explicitPrio > b.explicitPrio
		}
		if a.utilization != b.utilization {
			return a.utilization < b.utilization
		}
		return a.robot.LastHeartbeat.After(b.robot.LastHeartbeat)
	})

	result := make([]db.Robot, len(ranked))
	for i, r := range ranked {
		result[i] = r.robot
	}
	return result, nil
}

// IsConnected reports whether robotID currently has an advisory session
// entry (created by Register). WaitForRobot polls it; the Dispatcher checks
// transport.Hub.IsActive instead.
func (m *Manager) IsConnected(robotID uuid.UUID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[robotID]
	return ok
}

// ActiveSessions returns a snapshot of all robots with a live advisory
// session entry.
func (m *Manager) ActiveSessions() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		result = append(result, *s)
	}
	return result
}

// WaitForRobot blocks until robotID has a live advisory session or ctx is
// cancelled. Polls every 250ms — not a hot loop, acceptable for the admin
// surface's manual-trigger use case.
func (m *Manager) WaitForRobot(ctx context.Context, robotID uuid.UUID) error {
	for {
		if m.IsConnected(robotID) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("registry: timed out waiting for robot %s: %w", robotID, ctx.Err())
		case <-time.After(250 * time.Millisecond):
		}
	}
}
