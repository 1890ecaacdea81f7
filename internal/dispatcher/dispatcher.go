// Package dispatcher implements the Dispatcher (§4.5): it matches pending
// jobs to eligible, available robot sessions, reserves a concurrency slot,
// performs the atomic claim, and hands the job off over the transport.
// Each robot session is wrapped in its own circuit breaker so a
// misbehaving robot stops being offered new work without affecting others.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/orchestratord/core/internal/db"
	"github.com/orchestratord/core/internal/metrics"
	"github.com/orchestratord/core/internal/queue"
	"github.com/orchestratord/core/internal/registry"
	"github.com/orchestratord/core/internal/transport"
)

// ErrRateLimited is the error for the RATE_LIMIT_EXCEEDED code (§6). No
// Dispatcher method returns it: Tick has no admission control.
var ErrRateLimited = errors.New("dispatcher: rate limit exceeded")

// Config holds the Dispatcher's tunables (§6).
type Config struct {
	AssignAckTimeout   time.Duration
	MaxJobsPerTick     int
	BreakerMaxRequests uint32
	BreakerInterval    time.Duration
	BreakerTimeout     time.Duration
}

// DefaultConfig returns the configuration surface's documented defaults.
func DefaultConfig() Config {
	return Config{
		AssignAckTimeout:   10 * time.Second,
		MaxJobsPerTick:     100,
		BreakerMaxRequests: 1,
		BreakerInterval:    0,
		BreakerTimeout:     30 * time.Second,
	}
}

// pendingAssignment tracks an ASSIGN awaiting ACCEPT/REJECT, so the
// transport's receive callback can resolve it.
type pendingAssignment struct {
	jobID   uuid.UUID
	robotID uuid.UUID
	done    chan acceptOutcome
}

type acceptOutcome struct {
	accepted bool
}

// Dispatcher is the Dispatcher component of §4.5.
type Dispatcher struct {
	queue    *queue.Manager
	registry *registry.Manager
	hub      *transport.Hub
	cfg      Config
	log      *zap.Logger

	mu       sync.Mutex
	breakers map[uuid.UUID]*gobreaker.CircuitBreaker
	pending  map[uuid.UUID]*pendingAssignment // keyed by job ID

	metrics *metrics.Registry
}

// New constructs a Dispatcher. m may be nil, in which case metric updates
// are no-ops.
func New(q *queue.Manager, reg *registry.Manager, hub *transport.Hub, cfg Config, log *zap.Logger, m *metrics.Registry) *Dispatcher {
	return &Dispatcher{
		queue:    q,
		registry: reg,
		hub:      hub,
		cfg:      cfg,
		log:      log.Named("dispatcher"),
		breakers: make(map[uuid.UUID]*gobreaker.CircuitBreaker),
		pending:  make(map[uuid.UUID]*pendingAssignment),
		metrics:  m,
	}
}

// breakerFor returns (creating if needed) the circuit breaker for robotID,
// keyed per §4.5's "wrapped by a gobreaker.CircuitBreaker keyed on robot_id".
func (d *Dispatcher) breakerFor(robotID uuid.UUID) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.breakers[robotID]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        robotID.String(),
		MaxRequests: d.cfg.BreakerMaxRequests,
		Interval:    d.cfg.BreakerInterval,
		Timeout:     d.cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	d.breakers[robotID] = b
	return b
}

// Tick performs one dispatch pass: pulls pending jobs in priority order and
// attempts to place each on an eligible, available robot.
func (d *Dispatcher) Tick(ctx context.Context) error {
	if d.hub.Draining() {
		return nil // shutdown in progress: stop placing new work, let in-flight jobs finish
	}

	start := time.Now()
	if d.metrics != nil {
		defer func() { d.metrics.DispatchLatency.Observe(time.Since(start).Seconds()) }()
	}

	jobs, _, err := d.queue.PendingJobsOrdered(ctx, d.cfg.MaxJobsPerTick)
	if err != nil {
		return fmt.Errorf("dispatcher: tick: list pending: %w", err)
	}

	for _, job := range jobs {
		if err := d.placeJob(ctx, &job); err != nil {
			d.log.Debug("could not place job this tick", zap.String("job_id", job.ID.String()), zap.Error(err))
		}
	}
	return nil
}

// placeJob resolves eligible robots for job, picks the first with a free
// slot and an ACTIVE session, reserves the slot and claims the job, then
// hands the ASSIGN send and the bounded ACCEPT wait to a background
// goroutine and returns without waiting for it.
func (d *Dispatcher) placeJob(ctx context.Context, job *db.Job) error {
	eligible, err := d.registry.EligibleRobots(ctx, registry.Requirement{
		WorkflowID:           job.WorkflowID,
		RequiredCapabilities: []string(job.RequiredCapabilities),
	})
	if err != nil {
		return fmt.Errorf("resolve eligible robots: %w", err)
	}

	var workflowIDs []uuid.UUID
	for _, robot := range eligible {
		if !d.hub.IsActive(robot.ID) {
			continue
		}
		if err := d.registry.AcquireSlot(ctx, robot.ID); err != nil {
			continue
		}

		workflowIDs = []uuid.UUID{job.WorkflowID}
		claimed, err := d.queue.Claim(ctx, robot.ID, queue.ClaimFilter{WorkflowIDs: workflowIDs})
		if err != nil {
			return fmt.Errorf("claim for robot %s: %w", robot.ID, err)
		}
		if claimed == nil {
			// Another dispatcher replica (or a differently-ordered scan) beat
			// us to every eligible pending job for this robot.
			continue
		}

		// Assignment/ACCEPT wait runs in the background so one slow robot
		// does not stall the rest of this tick's placements.
		go d.assignAndAwaitAccept(context.WithoutCancel(ctx), claimed, robot.ID)
		return nil
	}

	return fmt.Errorf("no eligible available robot for job %s", job.ID)
}

// assignAndAwaitAccept sends ASSIGN through the robot's breaker and waits
// up to AssignAckTimeout for ACCEPT. On timeout or REJECT, the slot is
// released and the job returned to pending.
func (d *Dispatcher) assignAndAwaitAccept(ctx context.Context, job *db.Job, robotID uuid.UUID) {
	breaker := d.breakerFor(robotID)

	waiter := &pendingAssignment{jobID: job.ID, robotID: robotID, done: make(chan acceptOutcome, 1)}
	d.mu.Lock()
	d.pending[job.ID] = waiter
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.pending, job.ID)
		d.mu.Unlock()
	}()

	_, err := breaker.Execute(func() (any, error) {
		env := transport.Envelope{
			MsgID:   uuid.New(),
			Type:    transport.TypeAssign,
			TS:      uint64(time.Now().UnixMilli()),
			Payload: job.Payload,
		}
		if err := d.hub.SendAssign(robotID, env); err != nil {
			return nil, err
		}

		select {
		case outcome := <-waiter.done:
			if !outcome.accepted {
				return nil, fmt.Errorf("robot %s rejected job %s", robotID, job.ID)
			}
			return nil, nil
		case <-time.After(d.cfg.AssignAckTimeout):
			return nil, fmt.Errorf("robot %s did not ACCEPT job %s within %s", robotID, job.ID, d.cfg.AssignAckTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	if err != nil {
		d.log.Warn("assignment failed, releasing job", zap.String("job_id", job.ID.String()), zap.String("robot_id", robotID.String()), zap.Error(err))
		if unclaimErr := d.queue.Unclaim(ctx, job.ID, robotID); unclaimErr != nil {
			d.log.Error("failed to unclaim job after failed assignment", zap.Error(unclaimErr))
		}
		if d.metrics != nil {
			d.metrics.AssignmentsTotal.WithLabelValues("failed").Inc()
		}
	} else if d.metrics != nil {
		d.metrics.AssignmentsTotal.WithLabelValues("accepted").Inc()
	}
}

// OnAccept resolves a pending assignment as accepted. Called by the
// transport receive callback on an ACCEPT envelope.
func (d *Dispatcher) OnAccept(jobID uuid.UUID) {
	d.mu.Lock()
	w, ok := d.pending[jobID]
	d.mu.Unlock()
	if ok {
		w.done <- acceptOutcome{accepted: true}
	}
}

// OnReject resolves a pending assignment as rejected.
func (d *Dispatcher) OnReject(jobID uuid.UUID) {
	d.mu.Lock()
	w, ok := d.pending[jobID]
	d.mu.Unlock()
	if ok {
		w.done <- acceptOutcome{accepted: false}
	}
}
