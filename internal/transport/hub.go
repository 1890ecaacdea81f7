package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Hub is the central registry of live robot sessions. Register writes the
// session map directly under the lock; Unregister and shutdown cleanup are
// serialized through a single goroutine (Run), mirroring the reference
// daemon's hub design. Lookup takes a read-lock for the shortest possible
// time, so a slow session never blocks the registry.
type Hub struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session

	register   chan *Session
	unregister chan *Session
	draining   bool
}

// NewHub creates an idle Hub. Call Run in a goroutine to start it.
func NewHub() *Hub {
	return &Hub{
		sessions:   make(map[uuid.UUID]*Session),
		register:   make(chan *Session, 16),
		unregister: make(chan *Session, 16),
	}
}

// Run starts the hub's event loop; it exits when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case s := <-h.register:
			h.mu.Lock()
			h.sessions[s.RobotID] = s
			h.mu.Unlock()

		case s := <-h.unregister:
			h.mu.Lock()
			if existing, ok := h.sessions[s.RobotID]; ok && existing == s {
				delete(h.sessions, s.RobotID)
			}
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			for _, s := range h.sessions {
				s.Close()
			}
			h.sessions = make(map[uuid.UUID]*Session)
			h.mu.Unlock()
			return
		}
	}
}

// Register adds s to the hub, replacing any prior session for the same
// robot (a reconnect before the previous session was detected as dead).
func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	if existing, ok := h.sessions[s.RobotID]; ok {
		existing.Close()
	}
	h.sessions[s.RobotID] = s
	h.mu.Unlock()
}

// Unregister removes s from the hub.
func (h *Hub) Unregister(s *Session) {
	h.unregister <- s
}

// Lookup returns the live session for robotID, if any.
func (h *Hub) Lookup(robotID uuid.UUID) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[robotID]
	return s, ok
}

// IsActive reports whether robotID has a session in StateActive.
func (h *Hub) IsActive(robotID uuid.UUID) bool {
	s, ok := h.Lookup(robotID)
	return ok && s.State() == StateActive
}

// SendAssign delivers an ASSIGN envelope to robotID's active session. It is
// an essential frame: it is never silently dropped by backpressure.
func (h *Hub) SendAssign(robotID uuid.UUID, env Envelope) error {
	s, ok := h.Lookup(robotID)
	if !ok || s.State() != StateActive {
		return fmt.Errorf("transport: send assign: robot %s has no active session", robotID)
	}
	s.Send(env, true)
	return nil
}

// SendCancel delivers a CANCEL envelope to robotID's session, regardless of
// ACTIVE/DRAINING state, since a draining session may still own an
// in-flight job that needs to be told to stop.
func (h *Hub) SendCancel(robotID uuid.UUID, env Envelope) error {
	s, ok := h.Lookup(robotID)
	if !ok {
		return fmt.Errorf("transport: send cancel: robot %s has no session", robotID)
	}
	s.Send(env, true)
	return nil
}

type cancelPayload struct {
	JobID  uuid.UUID `json:"job_id"`
	Reason string    `json:"reason,omitempty"`
}

// CancelJob builds and sends a CANCEL envelope for jobID to robotID, so
// callers outside internal/transport (internal/admin's cooperative-cancel
// path, §4.3) never need to hand-construct the wire envelope.
func (h *Hub) CancelJob(robotID, jobID uuid.UUID, reason string) error {
	payload, err := json.Marshal(cancelPayload{JobID: jobID, Reason: reason})
	if err != nil {
		return fmt.Errorf("transport: marshal cancel payload: %w", err)
	}
	env := Envelope{
		MsgID:   uuid.New(),
		Type:    TypeCancel,
		TS:      uint64(time.Now().UnixMilli()),
		Payload: payload,
	}
	return h.SendCancel(robotID, env)
}

// BeginDrain marks the hub as draining: new ASSIGN calls should be refused
// by the Dispatcher (checked via Draining()), while existing sessions are
// left to finish in-flight jobs up to the drain deadline enforced by the
// caller's context.
func (h *Hub) BeginDrain() {
	h.mu.Lock()
	h.draining = true
	for _, s := range h.sessions {
		s.SetState(StateDraining)
	}
	h.mu.Unlock()
}

// Draining reports whether the hub has begun shutdown drain.
func (h *Hub) Draining() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.draining
}

// ConnectedCount returns the number of sessions currently tracked.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// ActiveRobotIDs returns a snapshot of robot IDs with an ACTIVE session.
func (h *Hub) ActiveRobotIDs() []uuid.UUID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(h.sessions))
	for id, s := range h.sessions {
		if s.State() == StateActive {
			ids = append(ids, id)
		}
	}
	return ids
}
