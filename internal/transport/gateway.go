package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/orchestratord/core/internal/auth"
	"github.com/orchestratord/core/internal/db"
	"github.com/orchestratord/core/internal/queue"
	"github.com/orchestratord/core/internal/registry"
)

// Accepter is implemented by *dispatcher.Dispatcher; the Gateway only needs
// the two inbound-resolution hooks, not the whole dispatcher surface, which
// keeps this package's import graph acyclic (internal/dispatcher already
// imports internal/transport for Hub/Envelope).
type Accepter interface {
	OnAccept(jobID uuid.UUID)
	OnReject(jobID uuid.UUID)
}

// Gateway is the robot-facing HTTP entrypoint: it authenticates the
// connecting robot's API key, upgrades to a websocket Session, registers it
// with the Hub, and routes every inbound Envelope to the owning component
// per §3 (queue.Manager for job state, registry.Manager for presence,
// Accepter for pending ASSIGN resolution). New domain logic — the teacher's
// `internal/websocket` client only ever pushes GUI broadcasts and has no
// inbound-message routing to ground this on.
type Gateway struct {
	hub      *Hub
	queue    *queue.Manager
	registry *registry.Manager
	dispatch Accepter
	apiKeys  *auth.APIKeyManager
	log      *zap.Logger
}

// NewGateway constructs a Gateway.
func NewGateway(hub *Hub, q *queue.Manager, reg *registry.Manager, dispatch Accepter, apiKeys *auth.APIKeyManager, log *zap.Logger) *Gateway {
	return &Gateway{hub: hub, queue: q, registry: reg, dispatch: dispatch, apiKeys: apiKeys, log: log.Named("transport.gateway")}
}

// ServeWS handles GET /ws. The robot presents its API key as a Bearer
// token; the key's bound RobotID (set at registry.Register time) identifies
// the session. The codec is negotiated via the "X-Codec" header
// ("msgpack" or "json", defaulting to JSON).
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	presented := bearerToken(r)
	if presented == "" {
		http.Error(w, "missing bearer credential", http.StatusUnauthorized)
		return
	}
	key, err := g.apiKeys.Authenticate(r.Context(), presented)
	if err != nil {
		http.Error(w, "invalid credential", http.StatusUnauthorized)
		return
	}
	if key.RobotID == nil {
		http.Error(w, "credential is not bound to a robot", http.StatusForbidden)
		return
	}
	robotID := *key.RobotID

	codec := CodecJSON
	if strings.EqualFold(r.Header.Get("X-Codec"), "msgpack") {
		codec = CodecMsgPack
	}

	session, err := Accept(w, r, robotID, codec, g.log, func(env Envelope) {
		g.route(robotID, codec, env)
	})
	if err != nil {
		g.log.Warn("failed to accept robot connection", zap.String("robot_id", robotID.String()), zap.Error(err))
		return
	}

	session.SetState(StateActive)
	g.hub.Register(session)
	g.log.Info("robot connected", zap.String("robot_id", robotID.String()))

	session.Run(r.Context())

	g.hub.Unregister(session)
	g.log.Info("robot disconnected", zap.String("robot_id", robotID.String()))
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

// Inbound payload shapes (§6). Only the fields the gateway acts on are
// declared; robots may send additional fields the server ignores.
type heartbeatPayload struct {
	JobID *uuid.UUID `json:"job_id,omitempty"`
}

type acceptPayload struct {
	JobID uuid.UUID `json:"job_id"`
}

type rejectPayload struct {
	JobID  uuid.UUID `json:"job_id"`
	Reason string    `json:"reason"`
}

type progressPayload struct {
	JobID       uuid.UUID `json:"job_id"`
	Progress    int       `json:"progress"`
	CurrentNode string    `json:"current_node"`
}

type resultPayload struct {
	JobID     uuid.UUID `json:"job_id"`
	Success   bool      `json:"success"`
	Result    any       `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorCode string    `json:"error_code,omitempty"`
	Retryable bool      `json:"retryable"`
	Logs      []logLine `json:"logs,omitempty"`
}

type logLine struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

type cancelledPayload struct {
	JobID uuid.UUID `json:"job_id"`
}

// decodePayload unmarshals an inbound Envelope's Payload using the codec the
// session negotiated at Accept time (§6's "X-Codec" header) — the outer
// frame codec governs this inner payload too, since nothing else encodes it.
func decodePayload(codec Codec, data []byte, v any) error {
	if codec == CodecMsgPack {
		return msgpack.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}

func (g *Gateway) route(robotID uuid.UUID, codec Codec, env Envelope) {
	// onRecv runs off the session's readPump goroutine with no per-request
	// context to thread through; the database driver bounds each call.
	ctx := context.Background()

	switch env.Type {
	case TypeHeartbeat:
		var p heartbeatPayload
		_ = decodePayload(codec, env.Payload, &p)
		if err := g.registry.Heartbeat(ctx, robotID, nil); err != nil {
			g.log.Warn("registry heartbeat failed", zap.String("robot_id", robotID.String()), zap.Error(err))
		}
		if p.JobID != nil {
			if err := g.queue.Heartbeat(ctx, *p.JobID, robotID); err != nil {
				g.log.Warn("job heartbeat failed", zap.String("job_id", p.JobID.String()), zap.Error(err))
			}
		}

	case TypeAccept:
		var p acceptPayload
		if err := decodePayload(codec, env.Payload, &p); err != nil {
			g.log.Warn("malformed ACCEPT payload", zap.Error(err))
			return
		}
		if err := g.queue.MarkRunning(ctx, p.JobID, robotID); err != nil {
			g.log.Warn("mark running failed", zap.String("job_id", p.JobID.String()), zap.Error(err))
		}
		g.dispatch.OnAccept(p.JobID)

	case TypeReject:
		var p rejectPayload
		if err := decodePayload(codec, env.Payload, &p); err != nil {
			g.log.Warn("malformed REJECT payload", zap.Error(err))
			return
		}
		g.dispatch.OnReject(p.JobID)

	case TypeProgress:
		var p progressPayload
		if err := decodePayload(codec, env.Payload, &p); err != nil {
			g.log.Warn("malformed PROGRESS payload", zap.Error(err))
			return
		}
		if err := g.queue.UpdateProgress(ctx, p.JobID, robotID, p.Progress, p.CurrentNode); err != nil {
			g.log.Warn("update progress failed", zap.String("job_id", p.JobID.String()), zap.Error(err))
		}

	case TypeResult:
		var p resultPayload
		if err := decodePayload(codec, env.Payload, &p); err != nil {
			g.log.Warn("malformed RESULT payload", zap.Error(err))
			return
		}
		if len(p.Logs) > 0 {
			lines := make([]db.RobotLog, len(p.Logs))
			now := time.Now()
			for i, l := range p.Logs {
				lines[i] = db.RobotLog{RobotID: robotID, Timestamp: now, Level: l.Level, Message: l.Message}
			}
			if err := g.queue.AppendLogs(ctx, p.JobID, robotID, lines); err != nil {
				g.log.Warn("append logs failed", zap.String("job_id", p.JobID.String()), zap.Error(err))
			}
		}
		if p.Success {
			// db.Job.Result is stored as JSON regardless of the wire codec, so
			// the admin API's rendering of it never has to know how the robot
			// that produced it was decoded.
			result, err := json.Marshal(p.Result)
			if err != nil {
				g.log.Warn("marshal result failed", zap.String("job_id", p.JobID.String()), zap.Error(err))
				return
			}
			if err := g.queue.Complete(ctx, p.JobID, robotID, result); err != nil {
				g.log.Warn("complete failed", zap.String("job_id", p.JobID.String()), zap.Error(err))
			}
		} else {
			if err := g.queue.Fail(ctx, p.JobID, robotID, p.Error, p.ErrorCode, p.Retryable); err != nil {
				g.log.Warn("fail failed", zap.String("job_id", p.JobID.String()), zap.Error(err))
			}
		}

	case TypeCancelled:
		var p cancelledPayload
		if err := decodePayload(codec, env.Payload, &p); err != nil {
			g.log.Warn("malformed CANCELLED payload", zap.Error(err))
			return
		}
		if err := g.queue.ConfirmCancelled(ctx, p.JobID, robotID); err != nil {
			g.log.Warn("confirm cancelled failed", zap.String("job_id", p.JobID.String()), zap.Error(err))
		}

	default:
		g.log.Debug("unhandled inbound envelope type", zap.Uint16("type", uint16(env.Type)))
	}
}
