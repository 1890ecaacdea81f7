package admin

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orchestratord/core/internal/auth"
	"github.com/orchestratord/core/internal/db"
	"github.com/orchestratord/core/internal/registry"
	"github.com/orchestratord/core/internal/store"
)

// RobotHandler groups the robot-related HTTP handlers. Robot mutation
// belongs to internal/registry.Manager per §3's ownership rule; this
// handler reads through store.RobotRepository and delegates the one
// admin-initiated mutation (manual registration) to the registry.
type RobotHandler struct {
	repo     store.RobotRepository
	registry *registry.Manager
	keys     *auth.APIKeyManager
	logger   *zap.Logger
}

// NewRobotHandler creates a new RobotHandler.
func NewRobotHandler(repo store.RobotRepository, reg *registry.Manager, keys *auth.APIKeyManager, logger *zap.Logger) *RobotHandler {
	return &RobotHandler{repo: repo, registry: reg, keys: keys, logger: logger.Named("robot_handler")}
}

type robotResponse struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	Hostname          string   `json:"hostname"`
	Status            string   `json:"status"`
	Capabilities      []string `json:"capabilities"`
	Tags              []string `json:"tags"`
	MaxConcurrentJobs int      `json:"max_concurrent_jobs"`
	LastHeartbeat     string   `json:"last_heartbeat"`
	Version           string   `json:"version"`
}

func robotToResponse(robot *db.Robot) robotResponse {
	return robotResponse{
		ID:                robot.ID.String(),
		Name:              robot.Name,
		Hostname:          robot.Hostname,
		Status:            robot.Status,
		Capabilities:      []string(robot.Capabilities),
		Tags:              []string(robot.Tags),
		MaxConcurrentJobs: robot.MaxConcurrentJobs,
		LastHeartbeat:     robot.LastHeartbeat.UTC().Format(timeLayout),
		Version:           robot.Version,
	}
}

type listRobotsResponse struct {
	Items []robotResponse `json:"items"`
	Total int64           `json:"total"`
}

// List handles GET /api/v1/robots (list_robots, §6).
func (h *RobotHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)

	if status := r.URL.Query().Get("status"); status != "" {
		robots, err := h.repo.ListByStatus(r.Context(), status)
		if err != nil {
			h.logger.Error("failed to list robots by status", zap.Error(err))
			ErrInternal(w)
			return
		}
		items := make([]robotResponse, len(robots))
		for i := range robots {
			items[i] = robotToResponse(&robots[i])
		}
		Ok(w, listRobotsResponse{Items: items, Total: int64(len(items))})
		return
	}

	robots, total, err := h.repo.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list robots", zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]robotResponse, len(robots))
	for i := range robots {
		items[i] = robotToResponse(&robots[i])
	}
	Ok(w, listRobotsResponse{Items: items, Total: total})
}

// GetByID handles GET /api/v1/robots/{id}.
func (h *RobotHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	robot, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get robot", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, robotToResponse(robot))
}

type registerRobotRequest struct {
	Name              string   `json:"name"`
	Hostname          string   `json:"hostname"`
	Capabilities      []string `json:"capabilities"`
	Tags              []string `json:"tags"`
	MaxConcurrentJobs int      `json:"max_concurrent_jobs"`
	Version           string   `json:"version"`
}

type registerRobotResponse struct {
	ID     string `json:"id"`
	APIKey string `json:"api_key"`
}

// Register handles POST /api/v1/robots (register_robot, §6). Registration
// through the admin surface provisions a robot and issues its credential
// before the robot ever connects. The transport gateway does not register
// robots: it accepts only API keys already bound to a robot.
func (h *RobotHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRobotRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.MaxConcurrentJobs <= 0 {
		req.MaxConcurrentJobs = 1
	}

	robot, err := h.registry.Register(r.Context(), uuid.Nil, req.Name, req.Hostname, req.Capabilities, req.Tags, req.MaxConcurrentJobs, req.Version)
	if err != nil {
		h.logger.Error("failed to register robot", zap.Error(err))
		ErrInternal(w)
		return
	}

	plaintext, _, err := h.keys.Issue(r.Context(), "", &robot.ID, auth.RoleOperator)
	if err != nil {
		h.logger.Error("failed to issue robot api key", zap.String("robot_id", robot.ID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, registerRobotResponse{ID: robot.ID.String(), APIKey: plaintext})
}
