package admin

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/orchestratord/core/internal/db"
	"github.com/orchestratord/core/internal/scheduler"
	"github.com/orchestratord/core/internal/store"
)

// ScheduleHandler groups the schedule-related HTTP handlers. Tick-time
// mutation (advancing next_run) belongs to internal/scheduler.Scheduler per
// §3's ownership rule; this handler reads through
// store.ScheduleRepository and delegates admin-initiated mutations
// (create, enable/disable, delete, run-now) to the Scheduler itself so
// next_run arithmetic is never duplicated here.
type ScheduleHandler struct {
	repo      store.ScheduleRepository
	scheduler *scheduler.Scheduler
	logger    *zap.Logger
}

// NewScheduleHandler creates a new ScheduleHandler.
func NewScheduleHandler(repo store.ScheduleRepository, s *scheduler.Scheduler, logger *zap.Logger) *ScheduleHandler {
	return &ScheduleHandler{repo: repo, scheduler: s, logger: logger.Named("schedule_handler")}
}

type scheduleResponse struct {
	ID             string  `json:"id"`
	WorkflowID     string  `json:"workflow_id"`
	CronExpression string  `json:"cron_expression"`
	Timezone       string  `json:"timezone"`
	Enabled        bool    `json:"enabled"`
	Priority       int     `json:"priority"`
	LastRun        *string `json:"last_run,omitempty"`
	NextRun        string  `json:"next_run"`
	RunCount       int     `json:"run_count"`
	FailureCount   int     `json:"failure_count"`
}

func scheduleToResponse(s *db.Schedule) scheduleResponse {
	resp := scheduleResponse{
		ID:             s.ID.String(),
		WorkflowID:     s.WorkflowID.String(),
		CronExpression: s.CronExpression,
		Timezone:       s.Timezone,
		Enabled:        s.Enabled,
		Priority:       s.Priority,
		NextRun:        s.NextRun.UTC().Format(timeLayout),
		RunCount:       s.RunCount,
		FailureCount:   s.FailureCount,
	}
	if s.LastRun != nil {
		v := s.LastRun.UTC().Format(timeLayout)
		resp.LastRun = &v
	}
	return resp
}

type listSchedulesResponse struct {
	Items []scheduleResponse `json:"items"`
	Total int64              `json:"total"`
}

// List handles GET /api/v1/schedules.
func (h *ScheduleHandler) List(w http.ResponseWriter, r *http.Request) {
	schedules, total, err := h.repo.List(r.Context(), paginationOpts(r))
	if err != nil {
		h.logger.Error("failed to list schedules", zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]scheduleResponse, len(schedules))
	for i := range schedules {
		items[i] = scheduleToResponse(&schedules[i])
	}
	Ok(w, listSchedulesResponse{Items: items, Total: total})
}

// GetByID handles GET /api/v1/schedules/{id}.
func (h *ScheduleHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	s, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get schedule", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, scheduleToResponse(s))
}

type createScheduleRequest struct {
	WorkflowID     string     `json:"workflow_id"`
	CronExpression string     `json:"cron_expression"`
	Timezone       string     `json:"timezone"`
	Priority       int        `json:"priority"`
	Inputs         db.JSONMap `json:"inputs"`
}

// Create handles POST /api/v1/schedules (create_schedule, §6).
func (h *ScheduleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	workflowID, ok := parseUUIDString(w, "workflow_id", req.WorkflowID)
	if !ok {
		return
	}

	s := &db.Schedule{
		WorkflowID:     workflowID,
		CronExpression: req.CronExpression,
		Timezone:       req.Timezone,
		Priority:       req.Priority,
		Inputs:         req.Inputs,
	}
	if err := h.scheduler.Create(r.Context(), s); err != nil {
		h.logger.Warn("failed to create schedule", zap.Error(err))
		ErrUnprocessable(w, err.Error())
		return
	}
	Created(w, scheduleToResponse(s))
}

type toggleScheduleRequest struct {
	Enabled bool `json:"enabled"`
}

// Toggle handles PATCH /api/v1/schedules/{id}/enabled (toggle_schedule, §6).
func (h *ScheduleHandler) Toggle(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	var req toggleScheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.scheduler.SetEnabled(r.Context(), id, req.Enabled); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to toggle schedule", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

// Delete handles DELETE /api/v1/schedules/{id}.
func (h *ScheduleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.scheduler.Delete(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to delete schedule", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

// RunNow handles POST /api/v1/schedules/{id}/run-now (run_schedule_now, §6).
func (h *ScheduleHandler) RunNow(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	jobID, err := h.scheduler.RunNow(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to run schedule now", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, map[string]string{"job_id": jobID.String()})
}
