package admin

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/orchestratord/core/internal/db"
	"github.com/orchestratord/core/internal/queue"
	"github.com/orchestratord/core/internal/store"
	"github.com/orchestratord/core/internal/transport"
)

// JobHandler groups the job-related HTTP handlers. Most Job fields are
// written exclusively by internal/queue.Manager and internal/dispatcher per
// §3's ownership rule; this handler only reads, plus the two operator
// actions (enqueue, cancel) that queue.Manager itself exposes. Cancel also
// reaches into internal/transport.Hub directly to deliver the CANCEL wire
// signal — Hub is advisory session state, not something queue.Manager owns.
type JobHandler struct {
	repo   store.JobRepository
	queue  *queue.Manager
	hub    *transport.Hub
	logger *zap.Logger
}

// NewJobHandler creates a new JobHandler.
func NewJobHandler(repo store.JobRepository, q *queue.Manager, hub *transport.Hub, logger *zap.Logger) *JobHandler {
	return &JobHandler{repo: repo, queue: q, hub: hub, logger: logger.Named("job_handler")}
}

type jobResponse struct {
	ID                   string   `json:"id"`
	WorkflowID           string   `json:"workflow_id"`
	Status               string   `json:"status"`
	Priority             int      `json:"priority"`
	RetryCount           int      `json:"retry_count"`
	MaxRetries           int      `json:"max_retries"`
	Progress             int      `json:"progress"`
	Error                string   `json:"error,omitempty"`
	ClaimedBy            *string  `json:"claimed_by,omitempty"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	StartedAt            *string  `json:"started_at,omitempty"`
	CompletedAt          *string  `json:"completed_at,omitempty"`
	CreatedAt            string   `json:"created_at"`
}

const timeLayout = "2006-01-02T15:04:05Z07:00"

func jobToResponse(j *db.Job) jobResponse {
	resp := jobResponse{
		ID:                   j.ID.String(),
		WorkflowID:           j.WorkflowID.String(),
		Status:               j.Status,
		Priority:             j.Priority,
		RetryCount:           j.RetryCount,
		MaxRetries:           j.MaxRetries,
		Progress:             j.Progress,
		Error:                j.Error,
		RequiredCapabilities: []string(j.RequiredCapabilities),
		CreatedAt:            j.CreatedAt.UTC().Format(timeLayout),
	}
	if j.ClaimedBy != nil {
		s := j.ClaimedBy.String()
		resp.ClaimedBy = &s
	}
	if j.StartedAt != nil {
		s := j.StartedAt.UTC().Format(timeLayout)
		resp.StartedAt = &s
	}
	if j.CompletedAt != nil {
		s := j.CompletedAt.UTC().Format(timeLayout)
		resp.CompletedAt = &s
	}
	return resp
}

type listJobsResponse struct {
	Items []jobResponse `json:"items"`
	Total int64         `json:"total"`
}

// List handles GET /api/v1/jobs, optionally filtered by workflow_id or
// status query parameters.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)

	if raw := r.URL.Query().Get("workflow_id"); raw != "" {
		id, ok := parseUUIDString(w, "workflow_id", raw)
		if !ok {
			return
		}
		jobs, total, err := h.repo.ListByWorkflow(r.Context(), id, opts)
		if err != nil {
			h.logger.Error("failed to list jobs by workflow", zap.Error(err))
			ErrInternal(w)
			return
		}
		h.writeList(w, jobs, total)
		return
	}

	if status := r.URL.Query().Get("status"); status != "" {
		jobs, total, err := h.repo.ListByStatus(r.Context(), status, opts)
		if err != nil {
			h.logger.Error("failed to list jobs by status", zap.Error(err))
			ErrInternal(w)
			return
		}
		h.writeList(w, jobs, total)
		return
	}

	jobs, total, err := h.repo.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list jobs", zap.Error(err))
		ErrInternal(w)
		return
	}
	h.writeList(w, jobs, total)
}

// GetByID handles GET /api/v1/jobs/{id}.
func (h *JobHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	job, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get job", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, jobToResponse(job))
}

// GetHistory handles GET /api/v1/jobs/{id}/history.
func (h *JobHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	history, err := h.repo.History(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get job history", zap.String("job_id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, history)
}

type enqueueJobRequest struct {
	WorkflowID           string     `json:"workflow_id"`
	Priority             int        `json:"priority"`
	Inputs               db.JSONMap `json:"inputs"`
	MaxRetries           int        `json:"max_retries"`
	IdempotencyKey       string     `json:"idempotency_key"`
	RequiredCapabilities []string   `json:"required_capabilities,omitempty"`
}

// Enqueue handles POST /api/v1/jobs (enqueue_job, §6).
func (h *JobHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	workflowID, ok := parseUUIDString(w, "workflow_id", req.WorkflowID)
	if !ok {
		return
	}

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	jobID, err := h.queue.Enqueue(r.Context(), &db.Job{
		WorkflowID:           workflowID,
		Priority:             req.Priority,
		Inputs:               req.Inputs,
		MaxRetries:           maxRetries,
		IdempotencyKey:       req.IdempotencyKey,
		RequiredCapabilities: db.StringSet(req.RequiredCapabilities),
	})
	if err != nil {
		h.logger.Error("failed to enqueue job", zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, map[string]string{"id": jobID.String()})
}

type cancelJobRequest struct {
	Reason string `json:"reason"`
}

// Cancel handles POST /api/v1/jobs/{id}/cancel (cancel_job, §6). A pending
// job is cancelled immediately by queue.RequestCancel; a claimed/running
// job additionally gets a CANCEL frame pushed to the owning robot so it can
// stop cooperatively (§4.3) — the robot is expected to ack with CANCELLED
// within the configured grace period, after which the sweeper reclaims the
// job as cancelled regardless.
func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	var req cancelJobRequest
	_ = json.NewDecoder(r.Body).Decode(&req) // reason is optional; ignore a missing/empty body

	job, err := h.queue.RequestCancel(r.Context(), id, req.Reason)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to request cancel", zap.String("job_id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	if job != nil && job.ClaimedBy != nil && (job.Status == db.JobStatusClaimed || job.Status == db.JobStatusRunning) {
		if err := h.hub.CancelJob(*job.ClaimedBy, job.ID, req.Reason); err != nil {
			h.logger.Warn("failed to deliver cancel signal, relying on grace-period reclaim",
				zap.String("job_id", id.String()), zap.String("robot_id", job.ClaimedBy.String()), zap.Error(err))
		}
	}
	NoContent(w)
}

func (h *JobHandler) writeList(w http.ResponseWriter, jobs []db.Job, total int64) {
	items := make([]jobResponse, len(jobs))
	for i := range jobs {
		items[i] = jobToResponse(&jobs[i])
	}
	Ok(w, listJobsResponse{Items: items, Total: total})
}
