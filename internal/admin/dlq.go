package admin

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/orchestratord/core/internal/db"
	"github.com/orchestratord/core/internal/queue"
	"github.com/orchestratord/core/internal/store"
)

// DLQHandler groups the dead-letter-queue HTTP handlers. DLQEntry creation
// belongs to internal/queue.Manager.Fail per §3's ownership rule; this
// handler reads through store.DLQRepository and delegates retry to the
// Queue so a retried entry re-enters the ordinary job lifecycle rather than
// being special-cased here.
type DLQHandler struct {
	repo   store.DLQRepository
	queue  *queue.Manager
	logger *zap.Logger
}

// NewDLQHandler creates a new DLQHandler.
func NewDLQHandler(repo store.DLQRepository, q *queue.Manager, logger *zap.Logger) *DLQHandler {
	return &DLQHandler{repo: repo, queue: q, logger: logger.Named("dlq_handler")}
}

type dlqEntryResponse struct {
	ID           string `json:"id"`
	JobID        string `json:"job_id"`
	WorkflowID   string `json:"workflow_id"`
	ErrorMessage string `json:"error_message"`
	ErrorCode    string `json:"error_code,omitempty"`
	RetryCount   int    `json:"retry_count"`
	FailedAt     string `json:"failed_at"`
}

func dlqEntryToResponse(e *db.DLQEntry) dlqEntryResponse {
	return dlqEntryResponse{
		ID:           e.ID.String(),
		JobID:        e.JobID.String(),
		WorkflowID:   e.WorkflowID.String(),
		ErrorMessage: e.ErrorMessage,
		ErrorCode:    e.ErrorCode,
		RetryCount:   e.RetryCount,
		FailedAt:     e.FailedAt.UTC().Format(timeLayout),
	}
}

type listDLQResponse struct {
	Items []dlqEntryResponse `json:"items"`
	Total int64              `json:"total"`
}

// List handles GET /api/v1/dlq.
func (h *DLQHandler) List(w http.ResponseWriter, r *http.Request) {
	entries, total, err := h.repo.List(r.Context(), paginationOpts(r))
	if err != nil {
		h.logger.Error("failed to list dlq entries", zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]dlqEntryResponse, len(entries))
	for i := range entries {
		items[i] = dlqEntryToResponse(&entries[i])
	}
	Ok(w, listDLQResponse{Items: items, Total: total})
}

// Retry handles POST /api/v1/dlq/{id}/retry (retry_dlq_entry, §6).
func (h *DLQHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	jobID, err := h.queue.DLQRetry(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to retry dlq entry", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, map[string]string{"job_id": jobID.String()})
}

// Purge handles DELETE /api/v1/dlq/{id} (purge_dlq_entry, §6).
func (h *DLQHandler) Purge(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.repo.Delete(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to purge dlq entry", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}
