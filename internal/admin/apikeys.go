package admin

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orchestratord/core/internal/auth"
	"github.com/orchestratord/core/internal/db"
	"github.com/orchestratord/core/internal/store"
)

// APIKeyHandler groups the API-key administration HTTP handlers. Issuance
// and revocation go exclusively through internal/auth.APIKeyManager so the
// plaintext secret is never handled outside it; this handler reads through
// store.APIKeyRepository for listing.
type APIKeyHandler struct {
	repo   store.APIKeyRepository
	keys   *auth.APIKeyManager
	logger *zap.Logger
}

// NewAPIKeyHandler creates a new APIKeyHandler.
func NewAPIKeyHandler(repo store.APIKeyRepository, keys *auth.APIKeyManager, logger *zap.Logger) *APIKeyHandler {
	return &APIKeyHandler{repo: repo, keys: keys, logger: logger.Named("apikey_handler")}
}

type apiKeyResponse struct {
	ID         string  `json:"id"`
	TenantID   string  `json:"tenant_id,omitempty"`
	RobotID    *string `json:"robot_id,omitempty"`
	Prefix     string  `json:"prefix"`
	Role       string  `json:"role"`
	Revoked    bool    `json:"revoked"`
	LastUsedAt *string `json:"last_used_at,omitempty"`
	CreatedAt  string  `json:"created_at"`
}

func apiKeyToResponse(k *db.APIKey) apiKeyResponse {
	resp := apiKeyResponse{
		ID:        k.ID.String(),
		TenantID:  k.TenantID,
		Prefix:    k.Prefix,
		Role:      k.Role,
		Revoked:   k.Revoked,
		CreatedAt: k.CreatedAt.UTC().Format(timeLayout),
	}
	if k.RobotID != nil {
		s := k.RobotID.String()
		resp.RobotID = &s
	}
	if k.LastUsedAt != nil {
		s := k.LastUsedAt.UTC().Format(timeLayout)
		resp.LastUsedAt = &s
	}
	return resp
}

type listAPIKeysResponse struct {
	Items []apiKeyResponse `json:"items"`
	Total int64            `json:"total"`
}

// List handles GET /api/v1/api-keys. Admin-only (ResourceCredential).
func (h *APIKeyHandler) List(w http.ResponseWriter, r *http.Request) {
	keys, total, err := h.repo.List(r.Context(), paginationOpts(r))
	if err != nil {
		h.logger.Error("failed to list api keys", zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]apiKeyResponse, len(keys))
	for i := range keys {
		items[i] = apiKeyToResponse(&keys[i])
	}
	Ok(w, listAPIKeysResponse{Items: items, Total: total})
}

type issueAPIKeyRequest struct {
	TenantID string  `json:"tenant_id"`
	RobotID  *string `json:"robot_id,omitempty"`
	Role     string  `json:"role"`
}

type issueAPIKeyResponse struct {
	ID     string `json:"id"`
	APIKey string `json:"api_key"`
}

// Issue handles POST /api/v1/api-keys (issue_api_key, §6). Admin-only.
func (h *APIKeyHandler) Issue(w http.ResponseWriter, r *http.Request) {
	var req issueAPIKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var robotID *uuid.UUID
	if req.RobotID != nil && *req.RobotID != "" {
		id, ok := parseUUIDString(w, "robot_id", *req.RobotID)
		if !ok {
			return
		}
		robotID = &id
	}

	plaintext, record, err := h.keys.Issue(r.Context(), req.TenantID, robotID, auth.Role(req.Role))
	if err != nil {
		h.logger.Error("failed to issue api key", zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, issueAPIKeyResponse{ID: record.ID.String(), APIKey: plaintext})
}

// Rotate handles POST /api/v1/api-keys/{id}/rotate (rotate_api_key, §6).
// Admin-only. Issues a replacement key bound to the same tenant/robot/role
// and revokes the old one.
func (h *APIKeyHandler) Rotate(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	old, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to look up api key to rotate", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	plaintext, record, err := h.keys.Rotate(r.Context(), old.ID, old.TenantID, old.RobotID, auth.Role(old.Role))
	if err != nil {
		h.logger.Error("failed to rotate api key", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, issueAPIKeyResponse{ID: record.ID.String(), APIKey: plaintext})
}

// Revoke handles DELETE /api/v1/api-keys/{id} (revoke_api_key, §6). Admin-only.
func (h *APIKeyHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.repo.Revoke(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to revoke api key", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}
