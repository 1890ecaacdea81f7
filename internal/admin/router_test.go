package admin_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/orchestratord/core/internal/admin"
	"github.com/orchestratord/core/internal/auth"
	"github.com/orchestratord/core/internal/db"
	"github.com/orchestratord/core/internal/queue"
	"github.com/orchestratord/core/internal/registry"
	"github.com/orchestratord/core/internal/scheduler"
	"github.com/orchestratord/core/internal/store"
	"github.com/orchestratord/core/internal/transport"
)

func newAdminTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("test-%d.db", time.Now().UnixNano()))
	conn, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      dsn,
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	return conn
}

type adminHarness struct {
	handler http.Handler
	authSvc *auth.Service
	apiKeys *auth.APIKeyManager
	queue   *queue.Manager
}

func newAdminHarness(t *testing.T) *adminHarness {
	t.Helper()
	conn := newAdminTestDB(t)
	log := zap.NewNop()

	jwtMgr, err := auth.NewJWTManagerGenerated("orchestratord")
	require.NoError(t, err)
	apiKeys := auth.NewAPIKeyManager(store.NewAPIKeyRepository(conn))
	authSvc := auth.NewService(jwtMgr, apiKeys)

	qm := queue.New(conn, queue.DefaultConfig(), false, log, nil)
	reg := registry.New(conn, registry.DefaultConfig(), log)
	sched, err := scheduler.New(conn, qm, scheduler.DefaultConfig(), false, log, nil)
	require.NoError(t, err)

	handler := admin.NewRouter(admin.RouterConfig{
		AuthService: authSvc,
		APIKeys:     apiKeys,
		Queue:       qm,
		Registry:    reg,
		Scheduler:   sched,
		Hub:         transport.NewHub(),
		Logger:      log,
		Jobs:        store.NewJobRepository(conn),
		Robots:      store.NewRobotRepository(conn),
		Schedules:   store.NewScheduleRepository(conn),
		DLQ:         store.NewDLQRepository(conn),
		APIKeyLog:   store.NewAPIKeyRepository(conn),
	})

	return &adminHarness{handler: handler, authSvc: authSvc, apiKeys: apiKeys, queue: qm}
}

func (h *adminHarness) do(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *adminHarness) tokenFor(t *testing.T, role auth.Role) string {
	t.Helper()
	token, err := h.authSvc.IssueOperatorSession("user-1", role)
	require.NoError(t, err)
	return token
}

func TestRouterRejectsUnauthenticatedRequest(t *testing.T) {
	t.Parallel()
	h := newAdminHarness(t)

	rec := h.do(t, http.MethodGet, "/api/v1/jobs", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRouterEnqueueAndGetJob(t *testing.T) {
	t.Parallel()
	h := newAdminHarness(t)
	token := h.tokenFor(t, auth.RoleDeveloper)

	workflowID := "11111111-1111-1111-1111-111111111111"
	rec := h.do(t, http.MethodPost, "/api/v1/jobs", token, map[string]any{
		"workflow_id": workflowID,
		"priority":    5,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.Data.ID)

	rec = h.do(t, http.MethodGet, "/api/v1/jobs/"+created.Data.ID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		Data struct {
			Status     string `json:"status"`
			WorkflowID string `json:"workflow_id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, db.JobStatusPending, got.Data.Status)
}

func TestRouterViewerCannotWriteJobs(t *testing.T) {
	t.Parallel()
	h := newAdminHarness(t)
	token := h.tokenFor(t, auth.RoleViewer)

	rec := h.do(t, http.MethodPost, "/api/v1/jobs", token, map[string]any{
		"workflow_id": "11111111-1111-1111-1111-111111111111",
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRouterViewerCanReadJobs(t *testing.T) {
	t.Parallel()
	h := newAdminHarness(t)
	token := h.tokenFor(t, auth.RoleViewer)

	rec := h.do(t, http.MethodGet, "/api/v1/jobs", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRouterOnlyAdminCanIssueAPIKeys(t *testing.T) {
	t.Parallel()
	h := newAdminHarness(t)

	operatorToken := h.tokenFor(t, auth.RoleOperator)
	rec := h.do(t, http.MethodPost, "/api/v1/api-keys", operatorToken, map[string]any{
		"role": "operator",
	})
	require.Equal(t, http.StatusForbidden, rec.Code)

	adminToken := h.tokenFor(t, auth.RoleAdmin)
	rec = h.do(t, http.MethodPost, "/api/v1/api-keys", adminToken, map[string]any{
		"role": "operator",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestRouterAPIKeyCredentialAuthenticates(t *testing.T) {
	t.Parallel()
	h := newAdminHarness(t)

	plaintext, _, err := h.apiKeys.Issue(context.Background(), "tenant-a", nil, auth.RoleOperator)
	require.NoError(t, err)

	rec := h.do(t, http.MethodGet, "/api/v1/jobs", plaintext, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRouterRegisterRobotIssuesAPIKey(t *testing.T) {
	t.Parallel()
	h := newAdminHarness(t)
	token := h.tokenFor(t, auth.RoleOperator)

	rec := h.do(t, http.MethodPost, "/api/v1/robots", token, map[string]any{
		"name":                "robot-1",
		"hostname":            "host-1",
		"max_concurrent_jobs": 2,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var got struct {
		Data struct {
			ID     string `json:"id"`
			APIKey string `json:"api_key"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.NotEmpty(t, got.Data.ID)
	require.NotEmpty(t, got.Data.APIKey)
}
