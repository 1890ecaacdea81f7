package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/orchestratord/core/internal/auth"
	"github.com/orchestratord/core/internal/queue"
	"github.com/orchestratord/core/internal/registry"
	"github.com/orchestratord/core/internal/scheduler"
	"github.com/orchestratord/core/internal/store"
	"github.com/orchestratord/core/internal/transport"
)

// RouterConfig holds all dependencies needed to build the HTTP router. It is
// populated in main.go after all components are initialized and passed to
// NewRouter as a single struct to keep the constructor signature manageable
// as the number of dependencies grows.
type RouterConfig struct {
	AuthService *auth.Service
	APIKeys     *auth.APIKeyManager
	Queue       *queue.Manager
	Registry    *registry.Manager
	Scheduler   *scheduler.Scheduler
	Hub         *transport.Hub
	Logger      *zap.Logger

	Jobs      store.JobRepository
	Robots    store.RobotRepository
	Schedules store.ScheduleRepository
	DLQ       store.DLQRepository
	APIKeyLog store.APIKeyRepository
}

// NewRouter builds and returns the fully configured Chi router. All routes
// are registered under /api/v1, JWT- or API-key-authenticated, and
// RBAC-gated per §6's {admin, developer, operator, viewer} role matrix.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// RequestID generates a unique ID for each request, used in logs and
	// response headers for tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy.
	r.Use(middleware.RealIP)

	// RequestLogger logs every request with method, path, status and latency.
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	jobHandler := NewJobHandler(cfg.Jobs, cfg.Queue, cfg.Hub, cfg.Logger)
	robotHandler := NewRobotHandler(cfg.Robots, cfg.Registry, cfg.APIKeys, cfg.Logger)
	scheduleHandler := NewScheduleHandler(cfg.Schedules, cfg.Scheduler, cfg.Logger)
	dlqHandler := NewDLQHandler(cfg.DLQ, cfg.Queue, cfg.Logger)
	apiKeyHandler := NewAPIKeyHandler(cfg.APIKeyLog, cfg.APIKeys, cfg.Logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(Authenticate(cfg.AuthService))

		// Jobs
		r.Group(func(r chi.Router) {
			r.With(RequirePermission(auth.ResourceJob, auth.ActionRead)).Get("/jobs", jobHandler.List)
			r.With(RequirePermission(auth.ResourceJob, auth.ActionRead)).Get("/jobs/{id}", jobHandler.GetByID)
			r.With(RequirePermission(auth.ResourceJob, auth.ActionRead)).Get("/jobs/{id}/history", jobHandler.GetHistory)
			r.With(RequirePermission(auth.ResourceJob, auth.ActionWrite)).Post("/jobs", jobHandler.Enqueue)
			r.With(RequirePermission(auth.ResourceJob, auth.ActionWrite)).Post("/jobs/{id}/cancel", jobHandler.Cancel)
		})

		// Robots
		r.Group(func(r chi.Router) {
			r.With(RequirePermission(auth.ResourceRobot, auth.ActionRead)).Get("/robots", robotHandler.List)
			r.With(RequirePermission(auth.ResourceRobot, auth.ActionRead)).Get("/robots/{id}", robotHandler.GetByID)
			r.With(RequirePermission(auth.ResourceRobot, auth.ActionWrite)).Post("/robots", robotHandler.Register)
		})

		// Schedules
		r.Group(func(r chi.Router) {
			r.With(RequirePermission(auth.ResourceSchedule, auth.ActionRead)).Get("/schedules", scheduleHandler.List)
			r.With(RequirePermission(auth.ResourceSchedule, auth.ActionRead)).Get("/schedules/{id}", scheduleHandler.GetByID)
			r.With(RequirePermission(auth.ResourceSchedule, auth.ActionWrite)).Post("/schedules", scheduleHandler.Create)
			r.With(RequirePermission(auth.ResourceSchedule, auth.ActionWrite)).Patch("/schedules/{id}/enabled", scheduleHandler.Toggle)
			r.With(RequirePermission(auth.ResourceSchedule, auth.ActionWrite)).Delete("/schedules/{id}", scheduleHandler.Delete)
			r.With(RequirePermission(auth.ResourceSchedule, auth.ActionWrite)).Post("/schedules/{id}/run-now", scheduleHandler.RunNow)
		})

		// DLQ — retry/purge are job-adjacent write operations, gated on
		// ResourceJob rather than a separate resource since §6 has no
		// standalone "dlq" entry in its role table.
		r.Group(func(r chi.Router) {
			r.With(RequirePermission(auth.ResourceJob, auth.ActionRead)).Get("/dlq", dlqHandler.List)
			r.With(RequirePermission(auth.ResourceJob, auth.ActionWrite)).Post("/dlq/{id}/retry", dlqHandler.Retry)
			r.With(RequirePermission(auth.ResourceJob, auth.ActionWrite)).Delete("/dlq/{id}", dlqHandler.Purge)
		})

		// API keys — ResourceCredential, which only RoleAdmin may touch.
		r.Group(func(r chi.Router) {
			r.With(RequirePermission(auth.ResourceCredential, auth.ActionRead)).Get("/api-keys", apiKeyHandler.List)
			r.With(RequirePermission(auth.ResourceCredential, auth.ActionWrite)).Post("/api-keys", apiKeyHandler.Issue)
			r.With(RequirePermission(auth.ResourceCredential, auth.ActionWrite)).Post("/api-keys/{id}/rotate", apiKeyHandler.Rotate)
			r.With(RequirePermission(auth.ResourceCredential, auth.ActionWrite)).Delete("/api-keys/{id}", apiKeyHandler.Revoke)
		})
	})

	return r
}
