package admin

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/orchestratord/core/internal/auth"
)

// contextKey is an unexported type for context keys defined in this package,
// preventing collisions with keys defined elsewhere.
type contextKey int

const contextKeyPrincipal contextKey = iota

// Authenticate validates the bearer credential on every request: a JWT
// (3 dot-separated segments, an operator session) or an API key (2
// dot-separated segments, "prefix.secret") per §6. On success the resolved
// Principal is stored in the request context for RequirePermission and
// handlers to read via principalFromCtx.
func Authenticate(svc *auth.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				ErrUnauthorized(w)
				return
			}
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				ErrUnauthorized(w)
				return
			}
			raw := parts[1]

			var principal *auth.Principal
			var err error
			if strings.Count(raw, ".") == 2 {
				principal, err = svc.AuthenticateJWT(raw)
			} else {
				principal, err = svc.AuthenticateAPIKey(r.Context(), raw)
			}
			if err != nil {
				ErrUnauthorized(w)
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyPrincipal, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequirePermission returns a middleware that allows the request to proceed
// only if the authenticated principal's role may perform action on
// resource, per internal/auth's RBAC matrix (§6). Must run after
// Authenticate.
func RequirePermission(resource auth.Resource, action auth.Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := principalFromCtx(r.Context())
			if p == nil {
				// Should never happen if Authenticate runs first.
				ErrUnauthorized(w)
				return
			}
			if !auth.Allowed(p.Role, resource, action) {
				ErrForbidden(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger returns a Chi-compatible middleware that logs each request
// with method, path, status and latency, mirroring the reference daemon's
// request-logging idiom.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// principalFromCtx retrieves the Principal stored by Authenticate. Returns
// nil if no principal is present (unauthenticated request).
func principalFromCtx(ctx context.Context) *auth.Principal {
	p, _ := ctx.Value(contextKeyPrincipal).(*auth.Principal)
	return p
}
