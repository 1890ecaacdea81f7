package admin

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/orchestratord/core/internal/store"
)

// parseUUID reads the named chi URL parameter and parses it as a UUID,
// writing a 400 response and returning ok=false on failure so callers can
// early-return.
func parseUUID(w http.ResponseWriter, r *http.Request, name string) (id uuid.UUID, ok bool) {
	raw := chi.URLParam(r, name)
	parsed, err := uuid.Parse(raw)
	if err != nil {
		ErrBadRequest(w, "invalid "+name+": must be a valid UUID")
		return uuid.Nil, false
	}
	return parsed, true
}

// parseUUIDString parses a raw UUID string (from a query parameter or JSON
// body field rather than a chi URL parameter), writing a 400 response and
// returning ok=false on failure.
func parseUUIDString(w http.ResponseWriter, field, raw string) (uuid.UUID, bool) {
	parsed, err := uuid.Parse(raw)
	if err != nil {
		ErrBadRequest(w, "invalid "+field+": must be a valid UUID")
		return uuid.Nil, false
	}
	return parsed, true
}

// paginationOpts reads limit/offset query parameters into a
// store.ListOptions, falling back to normalize's defaults for anything
// missing or malformed.
func paginationOpts(r *http.Request) store.ListOptions {
	var opts store.ListOptions
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Offset = n
		}
	}
	return opts
}
