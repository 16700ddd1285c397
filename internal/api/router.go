package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/starford/munin/internal/memoryservice"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(svc *memoryservice.Service, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(svc)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Records.
	r.Post("/records", h.CaptureRecord)
	r.Get("/records/{namespace}/{anchor}", h.GetRecords)

	// Search.
	r.Get("/search", h.Search)

	// Replication and index maintenance.
	r.Post("/sync", h.Sync)
	r.Post("/reindex", h.Reindex)

	// Introspection.
	r.Get("/status", h.Status)
	r.Get("/namespaces", h.Namespaces)

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
