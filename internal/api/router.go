package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/nikhilbhat/credbroker/internal/api/middleware"
	"github.com/nikhilbhat/credbroker/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	SubmitJob http.HandlerFunc
	JobStatus http.HandlerFunc
	CancelJob http.HandlerFunc

	PoolStats  http.HandlerFunc
	QueueStats http.HandlerFunc

	AddCredential    http.HandlerFunc
	RemoveCredential http.HandlerFunc

	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/jobs", orNotImplemented(deps.SubmitJob))
		r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.JobStatus))
		r.Delete("/api/v1/jobs/{jobID}", orNotImplemented(deps.CancelJob))

		// Credential ingestion has its own scope so ingest-only keys cannot
		// administer the pool.
		r.With(deps.Auth.RequireScope("ingest")).
			Post("/api/v1/credentials", orNotImplemented(deps.AddCredential))

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope("admin"))

			r.Delete("/api/v1/credentials/{credentialID}", orNotImplemented(deps.RemoveCredential))

			r.Get("/api/v1/pool/stats", orNotImplemented(deps.PoolStats))
			r.Get("/api/v1/queue/stats", orNotImplemented(deps.QueueStats))

			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
