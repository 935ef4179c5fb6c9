package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/prophecy/internal/api/middleware"
	"github.com/kiranshivaraju/prophecy/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth        *mw.Auth
	TriggerAuth *mw.TriggerAuth
	RateLimit   *mw.RateLimit

	HealthHandler     http.HandlerFunc
	SubmitPrediction  http.HandlerFunc
	ListPredictions   http.HandlerFunc
	StreamPredictions http.HandlerFunc
	GetPrediction     http.HandlerFunc
	PredictionStatus  http.HandlerFunc
	PredictionFile    http.HandlerFunc
	ReportOutcome     http.HandlerFunc
	CreateKeyHandler  http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Compute callbacks carry a trigger token instead of an API key.
	r.Group(func(r chi.Router) {
		r.Use(deps.TriggerAuth.Authenticate)

		r.Post("/api/v1/predictions/{id}/outcome", orNotImplemented(deps.ReportOutcome))
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.With(deps.Auth.RequireScope("write")).
			Post("/api/v1/predictions", orNotImplemented(deps.SubmitPrediction))

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope("read"))

			r.Get("/api/v1/predictions", orNotImplemented(deps.ListPredictions))
			r.Get("/api/v1/predictions/stream", orNotImplemented(deps.StreamPredictions))
			r.Get("/api/v1/predictions/{id}", orNotImplemented(deps.GetPrediction))
			r.Get("/api/v1/predictions/{id}/status", orNotImplemented(deps.PredictionStatus))
			r.Get("/api/v1/predictions/{id}/file", orNotImplemented(deps.PredictionFile))
		})

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope("admin"))

			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
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
