package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/prophecy/internal/api/response"
	"github.com/kiranshivaraju/prophecy/internal/lifecycle"
)

// writeLifecycleError maps a lifecycle error to its HTTP response.
func writeLifecycleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrValidation):
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
	case errors.Is(err, lifecycle.ErrUnauthorized):
		response.Error(w, http.StatusForbidden, "FORBIDDEN", "Not allowed to access this owner's predictions", nil)
	case errors.Is(err, lifecycle.ErrNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Prediction not found", nil)
	case errors.Is(err, lifecycle.ErrDispatch):
		response.Error(w, http.StatusBadGateway, "DISPATCH_FAILED", "Could not start computation", nil)
	default:
		slog.Error("request failed", "error", err, "method", r.Method, "path", r.URL.Path)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}

// ownerParam returns the owner named by ?owner=, defaulting to fallback.
func ownerParam(r *http.Request, fallback uuid.UUID) (uuid.UUID, bool) {
	raw := r.URL.Query().Get("owner")
	if raw == "" {
		return fallback, true
	}
	id, err := uuid.Parse(raw)
	return id, err == nil
}

func idParam(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	return id, err == nil
}
