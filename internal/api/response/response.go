package response

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 200
)

type envelope struct {
	Data any `json:"data"`
}

type collectionEnvelope struct {
	Data any            `json:"data"`
	Meta PaginationMeta `json:"meta"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// PaginationMeta describes one page of a Collection.
type PaginationMeta struct {
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	Total   int  `json:"total"`
	HasNext bool `json:"has_next"`
}

func JSON(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Data: data})
}

func Created(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusCreated, envelope{Data: data})
}

func Accepted(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusAccepted, envelope{Data: data})
}

func Collection(w http.ResponseWriter, data any, meta PaginationMeta) {
	writeJSON(w, http.StatusOK, collectionEnvelope{Data: data, Meta: meta})
}

func Error(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{
		Code:    code,
		Message: message,
		Details: details,
	}})
}

// ParsePage reads ?page= and ?limit=, defaulting to page 1 of
// DefaultPageLimit items. limit is capped at MaxPageLimit.
func ParsePage(r *http.Request) (page, limit int, err error) {
	page, limit = 1, DefaultPageLimit
	q := r.URL.Query()
	if raw := q.Get("page"); raw != "" {
		if page, err = strconv.Atoi(raw); err != nil || page < 1 {
			return 0, 0, fmt.Errorf("page must be a positive integer, got %q", raw)
		}
	}
	if raw := q.Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 1 {
			return 0, 0, fmt.Errorf("limit must be a positive integer, got %q", raw)
		}
	}
	return page, min(limit, MaxPageLimit), nil
}

// Paginate slices items to the requested page. A page past the end is empty.
func Paginate[T any](items []T, page, limit int) ([]T, PaginationMeta) {
	total := len(items)
	start := min((page-1)*limit, total)
	end := min(start+limit, total)
	return items[start:end], PaginationMeta{
		Page:    page,
		Limit:   limit,
		Total:   total,
		HasNext: total > page*limit,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
