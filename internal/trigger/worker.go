package trigger

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/prophecy/internal/api/response"
	"github.com/kiranshivaraju/prophecy/pkg/models"
)

const (
	maxTaskBytes      = 16 << 20
	callbackAttempts  = 3
	callbackRetryBase = 500 * time.Millisecond
)

// TokenVerifier resolves a trigger token to the caller it authorizes.
type TokenVerifier interface {
	Verify(raw string) (models.Caller, error)
}

// Worker is the HTTP face of a standalone compute process. It accepts
// tasks, computes them in the background and posts the outcome back.
type Worker struct {
	engine          models.Forecaster
	verifier        TokenVerifier
	timeout         time.Duration
	callbackTimeout time.Duration
	client          *http.Client
	retryBase       time.Duration

	wg sync.WaitGroup
}

// NewWorker creates a Worker.
func NewWorker(engine models.Forecaster, verifier TokenVerifier, timeout, callbackTimeout time.Duration) *Worker {
	return &Worker{
		engine:          engine,
		verifier:        verifier,
		timeout:         timeout,
		callbackTimeout: callbackTimeout,
		client:          &http.Client{},
		retryBase:       callbackRetryBase,
	}
}

// Routes returns the worker's HTTP handler.
func (w *Worker) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(rw http.ResponseWriter, _ *http.Request) {
		response.JSON(rw, map[string]string{"status": "ok", "engine": w.engine.Name()})
	})
	r.Post(tasksPath, w.HandleTask)
	return r
}

// HandleTask handles POST /tasks.
func (w *Worker) HandleTask(rw http.ResponseWriter, r *http.Request) {
	raw := bearerToken(r)
	if raw == "" {
		response.Error(rw, http.StatusUnauthorized, "INVALID_TOKEN", "Missing trigger token", nil)
		return
	}
	caller, err := w.verifier.Verify(raw)
	if err != nil {
		response.Error(rw, http.StatusUnauthorized, "INVALID_TOKEN", "Invalid trigger token", nil)
		return
	}

	var task Task
	if err := json.NewDecoder(http.MaxBytesReader(rw, r.Body, maxTaskBytes)).Decode(&task); err != nil {
		response.Error(rw, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return
	}
	if strings.TrimSpace(task.Question) == "" {
		response.Error(rw, http.StatusBadRequest, "INVALID_REQUEST", "question is required", nil)
		return
	}
	if !strings.HasPrefix(task.CallbackURL, "http://") && !strings.HasPrefix(task.CallbackURL, "https://") {
		response.Error(rw, http.StatusBadRequest, "INVALID_REQUEST", "callbackUrl must be an http(s) URL", nil)
		return
	}
	if !caller.CanAccess(task.OwnerID, task.PredictionID) {
		response.Error(rw, http.StatusForbidden, "FORBIDDEN", "Token does not cover this prediction", nil)
		return
	}
	task.Token = raw

	w.wg.Add(1)
	go w.process(task)

	response.Accepted(rw, map[string]uuid.UUID{"predictionId": task.PredictionID})
}

// Wait blocks until every accepted task has been reported.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) process(task Task) {
	defer w.wg.Done()

	report := Run(w.engine, w.timeout, task)
	payload := models.CallbackPayload{PredictionID: task.PredictionID, Outcome: report.Outcome}
	if !report.Succeeded() {
		payload.Error = &report.Error
	}

	for attempt := 1; attempt <= callbackAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), w.callbackTimeout)
		retry, err := PostCallback(ctx, w.client, task.CallbackURL, task.Token, payload)
		cancel()
		if err == nil {
			slog.Info("outcome reported", "prediction_id", task.PredictionID, "succeeded", report.Succeeded())
			return
		}
		slog.Warn("callback failed", "error", err, "prediction_id", task.PredictionID, "attempt", attempt)
		if !retry {
			return
		}
		time.Sleep(w.retryBase * time.Duration(attempt))
	}
	slog.Error("giving up on callback", "prediction_id", task.PredictionID)
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
