package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/prophecy/internal/api/middleware"
	"github.com/kiranshivaraju/prophecy/internal/api/response"
	"github.com/kiranshivaraju/prophecy/internal/intake"
	"github.com/kiranshivaraju/prophecy/internal/lifecycle"
	"github.com/kiranshivaraju/prophecy/internal/stream"
	"github.com/kiranshivaraju/prophecy/pkg/models"
)

const (
	defaultHeartbeat = 25 * time.Second
	maxOutcomeBytes  = 1 << 20
	bodyOverhead     = 64 << 10
)

// Lifecycle defines the prediction operations the handlers depend on.
type Lifecycle interface {
	Submit(ctx context.Context, caller models.Caller, req lifecycle.SubmitRequest) (*lifecycle.SubmitResult, error)
	Reconcile(ctx context.Context, caller models.Caller, id, owner uuid.UUID, report models.Report) (bool, error)
	List(ctx context.Context, caller models.Caller, owner uuid.UUID) ([]*models.Prediction, error)
	Get(ctx context.Context, caller models.Caller, id, owner uuid.UUID) (*models.Prediction, error)
	Status(ctx context.Context, caller models.Caller, id, owner uuid.UUID) (string, error)
	File(ctx context.Context, caller models.Caller, id, owner uuid.UUID) (*intake.File, error)
	Subscribe(ctx context.Context, caller models.Caller, owner uuid.UUID) (*stream.Subscription, error)
}

// PredictionHandler serves the /api/v1/predictions routes.
type PredictionHandler struct {
	svc          Lifecycle
	maxBodyBytes int64
	heartbeat    time.Duration

	closing   chan struct{}
	closeOnce sync.Once
}

// NewPredictionHandler creates a PredictionHandler. maxFileBytes bounds an
// attached file before base64 encoding.
func NewPredictionHandler(svc Lifecycle, maxFileBytes int64, heartbeat time.Duration) *PredictionHandler {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return &PredictionHandler{
		svc:          svc,
		maxBodyBytes: maxFileBytes/3*4 + bodyOverhead,
		heartbeat:    heartbeat,
		closing:      make(chan struct{}),
	}
}

// Close ends every open stream. Register it with http.Server.RegisterOnShutdown.
func (h *PredictionHandler) Close() {
	h.closeOnce.Do(func() { close(h.closing) })
}

type submitRequest struct {
	Owner    string      `json:"owner"`
	Question string      `json:"question"`
	File     *fileUpload `json:"file"`
}

type fileUpload struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Bytes       []byte `json:"bytes"`
}

type submitResponse struct {
	ID       uuid.UUID `json:"id"`
	Status   string    `json:"status"`
	Warnings []string  `json:"warnings,omitempty"`
}

// Submit handles POST /api/v1/predictions.
func (h *PredictionHandler) Submit(w http.ResponseWriter, r *http.Request) {
	caller, ok := mw.GetCaller(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
		return
	}

	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBodyBytes)).Decode(&req); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			response.Error(w, http.StatusRequestEntityTooLarge, "REQUEST_TOO_LARGE",
				fmt.Sprintf("Request body exceeds %d bytes", tooBig.Limit), nil)
			return
		}
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return
	}

	owner := caller.Owner
	if req.Owner != "" {
		id, err := uuid.Parse(req.Owner)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "owner must be a UUID", nil)
			return
		}
		owner = id
	}

	sub := lifecycle.SubmitRequest{Owner: owner, Question: req.Question}
	if req.File != nil {
		sub.File = &intake.Upload{Name: req.File.Name, ContentType: req.File.ContentType, Content: req.File.Bytes}
	}

	res, err := h.svc.Submit(r.Context(), caller, sub)
	if errors.Is(err, lifecycle.ErrDispatch) && res != nil {
		response.Error(w, http.StatusBadGateway, "DISPATCH_FAILED", "Could not start computation",
			submitResponse{ID: res.Prediction.ID, Status: res.Prediction.Status})
		return
	}
	if err != nil {
		writeLifecycleError(w, r, err)
		return
	}

	out := submitResponse{ID: res.Prediction.ID, Status: res.Prediction.Status}
	if res.UploadWarning != nil {
		out.Warnings = []string{res.UploadWarning.String()}
	}
	response.Accepted(w, out)
}

// List handles GET /api/v1/predictions, newest first, paged by ?page= and ?limit=.
func (h *PredictionHandler) List(w http.ResponseWriter, r *http.Request) {
	caller, owner, ok := h.scope(w, r)
	if !ok {
		return
	}
	page, limit, err := response.ParsePage(r)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		return
	}
	ps, err := h.svc.List(r.Context(), caller, owner)
	if err != nil {
		writeLifecycleError(w, r, err)
		return
	}
	if ps == nil {
		ps = []*models.Prediction{}
	}
	items, meta := response.Paginate(ps, page, limit)
	response.Collection(w, items, meta)
}

// Get handles GET /api/v1/predictions/{id}.
func (h *PredictionHandler) Get(w http.ResponseWriter, r *http.Request) {
	caller, owner, ok := h.scope(w, r)
	if !ok {
		return
	}
	id, ok := idParam(r)
	if !ok {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid prediction ID format", nil)
		return
	}
	p, err := h.svc.Get(r.Context(), caller, id, owner)
	if err != nil {
		writeLifecycleError(w, r, err)
		return
	}
	response.JSON(w, p)
}

// Status handles GET /api/v1/predictions/{id}/status.
func (h *PredictionHandler) Status(w http.ResponseWriter, r *http.Request) {
	caller, owner, ok := h.scope(w, r)
	if !ok {
		return
	}
	id, ok := idParam(r)
	if !ok {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid prediction ID format", nil)
		return
	}
	status, err := h.svc.Status(r.Context(), caller, id, owner)
	if err != nil {
		writeLifecycleError(w, r, err)
		return
	}
	response.JSON(w, map[string]string{"id": id.String(), "status": status})
}

// File handles GET /api/v1/predictions/{id}/file and returns the attachment
// as it was uploaded.
func (h *PredictionHandler) File(w http.ResponseWriter, r *http.Request) {
	caller, owner, ok := h.scope(w, r)
	if !ok {
		return
	}
	id, ok := idParam(r)
	if !ok {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid prediction ID format", nil)
		return
	}
	f, err := h.svc.File(r.Context(), caller, id, owner)
	if err != nil {
		writeLifecycleError(w, r, err)
		return
	}

	ct := f.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.Itoa(len(f.Content)))
	if disp := mime.FormatMediaType("attachment", map[string]string{"filename": f.Name}); disp != "" {
		w.Header().Set("Content-Disposition", disp)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(f.Content)
}

// Stream handles GET /api/v1/predictions/stream as Server-Sent Events.
func (h *PredictionHandler) Stream(w http.ResponseWriter, r *http.Request) {
	caller, owner, ok := h.scope(w, r)
	if !ok {
		return
	}
	sub, err := h.svc.Subscribe(r.Context(), caller, owner)
	if err != nil {
		writeLifecycleError(w, r, err)
		return
	}
	defer sub.Cancel()

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	if err := rc.Flush(); err != nil {
		return
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.closing:
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
		case ev, open := <-sub.Events():
			if !open {
				if errors.Is(sub.Err(), stream.ErrSlowConsumer) {
					writeEvent(w, "error", "", map[string]string{
						"code":    "SLOW_CONSUMER",
						"message": "Subscriber fell behind; reload and reconnect",
					})
					_ = rc.Flush()
				}
				return
			}
			writeEvent(w, ev.Type, ev.Prediction.ID.String(), ev.Prediction)
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, name, id string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	if id != "" {
		fmt.Fprintf(w, "id: %s\n", id)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, payload)
}

// Outcome handles POST /api/v1/predictions/{id}/outcome, the compute
// callback. The caller is the trigger token's scoped principal.
func (h *PredictionHandler) Outcome(w http.ResponseWriter, r *http.Request) {
	caller, ok := mw.GetCaller(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing trigger token", nil)
		return
	}
	id, ok := idParam(r)
	if !ok {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid prediction ID format", nil)
		return
	}

	var payload models.CallbackPayload
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxOutcomeBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&payload); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid callback body: "+err.Error(), nil)
		return
	}
	if payload.PredictionID != uuid.Nil && payload.PredictionID != id {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "predictionId does not match path", nil)
		return
	}
	report, err := payload.Report()
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		return
	}

	applied, err := h.svc.Reconcile(r.Context(), caller, id, caller.Owner, report)
	if err != nil {
		writeLifecycleError(w, r, err)
		return
	}
	response.JSON(w, map[string]any{"id": id.String(), "applied": applied})
}

// scope resolves the authenticated caller and the owner the request
// targets, writing an error response when either is missing.
func (h *PredictionHandler) scope(w http.ResponseWriter, r *http.Request) (models.Caller, uuid.UUID, bool) {
	caller, ok := mw.GetCaller(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
		return models.Caller{}, uuid.Nil, false
	}
	owner, ok := ownerParam(r, caller.Owner)
	if !ok {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "owner must be a UUID", nil)
		return models.Caller{}, uuid.Nil, false
	}
	return caller, owner, true
}
