// Package lifecycle drives a prediction from submission to its single
// terminal state and tells subscribers about every step.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/prophecy/internal/cache"
	"github.com/kiranshivaraju/prophecy/internal/intake"
	"github.com/kiranshivaraju/prophecy/internal/store"
	"github.com/kiranshivaraju/prophecy/internal/stream"
	"github.com/kiranshivaraju/prophecy/internal/trigger"
	"github.com/kiranshivaraju/prophecy/pkg/models"
)

// MaxQuestionBytes bounds the trimmed question text.
const MaxQuestionBytes = 2000

const (
	statusTTL        = 30 * time.Minute
	deadlineExceeded = "compute deadline exceeded"
)

// Publisher broadcasts change events to subscribers of the event's owner.
type Publisher interface {
	Publish(ctx context.Context, ev models.PredictionEvent) error
}

// TokenIssuer mints the token a compute run uses to report back.
type TokenIssuer interface {
	Issue(owner, predictionID uuid.UUID, ttl time.Duration) (string, error)
}

// Deps holds the collaborators of a Controller.
type Deps struct {
	Store      store.Store
	Intake     intake.Intake
	Cache      cache.Cache
	Dispatcher trigger.Dispatcher
	Tokens     TokenIssuer
	Publisher  Publisher
	Hub        *stream.Hub
	// PublicURL is the externally reachable base of the API, used to build
	// outcome callback URLs.
	PublicURL string
	// Deadline is how long a prediction may stay open before the sweep
	// fails it.
	Deadline time.Duration
}

// Controller implements the prediction lifecycle operations.
type Controller struct {
	store      store.Store
	intake     intake.Intake
	cache      cache.Cache
	dispatcher trigger.Dispatcher
	tokens     TokenIssuer
	publisher  Publisher
	hub        *stream.Hub
	publicURL  string
	deadline   time.Duration
	now        func() time.Time
}

// New creates a Controller.
func New(d Deps) *Controller {
	return &Controller{
		store:      d.Store,
		intake:     d.Intake,
		cache:      d.Cache,
		dispatcher: d.Dispatcher,
		tokens:     d.Tokens,
		publisher:  d.Publisher,
		hub:        d.Hub,
		publicURL:  strings.TrimRight(d.PublicURL, "/"),
		deadline:   d.Deadline,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SubmitRequest is a new question from an owner.
type SubmitRequest struct {
	Owner    uuid.UUID
	Question string
	File     *intake.Upload
}

// PartialUploadWarning records that a submission went ahead without its
// attached file.
type PartialUploadWarning struct {
	FileName string
	Reason   string
}

func (w PartialUploadWarning) String() string {
	return fmt.Sprintf("file %q was not stored: %s", w.FileName, w.Reason)
}

// SubmitResult is the created prediction plus any non-fatal warning.
type SubmitResult struct {
	Prediction    *models.Prediction
	UploadWarning *PartialUploadWarning
}

// Submit records a new prediction and dispatches its computation exactly
// once. If dispatch fails the prediction is marked failed and the error
// wraps ErrDispatch; the result is still returned.
func (c *Controller) Submit(ctx context.Context, caller models.Caller, req SubmitRequest) (*SubmitResult, error) {
	if !caller.CanAccess(req.Owner, uuid.Nil) {
		return nil, ErrUnauthorized
	}

	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, fmt.Errorf("%w: question is required", ErrValidation)
	}
	if len(question) > MaxQuestionBytes {
		return nil, fmt.Errorf("%w: question exceeds %d bytes", ErrValidation, MaxQuestionBytes)
	}

	now := c.now()
	p := &models.Prediction{
		ID:         uuid.New(),
		OwnerID:    req.Owner,
		Question:   question,
		Status:     models.StatusProcessing,
		DeadlineAt: now.Add(c.deadline),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	res := &SubmitResult{Prediction: p}

	var task trigger.Task
	if req.File != nil {
		ref, err := c.storeFile(ctx, req.Owner, *req.File)
		if err != nil {
			res.UploadWarning = &PartialUploadWarning{FileName: req.File.Name, Reason: err.Error()}
			slog.Warn("continuing without file", "error", err, "prediction_id", p.ID, "owner_id", req.Owner)
		} else {
			name := req.File.Name
			p.FileRef = &ref
			p.FileName = &name
			task.FileName = name
			task.FileContent = req.File.Content
		}
	}

	if err := c.store.CreatePrediction(ctx, p); err != nil {
		return nil, fmt.Errorf("creating prediction: %w", err)
	}
	c.notify(ctx, models.EventInsert, p)

	task.PredictionID = p.ID
	task.OwnerID = p.OwnerID
	task.Question = p.Question
	task.CallbackURL = c.callbackURL(p.ID)

	err := c.dispatch(ctx, &task)
	if err == nil {
		return res, nil
	}

	slog.Error("dispatch failed", "error", err, "prediction_id", p.ID, "owner_id", p.OwnerID)
	failed, ferr := c.store.FinishPrediction(ctx, p.ID, p.OwnerID, store.Failed("dispatch failed: "+err.Error(), c.now()))
	switch {
	case ferr == nil:
		res.Prediction = failed
		c.notify(ctx, models.EventUpdate, failed)
	case errors.Is(ferr, store.ErrAlreadyFinal):
		// A fast compute run already reported.
	default:
		slog.Error("marking prediction failed", "error", ferr, "prediction_id", p.ID)
	}
	return res, fmt.Errorf("%w: %v", ErrDispatch, err)
}

func (c *Controller) storeFile(ctx context.Context, owner uuid.UUID, up intake.Upload) (string, error) {
	if c.intake == nil {
		return "", fmt.Errorf("%w: no file storage configured", intake.ErrStorage)
	}
	return c.intake.Store(ctx, owner, up)
}

func (c *Controller) dispatch(ctx context.Context, task *trigger.Task) error {
	tok, err := c.tokens.Issue(task.OwnerID, task.PredictionID, c.deadline)
	if err != nil {
		return err
	}
	task.Token = tok
	return c.dispatcher.Dispatch(ctx, *task)
}

func (c *Controller) callbackURL(id uuid.UUID) string {
	return c.publicURL + "/api/v1/predictions/" + id.String() + "/outcome"
}

// Reconcile applies a compute report. It reports whether a transition
// happened; a prediction that is already terminal is left untouched and
// the call succeeds. An outcome that fails validation is recorded as a
// failure and the error wraps ErrValidation.
func (c *Controller) Reconcile(ctx context.Context, caller models.Caller, id, owner uuid.UUID, report models.Report) (bool, error) {
	if !caller.CanAccess(owner, id) {
		return false, ErrUnauthorized
	}

	var (
		fin       store.Finish
		invalid   error
		finishing = c.now()
	)
	switch {
	case report.Outcome != nil:
		if err := report.Outcome.Validate(); err != nil {
			invalid = fmt.Errorf("%w: %v", ErrValidation, err)
			fin = store.Failed("invalid outcome: "+err.Error(), finishing)
		} else {
			fin = store.Completed(*report.Outcome, finishing)
		}
	default:
		msg := report.Error
		if msg == "" {
			msg = "compute failed"
		}
		fin = store.Failed(msg, finishing)
	}

	p, err := c.store.FinishPrediction(ctx, id, owner, fin)
	switch {
	case errors.Is(err, store.ErrAlreadyFinal):
		slog.Info("ignoring report for final prediction", "prediction_id", id)
		return false, nil
	case errors.Is(err, store.ErrNotFound):
		return false, ErrNotFound
	case err != nil:
		return false, fmt.Errorf("finishing prediction: %w", err)
	}

	c.notify(ctx, models.EventUpdate, p)
	return true, invalid
}

// List returns the owner's predictions, newest first.
func (c *Controller) List(ctx context.Context, caller models.Caller, owner uuid.UUID) ([]*models.Prediction, error) {
	if !caller.CanAccess(owner, uuid.Nil) {
		return nil, ErrUnauthorized
	}
	ps, err := c.store.ListPredictions(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("listing predictions: %w", err)
	}
	return ps, nil
}

// Get returns one prediction of owner.
func (c *Controller) Get(ctx context.Context, caller models.Caller, id, owner uuid.UUID) (*models.Prediction, error) {
	if !caller.CanAccess(owner, id) {
		return nil, ErrUnauthorized
	}
	p, err := c.store.GetPrediction(ctx, id, owner)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting prediction: %w", err)
	}
	return p, nil
}

// File reads back the file attached to a prediction.
func (c *Controller) File(ctx context.Context, caller models.Caller, id, owner uuid.UUID) (*intake.File, error) {
	p, err := c.Get(ctx, caller, id, owner)
	if err != nil {
		return nil, err
	}
	if p.FileRef == nil || c.intake == nil {
		return nil, ErrNotFound
	}
	f, err := c.intake.Open(ctx, owner, *p.FileRef)
	if errors.Is(err, intake.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}
	if p.FileName != nil {
		f.Name = *p.FileName
	}
	return f, nil
}

// Status returns the current status of a prediction, from cache when
// possible.
func (c *Controller) Status(ctx context.Context, caller models.Caller, id, owner uuid.UUID) (string, error) {
	if !caller.CanAccess(owner, id) {
		return "", ErrUnauthorized
	}
	if status, ok, err := c.cache.GetPredictionStatus(ctx, owner, id); err == nil && ok {
		return status, nil
	}
	p, err := c.store.GetPrediction(ctx, id, owner)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("getting prediction: %w", err)
	}
	// An open status read here may already be stale; only notify caches it.
	if p.IsTerminal() {
		_ = c.cache.SetPredictionStatus(ctx, owner, id, p.Status, statusTTL)
	}
	return p.Status, nil
}

// Subscribe starts delivering the owner's change events. The subscription
// ends when ctx is done or Cancel is called.
func (c *Controller) Subscribe(ctx context.Context, caller models.Caller, owner uuid.UUID) (*stream.Subscription, error) {
	if !caller.CanAccess(owner, uuid.Nil) {
		return nil, ErrUnauthorized
	}
	sub := c.hub.Subscribe(owner)
	context.AfterFunc(ctx, sub.Cancel)
	return sub, nil
}

// SweepOverdue fails every open prediction past its deadline and returns
// how many were failed.
func (c *Controller) SweepOverdue(ctx context.Context) (int, error) {
	failed, err := c.store.FailOverdue(ctx, c.now(), deadlineExceeded)
	if err != nil {
		return 0, fmt.Errorf("failing overdue predictions: %w", err)
	}
	for _, p := range failed {
		slog.Warn("prediction overdue", "prediction_id", p.ID, "owner_id", p.OwnerID)
		c.notify(ctx, models.EventUpdate, p)
	}
	return len(failed), nil
}

func (c *Controller) notify(ctx context.Context, typ string, p *models.Prediction) {
	_ = c.cache.SetPredictionStatus(ctx, p.OwnerID, p.ID, p.Status, statusTTL)
	if err := c.publisher.Publish(ctx, models.PredictionEvent{Type: typ, Prediction: *p}); err != nil {
		slog.Warn("publish event", "error", err, "prediction_id", p.ID, "type", typ)
	}
}

var _ trigger.Reconciler = (*Controller)(nil)
