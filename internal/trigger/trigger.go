// Package trigger starts prediction computations out of band and carries
// their results back to the lifecycle controller.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/prophecy/pkg/models"
)

var (
	ErrNotBound    = errors.New("dispatcher has no reconciler")
	ErrRejected    = errors.New("compute worker rejected task")
	ErrUnreachable = errors.New("compute worker unreachable")
)

// Task is one prediction handed to a compute run.
type Task struct {
	PredictionID uuid.UUID `json:"predictionId"`
	OwnerID      uuid.UUID `json:"ownerId"`
	Question     string    `json:"question"`
	FileName     string    `json:"fileName,omitempty"`
	FileContent  []byte    `json:"fileContent,omitempty"`
	// CallbackURL receives the outcome when the task runs remotely.
	CallbackURL string `json:"callbackUrl,omitempty"`
	// Token authorizes the callback. Sent as a bearer header, never in the body.
	Token string `json:"-"`
}

// Dispatcher starts a computation for a task. Dispatch returns once the
// task is accepted; it never waits for the computation itself.
type Dispatcher interface {
	Dispatch(ctx context.Context, task Task) error
}

// Reconciler applies a compute report to a prediction.
type Reconciler interface {
	Reconcile(ctx context.Context, caller models.Caller, id, owner uuid.UUID, report models.Report) (bool, error)
}

// Run computes task with engine under timeout. A panic, an engine error and
// an expired timeout all become a failure report.
func Run(engine models.Forecaster, timeout time.Duration, task Task) (report models.Report) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in compute", "error", r, "prediction_id", task.PredictionID)
			report = models.Report{Error: fmt.Sprintf("panic: %v", r)}
		}
	}()

	out, err := engine.Compute(ctx, models.ForecastInput{
		Question:    task.Question,
		FileName:    task.FileName,
		FileContent: task.FileContent,
	})
	if err != nil {
		return models.Report{Error: err.Error()}
	}
	return models.Report{Outcome: &out}
}
