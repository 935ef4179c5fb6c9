package trigger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kiranshivaraju/prophecy/pkg/models"
)

const reconcileTimeout = 30 * time.Second

// Local runs computations in goroutines of the current process and
// reconciles them directly.
type Local struct {
	engine  models.Forecaster
	timeout time.Duration

	mu         sync.RWMutex
	reconciler Reconciler
	wg         sync.WaitGroup
}

// NewLocal creates a Local dispatcher. Bind must be called before Dispatch.
func NewLocal(engine models.Forecaster, timeout time.Duration) *Local {
	return &Local{engine: engine, timeout: timeout}
}

// Bind sets the reconciler results are reported to.
func (l *Local) Bind(r Reconciler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reconciler = r
}

func (l *Local) Dispatch(_ context.Context, task Task) error {
	l.mu.RLock()
	r := l.reconciler
	l.mu.RUnlock()
	if r == nil {
		return ErrNotBound
	}

	l.wg.Add(1)
	go l.run(task, r)
	return nil
}

// Wait blocks until every dispatched computation has reported.
func (l *Local) Wait() {
	l.wg.Wait()
}

func (l *Local) run(task Task, r Reconciler) {
	defer l.wg.Done()

	report := Run(l.engine, l.timeout, task)

	ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
	defer cancel()

	caller := models.Caller{Owner: task.OwnerID, PredictionID: task.PredictionID}
	if _, err := r.Reconcile(ctx, caller, task.PredictionID, task.OwnerID, report); err != nil {
		slog.Error("reconcile failed", "error", err, "prediction_id", task.PredictionID)
	}
}

var _ Dispatcher = (*Local)(nil)
