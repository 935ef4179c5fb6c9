package lifecycle

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically fails predictions that outlived their deadline.
type Sweeper struct {
	ctrl     *Controller
	interval time.Duration
}

func NewSweeper(ctrl *Controller, interval time.Duration) *Sweeper {
	return &Sweeper{ctrl: ctrl, interval: interval}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.ctrl.SweepOverdue(ctx)
			if err != nil {
				slog.Error("sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("swept overdue predictions", "count", n)
			}
		}
	}
}
