package forecast

import (
	"fmt"

	"github.com/kiranshivaraju/prophecy/internal/config"
	"github.com/kiranshivaraju/prophecy/pkg/models"
)

// NewEngine constructs the forecast engine named in config.
// Called once at startup by both the API server and the compute worker.
func NewEngine(cfg config.ComputeConfig) (models.Forecaster, error) {
	switch cfg.Engine {
	case "heuristic":
		return NewHeuristic(cfg.MinDelay, cfg.MaxDelay), nil
	default:
		return nil, fmt.Errorf("unknown compute engine %q: must be heuristic", cfg.Engine)
	}
}
