// Package models contains shared data models used across the Prophecy codebase.
package models

import "context"

// Forecaster computes an outcome for a question. The lifecycle never
// depends on a concrete implementation; the shipped one is a heuristic.
type Forecaster interface {
	// Compute produces an outcome or an error describing why it could not.
	Compute(ctx context.Context, in ForecastInput) (Outcome, error)
	// Name returns the engine identifier (e.g., "heuristic").
	Name() string
}

// ForecastInput is what the compute step receives for one prediction.
type ForecastInput struct {
	Question    string
	FileName    string
	FileContent []byte // Raw upload, nil when no file was attached
}
