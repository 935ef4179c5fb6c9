package mock

import (
	"context"
	"fmt"

	"github.com/kiranshivaraju/prophecy/internal/forecast"
	"github.com/kiranshivaraju/prophecy/pkg/models"
)

// MockEngine satisfies models.Forecaster for testing.
type MockEngine struct {
	Name_       string
	ComputeFunc func(ctx context.Context, in models.ForecastInput) (models.Outcome, error)
}

func (m *MockEngine) Name() string { return m.Name_ }

func (m *MockEngine) Compute(ctx context.Context, in models.ForecastInput) (models.Outcome, error) {
	if m.ComputeFunc != nil {
		return m.ComputeFunc(ctx, in)
	}
	return models.Outcome{}, nil
}

// SampleOutcome is the outcome NewMockEngine returns.
func SampleOutcome() models.Outcome {
	return models.Outcome{
		Confidence: 0.8,
		Result:     "Mock outcome",
		Trend:      models.TrendUp,
		Insights:   []string{"first", "second"},
		ChartData: []models.ChartPoint{
			{Label: "M1", Value: 1},
			{Label: "M2", Value: 2},
		},
	}
}

// NewMockEngine returns a MockEngine that immediately answers SampleOutcome.
func NewMockEngine() *MockEngine {
	return &MockEngine{
		Name_: "mock",
		ComputeFunc: func(_ context.Context, _ models.ForecastInput) (models.Outcome, error) {
			return SampleOutcome(), nil
		},
	}
}

// NewFailingEngine returns a MockEngine that always returns the given error.
func NewFailingEngine(err error) *MockEngine {
	return &MockEngine{
		Name_: "mock-failing",
		ComputeFunc: func(_ context.Context, _ models.ForecastInput) (models.Outcome, error) {
			return models.Outcome{}, err
		},
	}
}

// NewTimeoutEngine returns a MockEngine that blocks until context is cancelled.
func NewTimeoutEngine() *MockEngine {
	return &MockEngine{
		Name_: "mock-timeout",
		ComputeFunc: func(ctx context.Context, _ models.ForecastInput) (models.Outcome, error) {
			<-ctx.Done()
			return models.Outcome{}, fmt.Errorf("%w: %v", forecast.ErrComputeTimeout, ctx.Err())
		},
	}
}

// NewPanickingEngine returns a MockEngine whose Compute panics with v.
func NewPanickingEngine(v any) *MockEngine {
	return &MockEngine{
		Name_: "mock-panic",
		ComputeFunc: func(_ context.Context, _ models.ForecastInput) (models.Outcome, error) {
			panic(v)
		},
	}
}

// Compile-time check that MockEngine implements Forecaster.
var _ models.Forecaster = (*MockEngine)(nil)
