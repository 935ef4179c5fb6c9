// Package forecast holds the compute engines that turn a question into an
// outcome. The shipped engine is a keyword-gated random generator.
package forecast

import (
	"context"
	"fmt"
	"math/rand/v2"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/kiranshivaraju/prophecy/pkg/models"
)

type category int

const (
	categoryOther category = iota
	categoryFinancial
	categorySales
)

var (
	financialPattern = regexp.MustCompile(`(?i)argent|€|finances|budget|coût`)
	salesPattern     = regexp.MustCompile(`(?i)vente|vendre|chiffre|business`)
)

const chartPoints = 6

// Heuristic fabricates a plausible outcome after a simulated delay.
// Outputs are random; only their shape is stable.
type Heuristic struct {
	minDelay time.Duration
	maxDelay time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewHeuristic creates a Heuristic that sleeps between minDelay and maxDelay
// before answering.
func NewHeuristic(minDelay, maxDelay time.Duration) *Heuristic {
	return NewHeuristicWithSource(minDelay, maxDelay, rand.NewPCG(rand.Uint64(), rand.Uint64()))
}

// NewHeuristicWithSource is NewHeuristic with an explicit random source.
func NewHeuristicWithSource(minDelay, maxDelay time.Duration, src rand.Source) *Heuristic {
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &Heuristic{minDelay: minDelay, maxDelay: maxDelay, rng: rand.New(src)}
}

func (h *Heuristic) Name() string { return "heuristic" }

// Compute waits out the simulated latency then builds the outcome. A
// cancelled context aborts the wait.
func (h *Heuristic) Compute(ctx context.Context, in models.ForecastInput) (models.Outcome, error) {
	question := strings.TrimSpace(in.Question)
	if question == "" {
		return models.Outcome{}, ErrEmptyQuestion
	}

	timer := time.NewTimer(h.delay())
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return models.Outcome{}, fmt.Errorf("%w: %v", ErrComputeTimeout, ctx.Err())
	case <-timer.C:
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outcomeLocked(classify(question)), nil
}

func (h *Heuristic) delay() time.Duration {
	span := h.maxDelay - h.minDelay
	if span <= 0 {
		return h.minDelay
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.minDelay + time.Duration(h.rng.Int64N(int64(span)))
}

func classify(question string) category {
	switch {
	case financialPattern.MatchString(question):
		return categoryFinancial
	case salesPattern.MatchString(question):
		return categorySales
	default:
		return categoryOther
	}
}

func (h *Heuristic) outcomeLocked(c category) models.Outcome {
	out := models.Outcome{
		Confidence: 0.6 + h.rng.Float64()*0.4,
		Trend:      models.TrendStable,
	}

	var base, spread int
	switch c {
	case categoryFinancial:
		out.Result = "Attention, budget serré prévu"
		if h.rng.Float64() > 0.5 {
			out.Result = "Oui, vous devriez avoir suffisamment d'argent"
		}
		out.Trend = models.TrendDown
		if h.rng.Float64() > 0.3 {
			out.Trend = models.TrendUp
		}
		out.Insights = []string{
			"Basé sur vos données historiques",
			"Considérez une épargne de précaution",
			"Surveillez vos dépenses variables",
		}
		base, spread = 500, 1000
	case categorySales:
		out.Result = "Stagnation probable"
		if h.rng.Float64() > 0.4 {
			out.Result = "Croissance positive attendue"
		}
		if h.rng.Float64() > 0.5 {
			out.Trend = models.TrendUp
		}
		out.Insights = []string{
			"Tendance saisonnière détectée",
			"Amélioration possible avec marketing ciblé",
			"Concurrence en hausse",
		}
		base, spread = 2000, 5000
	default:
		out.Result = "Prédiction positive dans l'ensemble"
		out.Trend = models.TrendUp
		out.Insights = []string{
			"Évolution favorable prévue",
			"Facteurs externes à surveiller",
			"Recommandations personnalisées disponibles",
		}
		base, spread = 50, 100
	}

	out.ChartData = make([]models.ChartPoint, chartPoints)
	for i := range out.ChartData {
		out.ChartData[i] = models.ChartPoint{
			Label: fmt.Sprintf("M%d", i+1),
			Value: float64(base + h.rng.IntN(spread)),
		}
	}
	return out
}

var _ models.Forecaster = (*Heuristic)(nil)
