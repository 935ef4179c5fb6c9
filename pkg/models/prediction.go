package models

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

const (
	TrendUp     = "up"
	TrendDown   = "down"
	TrendStable = "stable"
)

// Prediction is a submitted question and, once computed, its outcome.
// Result is set if and only if Status is completed.
type Prediction struct {
	ID           uuid.UUID `db:"id"            json:"id"`
	OwnerID      uuid.UUID `db:"owner_id"      json:"owner_id"`
	Question     string    `db:"question"      json:"question"`
	FileRef      *string   `db:"file_ref"      json:"file_ref,omitempty"`
	FileName     *string   `db:"file_name"     json:"file_name,omitempty"`
	Status       string    `db:"status"        json:"status"`
	Result       *Outcome  `db:"result"        json:"result,omitempty"`
	ErrorMessage *string   `db:"error_message" json:"error_message,omitempty"`
	DeadlineAt   time.Time `db:"deadline_at"   json:"deadline_at"`
	CreatedAt    time.Time `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"    json:"updated_at"`
}

// IsTerminal reports whether the prediction can no longer change.
func (p *Prediction) IsTerminal() bool {
	return IsTerminalStatus(p.Status)
}

func IsTerminalStatus(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// Outcome is the computed payload of a completed prediction.
type Outcome struct {
	Confidence float64      `json:"confidence"`
	Result     string       `json:"result"`
	Trend      string       `json:"trend"`
	Insights   []string     `json:"insights"`
	ChartData  []ChartPoint `json:"chartData"`
}

// ChartPoint is one labelled value of an outcome's series.
type ChartPoint struct {
	Label string  `json:"label"`
	Value float64 `json:"value"`
}

// ErrInvalidOutcome is wrapped by every Outcome.Validate failure.
var ErrInvalidOutcome = errors.New("invalid outcome")

// Validate checks the outcome shape. It runs before an outcome is written
// and after one is read back.
func (o *Outcome) Validate() error {
	if o == nil {
		return fmt.Errorf("%w: missing", ErrInvalidOutcome)
	}
	if math.IsNaN(o.Confidence) || o.Confidence < 0 || o.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidOutcome, o.Confidence)
	}
	if strings.TrimSpace(o.Result) == "" {
		return fmt.Errorf("%w: result is empty", ErrInvalidOutcome)
	}
	switch o.Trend {
	case TrendUp, TrendDown, TrendStable:
	default:
		return fmt.Errorf("%w: trend %q", ErrInvalidOutcome, o.Trend)
	}
	for i, p := range o.ChartData {
		if p.Label == "" {
			return fmt.Errorf("%w: chart point %d has no label", ErrInvalidOutcome, i)
		}
		if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
			return fmt.Errorf("%w: chart point %d is not a number", ErrInvalidOutcome, i)
		}
	}
	return nil
}
