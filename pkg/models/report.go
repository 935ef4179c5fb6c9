package models

import (
	"errors"

	"github.com/google/uuid"
)

// Report is what a compute run hands back: an outcome or an error message,
// never both.
type Report struct {
	Outcome *Outcome
	Error   string
}

// Succeeded reports whether r carries an outcome.
func (r Report) Succeeded() bool { return r.Outcome != nil }

// CallbackPayload is the body a compute worker posts when it finishes:
// {predictionId, outcome} or {predictionId, error}.
type CallbackPayload struct {
	PredictionID uuid.UUID `json:"predictionId"`
	Outcome      *Outcome  `json:"outcome,omitempty"`
	Error        *string   `json:"error,omitempty"`
}

// Report converts the payload into a Report. Exactly one of outcome and
// error must be set.
func (p CallbackPayload) Report() (Report, error) {
	switch {
	case p.Outcome != nil && p.Error != nil:
		return Report{}, errors.New("callback carries both outcome and error")
	case p.Outcome != nil:
		return Report{Outcome: p.Outcome}, nil
	case p.Error != nil:
		msg := *p.Error
		if msg == "" {
			msg = "compute failed"
		}
		return Report{Error: msg}, nil
	default:
		return Report{}, errors.New("callback carries neither outcome nor error")
	}
}
