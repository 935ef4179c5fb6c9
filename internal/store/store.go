package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/prophecy/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrAlreadyFinal is returned when a transition targets a prediction that
// already reached a terminal status.
var ErrAlreadyFinal = errors.New("prediction already in terminal status")

// Store is the data access interface. All database operations go through here.
// Every prediction read and write is scoped by owner.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error

	CreatePrediction(ctx context.Context, p *models.Prediction) error
	GetPrediction(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) (*models.Prediction, error)
	ListPredictions(ctx context.Context, ownerID uuid.UUID) ([]*models.Prediction, error)
	// FinishPrediction moves a non-terminal prediction to completed or failed.
	// Returns ErrAlreadyFinal if it is terminal and ErrNotFound if it does not
	// exist for ownerID.
	FinishPrediction(ctx context.Context, id uuid.UUID, ownerID uuid.UUID, fin Finish) (*models.Prediction, error)
	// FailOverdue fails every open prediction whose deadline is before now.
	FailOverdue(ctx context.Context, now time.Time, reason string) ([]*models.Prediction, error)
}

// Finish describes a terminal transition.
type Finish struct {
	Status       string
	Result       *models.Outcome
	ErrorMessage *string
	At           time.Time
}

// Completed builds a Finish for a successful outcome.
func Completed(result models.Outcome, at time.Time) Finish {
	return Finish{Status: models.StatusCompleted, Result: &result, At: at}
}

// Failed builds a Finish for a failed computation.
func Failed(reason string, at time.Time) Finish {
	return Finish{Status: models.StatusFailed, ErrorMessage: &reason, At: at}
}
