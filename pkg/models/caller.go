package models

import "github.com/google/uuid"

// Caller is the authenticated principal behind a lifecycle operation.
// A zero PredictionID means the caller may act on any of Owner's records;
// trigger tokens narrow it to a single prediction.
type Caller struct {
	Owner        uuid.UUID
	PredictionID uuid.UUID
}

// CanAccess reports whether the caller may read or mutate the given
// owner's prediction. Pass uuid.Nil as id for owner-wide operations.
func (c Caller) CanAccess(owner, id uuid.UUID) bool {
	if c.Owner == uuid.Nil || c.Owner != owner {
		return false
	}
	if c.PredictionID == uuid.Nil {
		return true
	}
	return id != uuid.Nil && c.PredictionID == id
}
