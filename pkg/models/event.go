package models

const (
	EventInsert = "insert"
	EventUpdate = "update"
)

// PredictionEvent is a change notification for one prediction, delivered
// to subscribers of the prediction's owner.
type PredictionEvent struct {
	Type       string     `json:"type"`
	Prediction Prediction `json:"prediction"`
}
