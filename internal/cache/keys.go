package cache

import (
	"fmt"

	"github.com/google/uuid"
)

// EventChannelPattern matches every owner's event channel.
const EventChannelPattern = "predictions:*"

func PredictionStatusKey(ownerID, predictionID uuid.UUID) string {
	return fmt.Sprintf("prediction:status:%s:%s", ownerID, predictionID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

func EventChannel(ownerID uuid.UUID) string {
	return fmt.Sprintf("predictions:%s", ownerID)
}
