package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/prophecy/internal/cache"
	"github.com/kiranshivaraju/prophecy/pkg/models"
	"github.com/redis/go-redis/v9"
)

// RedisRelay publishes events on Redis and feeds every event received from
// Redis into a local Hub, so all API instances see every change.
type RedisRelay struct {
	client *redis.Client
	hub    *Hub

	minBackoff time.Duration
	maxBackoff time.Duration
}

const (
	relayMinBackoff = 500 * time.Millisecond
	relayMaxBackoff = 30 * time.Second
)

// NewRedisRelay creates a relay delivering into hub.
func NewRedisRelay(client *redis.Client, hub *Hub) *RedisRelay {
	return &RedisRelay{client: client, hub: hub, minBackoff: relayMinBackoff, maxBackoff: relayMaxBackoff}
}

// Publish sends ev on the owner's channel. Redis preserves per-channel
// order, so per-record order survives the round trip.
func (r *RedisRelay) Publish(ctx context.Context, ev models.PredictionEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := r.client.Publish(ctx, cache.EventChannel(ev.Prediction.OwnerID), payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Run receives events until ctx is cancelled. A lost or refused
// subscription is retried with exponential backoff.
func (r *RedisRelay) Run(ctx context.Context) {
	delay := r.minBackoff
	for {
		subscribed, err := r.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		if subscribed {
			delay = r.minBackoff
		}
		slog.Error("event relay disconnected", "error", err, "retry_in", delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, r.maxBackoff)
	}
}

// listen holds one subscription and delivers its events into the hub.
func (r *RedisRelay) listen(ctx context.Context) (bool, error) {
	ps := r.client.PSubscribe(ctx, cache.EventChannelPattern)
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return false, fmt.Errorf("subscribe to events: %w", err)
	}
	slog.Info("event relay subscribed", "pattern", cache.EventChannelPattern)

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case msg, ok := <-ch:
			if !ok {
				return true, errors.New("event subscription closed")
			}
			var ev models.PredictionEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				slog.Warn("dropping malformed event", "channel", msg.Channel, "error", err)
				continue
			}
			_ = r.hub.Publish(ctx, ev)
		}
	}
}
