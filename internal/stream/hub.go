// Package stream fans prediction change events out to live subscribers.
package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/prophecy/pkg/models"
)

// ErrSlowConsumer is reported by a subscription the hub closed because its
// buffer was full. Events are never dropped silently or reordered; the
// subscriber is expected to re-list and re-subscribe.
var ErrSlowConsumer = errors.New("subscriber fell behind")

const defaultBuffer = 32

// Hub is an in-process registry of subscriptions keyed by owner.
// It is safe for concurrent use.
type Hub struct {
	mu     sync.Mutex
	subs   map[uuid.UUID]map[uint64]*Subscription
	nextID uint64
	buffer int
}

// NewHub creates a Hub whose subscriptions buffer up to buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{
		subs:   make(map[uuid.UUID]map[uint64]*Subscription),
		buffer: buffer,
	}
}

// Subscribe registers a listener for owner's events.
func (h *Hub) Subscribe(owner uuid.UUID) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscription{
		id:    h.nextID,
		owner: owner,
		ch:    make(chan models.PredictionEvent, h.buffer),
		hub:   h,
	}
	if h.subs[owner] == nil {
		h.subs[owner] = make(map[uint64]*Subscription)
	}
	h.subs[owner][sub.id] = sub
	return sub
}

// Publish delivers ev to every subscriber of the event's owner in call
// order. It never blocks on a subscriber.
func (h *Hub) Publish(_ context.Context, ev models.PredictionEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, sub := range h.subs[ev.Prediction.OwnerID] {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Store(true)
			h.removeLocked(sub.owner, id)
		}
	}
	return nil
}

// Subscribers returns the number of live subscriptions for owner.
func (h *Hub) Subscribers(owner uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[owner])
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub.owner, sub.id)
}

func (h *Hub) removeLocked(owner uuid.UUID, id uint64) {
	set := h.subs[owner]
	sub, ok := set[id]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(h.subs, owner)
	}
	close(sub.ch)
}

// Subscription is one listener's handle. Events arrive on Events until
// Cancel is called or the hub drops the subscriber.
type Subscription struct {
	id      uint64
	owner   uuid.UUID
	ch      chan models.PredictionEvent
	hub     *Hub
	dropped atomic.Bool
}

// Events returns the channel of delivered events. It is closed when the
// subscription ends.
func (s *Subscription) Events() <-chan models.PredictionEvent {
	return s.ch
}

// Cancel stops delivery. It is safe to call more than once.
func (s *Subscription) Cancel() {
	s.hub.remove(s)
}

// Err reports why the subscription ended: ErrSlowConsumer if it was
// dropped, nil otherwise.
func (s *Subscription) Err() error {
	if s.dropped.Load() {
		return ErrSlowConsumer
	}
	return nil
}
