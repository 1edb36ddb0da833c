// Package events fans delivered pipeline events out to websocket
// subscribers.
package events

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/ssd-technologies/prism/internal/storage"
)

// Event is a pipeline event as seen by subscribers.
type Event struct {
	ID        int64           `json:"id"`
	Kind      string          `json:"kind"`
	ClaimID   string          `json:"claim_id"`
	Layer     int             `json:"layer"`
	AgentID   string          `json:"agent_id,omitempty"`
	SlotID    string          `json:"slot_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt int64           `json:"created_at"`
}

// FromOutbox converts an outbox row into a subscriber event.
func FromOutbox(e storage.OutboxEvent) Event {
	ev := Event{
		ID:        e.ID,
		Kind:      e.Kind,
		ClaimID:   e.ClaimID,
		Layer:     e.Layer,
		AgentID:   e.AgentID,
		SlotID:    e.SlotID,
		CreatedAt: e.CreatedAt,
	}
	if json.Valid(e.Payload) {
		ev.Payload = json.RawMessage(e.Payload)
	}
	return ev
}

type subscriber struct {
	claimID string
	ch      chan Event
}

// Hub is an in-memory registry of event subscribers. Publishing never
// blocks: a subscriber whose buffer is full misses the event.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	buffer int
	closed bool
	log    *zap.Logger
}

// NewHub creates a hub whose subscribers buffer up to buffer events.
func NewHub(buffer int, logger *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		subs:   make(map[*subscriber]struct{}),
		buffer: buffer,
		log:    logger,
	}
}

// Subscribe registers a subscriber for the events of claimID, or for every
// event when claimID is empty. The returned function unsubscribes; the
// channel is closed when the subscriber is removed or the hub closes.
func (h *Hub) Subscribe(claimID string) (<-chan Event, func()) {
	sub := &subscriber{claimID: claimID, ch: make(chan Event, h.buffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[sub]; ok {
				delete(h.subs, sub)
				close(sub.ch)
			}
		})
	}
}

// Publish delivers ev to every matching subscriber and returns how many
// received it.
func (h *Hub) Publish(ev Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for sub := range h.subs {
		if sub.claimID != "" && sub.claimID != ev.ClaimID {
			continue
		}
		select {
		case sub.ch <- ev:
			n++
		default:
			h.log.Warn("subscriber buffer full, event dropped",
				zap.Int64("event", ev.ID),
				zap.String("kind", ev.Kind))
		}
	}
	return n
}

// Subscribers returns the number of active subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close removes every subscriber. Later subscriptions are closed at once.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		delete(h.subs, sub)
		close(sub.ch)
	}
}
