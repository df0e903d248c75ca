// Package bus implements the typed pub/sub event bus shared by the
// monitors, the assigner, and the fleet publisher.
package bus

import (
	"log"
	"sync"

	"github.com/agentmux/agentmux/internal/types"
)

// Handler receives published events. A non-nil error drops the
// subscription; there is no back-pressure contract beyond that.
type Handler func(ev types.Event) error

type subscriber struct {
	id      string
	handler Handler
}

// Bus is a topic-keyed pub/sub. Delivery is at most once per
// (topic, subscriber); failing subscribers are removed.
type Bus struct {
	mu   sync.RWMutex
	subs map[types.EventType][]subscriber
	all  []subscriber
}

// New creates an empty bus
func New() *Bus {
	return &Bus{subs: make(map[types.EventType][]subscriber)}
}

// Subscribe registers a handler for one event type
func (b *Bus) Subscribe(id string, eventType types.EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[eventType] = append(b.subs[eventType], subscriber{id: id, handler: h})
}

// SubscribeAll registers a handler for every event type
func (b *Bus) SubscribeAll(id string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, subscriber{id: id, handler: h})
}

// Unsubscribe removes every subscription held under id
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, subs := range b.subs {
		b.subs[topic] = removeByID(subs, id)
	}
	b.all = removeByID(b.all, id)
}

func removeByID(subs []subscriber, id string) []subscriber {
	out := subs[:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// Publish delivers ev to every matching subscriber synchronously, in
// registration order. Subscribers whose handler returns an error are
// dropped after delivery.
func (b *Bus) Publish(ev types.Event) {
	b.mu.RLock()
	targets := make([]subscriber, 0, len(b.subs[ev.Type])+len(b.all))
	targets = append(targets, b.subs[ev.Type]...)
	targets = append(targets, b.all...)
	b.mu.RUnlock()

	var failed []string
	for _, s := range targets {
		if err := s.handler(ev); err != nil {
			log.Printf("[BUS] Dropping subscriber %s after delivery error: %v", s.id, err)
			failed = append(failed, s.id)
		}
	}
	for _, id := range failed {
		b.Unsubscribe(id)
	}
}

// SubscriberCount returns the number of subscriptions for a topic
func (b *Bus) SubscriberCount(eventType types.EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[eventType]) + len(b.all)
}
