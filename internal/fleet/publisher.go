// Package fleet multiplexes fleet snapshots to SSE subscribers. One
// internal poll loop runs only while at least one subscriber is
// connected; snapshots are re-broadcast only when they change
// significantly.
package fleet

import (
	"fmt"
	"hash/fnv"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/agentmux/agentmux/internal/types"
)

const (
	defaultPollInterval      = 2 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
)

// SnapshotSource produces the current fleet view
type SnapshotSource interface {
	GetFleetSnapshot() (types.FleetSnapshot, error)
}

// Sink receives named events with one JSON-marshalable payload each.
// A write error drops the subscriber.
type Sink interface {
	Send(event string, payload any) error
}

// ErrorPayload is the body of an error event
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HeartbeatPayload is the body of a heartbeat event
type HeartbeatPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

// ConnectedPayload is the body of the initial connected event
type ConnectedPayload struct {
	SubscriberID string    `json:"subscriber_id"`
	Timestamp    time.Time `json:"timestamp"`
}

// Publisher polls a snapshot source and pushes state changes to every
// subscriber. The loop starts on the 0-to-1 subscriber transition and
// stops, clearing cached state, on 1-to-0.
type Publisher struct {
	source SnapshotSource

	pollInterval      time.Duration
	heartbeatInterval time.Duration

	mu           sync.Mutex
	subscribers  map[string]Sink
	lastHash     uint64
	lastSnapshot *types.FleetSnapshot
	running      bool
	stopCh       chan struct{}

	now func() time.Time
}

// NewPublisher creates a publisher over the given source
func NewPublisher(source SnapshotSource) *Publisher {
	return &Publisher{
		source:            source,
		pollInterval:      defaultPollInterval,
		heartbeatInterval: defaultHeartbeatInterval,
		subscribers:       make(map[string]Sink),
		now:               time.Now,
	}
}

// SetIntervals overrides the poll and heartbeat cadence, for tests
func (p *Publisher) SetIntervals(poll, heartbeat time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pollInterval = poll
	p.heartbeatInterval = heartbeat
}

// Subscribe registers a sink. The subscriber immediately receives
// connected, and the last known state if one is cached. The first
// subscriber starts the poll loop with an immediate poll.
func (p *Publisher) Subscribe(id string, sink Sink) {
	p.mu.Lock()
	first := len(p.subscribers) == 0
	p.subscribers[id] = sink
	last := p.lastSnapshot
	p.mu.Unlock()

	if err := sink.Send("connected", ConnectedPayload{SubscriberID: id, Timestamp: p.now()}); err != nil {
		p.Unsubscribe(id)
		return
	}
	if last != nil {
		if err := sink.Send("state", *last); err != nil {
			p.Unsubscribe(id)
			return
		}
	}

	if first {
		p.startLoop()
		p.poll()
	}
}

// Unsubscribe removes a sink. The last unsubscribe stops the loop and
// forgets the cached snapshot.
func (p *Publisher) Unsubscribe(id string) {
	p.mu.Lock()
	if _, ok := p.subscribers[id]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.subscribers, id)
	lastGone := len(p.subscribers) == 0
	var stopCh chan struct{}
	if lastGone && p.running {
		p.running = false
		stopCh = p.stopCh
		p.lastSnapshot = nil
		p.lastHash = 0
	}
	p.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}
}

// Shutdown disconnects every subscriber and stops the loop
func (p *Publisher) Shutdown() {
	p.mu.Lock()
	ids := make([]string, 0, len(p.subscribers))
	for id := range p.subscribers {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.Unsubscribe(id)
	}
}

// SubscriberCount reports the number of connected sinks
func (p *Publisher) SubscriberCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subscribers)
}

// Running reports whether the poll loop is active
func (p *Publisher) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Publisher) startLoop() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	stopCh := p.stopCh
	poll := p.pollInterval
	heartbeat := p.heartbeatInterval
	p.mu.Unlock()

	go func() {
		pollTicker := time.NewTicker(poll)
		heartbeatTicker := time.NewTicker(heartbeat)
		defer pollTicker.Stop()
		defer heartbeatTicker.Stop()

		for {
			select {
			case <-stopCh:
				return
			case <-pollTicker.C:
				p.poll()
			case <-heartbeatTicker.C:
				p.heartbeat()
			}
		}
	}()
}

// Poll fetches a snapshot and broadcasts it if it changed
// significantly since the last broadcast.
func (p *Publisher) Poll() {
	p.poll()
}

func (p *Publisher) poll() {
	snapshot, err := p.source.GetFleetSnapshot()
	if err != nil {
		log.Printf("[FLEET] Poll failed: %v", err)
		// Subscribers keep the last known good state
		p.broadcast("error", ErrorPayload{Code: "POLL_ERROR", Message: err.Error()})
		return
	}

	hash := SignificanceHash(snapshot)

	p.mu.Lock()
	changed := hash != p.lastHash
	if changed {
		p.lastHash = hash
		p.lastSnapshot = &snapshot
	}
	p.mu.Unlock()

	if changed {
		p.broadcast("state", snapshot)
	}
}

func (p *Publisher) heartbeat() {
	p.broadcast("heartbeat", HeartbeatPayload{Timestamp: p.now()})
}

// broadcast sends to every subscriber, dropping the ones whose writes
// fail.
func (p *Publisher) broadcast(event string, payload any) {
	p.mu.Lock()
	sinks := make(map[string]Sink, len(p.subscribers))
	for id, sink := range p.subscribers {
		sinks[id] = sink
	}
	p.mu.Unlock()

	for id, sink := range sinks {
		if err := sink.Send(event, payload); err != nil {
			log.Printf("[FLEET] Dropping subscriber %s: %v", id, err)
			p.Unsubscribe(id)
		}
	}
}

// SignificanceHash digests the parts of a snapshot that matter for
// re-broadcast: agent count, active count, and per-agent identity,
// status, and rounded CPU, sorted for stability. Sub-percent CPU
// jitter does not change the hash.
func SignificanceHash(s types.FleetSnapshot) uint64 {
	parts := make([]string, 0, len(s.Agents))
	for _, agent := range s.Agents {
		parts = append(parts, fmt.Sprintf("%s|%s|%d", agent.ID, agent.Status, int(math.Round(agent.CPUPercent))))
	}
	sort.Strings(parts)

	h := fnv.New64a()
	fmt.Fprintf(h, "%d|%d", len(s.Agents), s.Stats.ActiveCount)
	for _, part := range parts {
		h.Write([]byte{0})
		h.Write([]byte(part))
	}
	return h.Sum64()
}
