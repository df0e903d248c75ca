// Package exitmon watches session output for runtime exit patterns and
// downgrades sessions that have terminated.
package exitmon

import (
	"log"
	"regexp"
	"sync"

	"github.com/agentmux/agentmux/internal/backend"
	"github.com/agentmux/agentmux/internal/bus"
	"github.com/agentmux/agentmux/internal/stringutils"
	"github.com/agentmux/agentmux/internal/types"
)

// StatusSink receives the downward status transition on exit
type StatusSink interface {
	MarkSessionInactive(sessionName string)
}

type watch struct {
	patterns []*regexp.Regexp
	unsub    backend.Unsubscribe
	fired    bool
	agentID  string
}

// Monitor scans PTY output against per-runtime exit vocabularies. The
// first match wins; later chunks are ignored.
type Monitor struct {
	backend backend.SessionBackend
	bus     *bus.Bus
	sink    StatusSink

	mu      sync.Mutex
	watches map[string]*watch
}

// NewMonitor creates an exit monitor
func NewMonitor(b backend.SessionBackend, eventBus *bus.Bus, sink StatusSink) *Monitor {
	return &Monitor{
		backend: b,
		bus:     eventBus,
		sink:    sink,
		watches: make(map[string]*watch),
	}
}

// WatchSession subscribes to the session's output with the adapter's
// exit patterns. Watching twice replaces the previous watch.
func (m *Monitor) WatchSession(sessionName, agentID string, patterns []*regexp.Regexp) error {
	m.StopSession(sessionName)

	w := &watch{patterns: patterns, agentID: agentID}
	unsub, err := m.backend.OnData(sessionName, func(data string) {
		m.handleData(sessionName, w, data)
	})
	if err != nil {
		return err
	}
	w.unsub = unsub

	m.mu.Lock()
	m.watches[sessionName] = w
	m.mu.Unlock()
	return nil
}

// StopSession detaches the session's watch
func (m *Monitor) StopSession(sessionName string) {
	m.mu.Lock()
	w, ok := m.watches[sessionName]
	if ok {
		delete(m.watches, sessionName)
	}
	m.mu.Unlock()

	if ok && w.unsub != nil {
		w.unsub()
	}
}

// Watching reports whether the session has an active watch
func (m *Monitor) Watching(sessionName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watches[sessionName]
	return ok
}

func (m *Monitor) handleData(sessionName string, w *watch, data string) {
	m.mu.Lock()
	if w.fired {
		m.mu.Unlock()
		return
	}
	cleaned := stringutils.StripANSI(data)
	matched := false
	for _, p := range w.patterns {
		if p.MatchString(cleaned) {
			matched = true
			break
		}
	}
	if matched {
		w.fired = true
		delete(m.watches, sessionName)
	}
	agentID := w.agentID
	unsub := w.unsub
	m.mu.Unlock()

	if !matched {
		return
	}

	log.Printf("[EXIT] Session %s matched an exit pattern", sessionName)

	if m.sink != nil {
		m.sink.MarkSessionInactive(sessionName)
	}

	ev := types.NewEvent(types.EventSessionExited)
	ev.SessionName = sessionName
	ev.AgentID = agentID
	m.bus.Publish(ev)

	if unsub != nil {
		unsub()
	}
}

// RegistrationTracker records which sessions have completed runtime
// registration, so restores can tell a half-started session from a
// registered one.
type RegistrationTracker struct {
	mu         sync.Mutex
	registered map[string]bool
}

// NewRegistrationTracker creates an empty tracker
func NewRegistrationTracker() *RegistrationTracker {
	return &RegistrationTracker{registered: make(map[string]bool)}
}

// MarkRegistered records a completed registration
func (r *RegistrationTracker) MarkRegistered(sessionName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered[sessionName] = true
}

// IsRegistered reports whether the session finished registration
func (r *RegistrationTracker) IsRegistered(sessionName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registered[sessionName]
}

// Clear forgets the session
func (r *RegistrationTracker) Clear(sessionName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.registered, sessionName)
}
