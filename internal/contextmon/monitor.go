// Package contextmon watches each session's terminal output for
// context-window usage markers, tracks threshold transitions, and
// rebuilds sessions that run out of context.
package contextmon

import (
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/agentmux/agentmux/internal/activity"
	"github.com/agentmux/agentmux/internal/backend"
	"github.com/agentmux/agentmux/internal/bus"
	"github.com/agentmux/agentmux/internal/stringutils"
	"github.com/agentmux/agentmux/internal/types"
)

// MonitorConfig holds the tuning constants
type MonitorConfig struct {
	CheckInterval          time.Duration
	StaleThreshold         time.Duration
	MaxBufferSize          int
	CooldownWindow         time.Duration
	MaxRecoveriesPerWindow int
	Thresholds             types.ContextThresholds
}

// DefaultMonitorConfig returns production tuning
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		CheckInterval:          30 * time.Second,
		StaleThreshold:         10 * time.Minute,
		MaxBufferSize:          16 * 1024,
		CooldownWindow:         30 * time.Minute,
		MaxRecoveriesPerWindow: 3,
		Thresholds:             types.DefaultContextThresholds(),
	}
}

// ExitStopper lets recovery silence the exit monitor before the
// session is torn down and rebuilt.
type ExitStopper interface {
	StopSession(sessionName string)
}

// RegistrationRequest asks the registration collaborator to rebuild a
// session.
type RegistrationRequest struct {
	SessionName string
	Role        string
	TeamID      string
	MemberID    string
}

// AgentRegistration is the collaborator that recreates agent sessions
type AgentRegistration interface {
	CreateAgentSession(req RegistrationRequest) error
}

// StatusBroadcaster receives a status push for every level transition
type StatusBroadcaster interface {
	BroadcastStatusUpdate(sessionName string, level types.ContextLevel, percent int)
}

type sessionState struct {
	mu     sync.Mutex
	buffer []byte
	state  types.ContextState
	capped bool

	memberID string
	teamID   string
	role     string
	unsub    backend.Unsubscribe
}

// Monitor is the context-window monitor. One instance serves the whole
// process, held behind an injectable handle.
type Monitor struct {
	cfg          MonitorConfig
	backend      backend.SessionBackend
	bus          *bus.Bus
	activity     *activity.Tracker
	exits        ExitStopper
	registration AgentRegistration
	broadcaster  StatusBroadcaster

	mu       sync.Mutex
	sessions map[string]*sessionState
	running  bool
	stopCh   chan struct{}

	now func() time.Time
}

// NewMonitor wires the monitor to its collaborators
func NewMonitor(cfg MonitorConfig, b backend.SessionBackend, eventBus *bus.Bus, tracker *activity.Tracker, exits ExitStopper, reg AgentRegistration, broadcaster StatusBroadcaster) *Monitor {
	return &Monitor{
		cfg:          cfg,
		backend:      b,
		bus:          eventBus,
		activity:     tracker,
		exits:        exits,
		registration: reg,
		broadcaster:  broadcaster,
		sessions:     make(map[string]*sessionState),
		now:          time.Now,
	}
}

// SetClock overrides the clock, for tests
func (m *Monitor) SetClock(now func() time.Time) {
	m.now = now
}

// Start begins the stale-detection sweep loop
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	go m.sweepLoop(m.stopCh)
	log.Printf("[CONTEXT] Monitor started (check every %v)", m.cfg.CheckInterval)
}

// Stop halts the sweep loop and detaches every session
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	names := make([]string, 0, len(m.sessions))
	for name := range m.sessions {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		m.StopSessionMonitoring(name)
	}
	log.Printf("[CONTEXT] Monitor stopped")
}

// IsRunning reports whether the sweep loop is active
func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Reset drops all per-session state, for tests
func (m *Monitor) Reset() {
	m.Stop()
	m.mu.Lock()
	m.sessions = make(map[string]*sessionState)
	m.mu.Unlock()
}

// StartSessionMonitoring subscribes to the session's output stream and
// seeds its context state. Monitoring an already-monitored session
// replaces the previous subscription.
func (m *Monitor) StartSessionMonitoring(sessionName, memberID, teamID, role string) error {
	if !m.backend.SessionExists(sessionName) {
		return backend.ErrSessionNotFound
	}

	// Replace any prior monitoring for this name.
	m.StopSessionMonitoring(sessionName)

	st := &sessionState{
		memberID: memberID,
		teamID:   teamID,
		role:     role,
		state: types.ContextState{
			Level:          types.ContextNormal,
			LastDetectedAt: m.now(),
		},
	}

	unsub, err := m.backend.OnData(sessionName, func(data string) {
		m.handleData(sessionName, st, data)
	})
	if err != nil {
		return err
	}
	st.unsub = unsub

	m.mu.Lock()
	m.sessions[sessionName] = st
	m.mu.Unlock()

	log.Printf("[CONTEXT] Monitoring %s (role=%s)", sessionName, role)
	return nil
}

// StopSessionMonitoring detaches the session and discards its state
func (m *Monitor) StopSessionMonitoring(sessionName string) {
	m.mu.Lock()
	st, ok := m.sessions[sessionName]
	if ok {
		delete(m.sessions, sessionName)
	}
	m.mu.Unlock()

	if ok && st.unsub != nil {
		st.unsub()
	}
}

// ContextState returns a copy of the session's state
func (m *Monitor) ContextState(sessionName string) (types.ContextState, bool) {
	m.mu.Lock()
	st, ok := m.sessions[sessionName]
	m.mu.Unlock()
	if !ok {
		return types.ContextState{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state, true
}

// SeedRecoveryTimestamps pre-loads the cooldown window, for restore
// and tests.
func (m *Monitor) SeedRecoveryTimestamps(sessionName string, stamps []time.Time) {
	m.mu.Lock()
	st, ok := m.sessions[sessionName]
	m.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	st.state.RecoveryTimestamps = append([]time.Time{}, stamps...)
	st.mu.Unlock()
}

// handleData appends a chunk to the rolling parse buffer and scans for
// usage markers. At most one level transition happens per chunk.
func (m *Monitor) handleData(sessionName string, st *sessionState, data string) {
	cleaned := stringutils.StripANSI(data)

	st.mu.Lock()
	st.buffer = append(st.buffer, cleaned...)
	if len(st.buffer) > m.cfg.MaxBufferSize {
		st.buffer = st.buffer[len(st.buffer)-m.cfg.MaxBufferSize:]
		if !st.capped {
			st.capped = true
			ev := types.NewEvent(types.EventBufferCapped)
			ev.SessionName = sessionName
			st.mu.Unlock()
			m.bus.Publish(ev)
			st.mu.Lock()
		}
	}
	percent, found := ExtractContextPercent(string(st.buffer))
	if found {
		st.buffer = st.buffer[:0]
		st.capped = false
	}
	st.mu.Unlock()

	if found {
		m.UpdateContextUsage(sessionName, percent)
	}
}

// UpdateContextUsage records a context percentage and fires at most
// one transition event. Event payloads carry the pre-mutation state.
func (m *Monitor) UpdateContextUsage(sessionName string, percent int) {
	m.mu.Lock()
	st, ok := m.sessions[sessionName]
	m.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	prevLevel := st.state.Level
	nextLevel := m.cfg.Thresholds.LevelFor(percent)

	st.state.ContextPercent = percent
	st.state.LastDetectedAt = m.now()

	transition := nextLevel != prevLevel
	shouldRecover := false
	suppressed := false

	if transition {
		st.state.Level = nextLevel
	}
	if nextLevel == types.ContextCritical && !st.state.RecoveryTriggered {
		if m.withinCooldownLocked(st) {
			suppressed = true
		} else {
			st.state.RecoveryTriggered = true
			shouldRecover = true
		}
	}
	memberID, teamID, role := st.memberID, st.teamID, st.role
	st.mu.Unlock()

	if transition {
		eventType := types.EventContextWarning
		if nextLevel == types.ContextCritical {
			eventType = types.EventContextCritical
		}
		ev := types.NewEvent(eventType)
		ev.SessionName = sessionName
		ev.TeamID = teamID
		ev.MemberID = memberID
		ev.ChangedField = "context_level"
		ev.PreviousValue = string(prevLevel)
		ev.NewValue = string(nextLevel)
		ev.Metadata = map[string]string{"context_percent": strconv.Itoa(percent)}
		m.bus.Publish(ev)

		if m.broadcaster != nil {
			m.broadcaster.BroadcastStatusUpdate(sessionName, nextLevel, percent)
		}
	}

	if suppressed {
		ev := types.NewEvent(types.EventRecoverySuppressed)
		ev.SessionName = sessionName
		ev.TeamID = teamID
		ev.MemberID = memberID
		m.bus.Publish(ev)
		log.Printf("[CONTEXT] Recovery suppressed for %s (cooldown window full)", sessionName)
	}

	if shouldRecover {
		m.recover(sessionName, st, role, teamID, memberID)
	}
}

// withinCooldownLocked reports whether the recovery window is
// exhausted. Caller holds st.mu.
func (m *Monitor) withinCooldownLocked(st *sessionState) bool {
	cutoff := m.now().Add(-m.cfg.CooldownWindow)
	count := 0
	for _, ts := range st.state.RecoveryTimestamps {
		if ts.After(cutoff) {
			count++
		}
	}
	return count >= m.cfg.MaxRecoveriesPerWindow
}

// recover rebuilds an exhausted session: silence the exit monitor,
// forget its activity, ask the registration collaborator for a fresh
// session, then stop monitoring. The rebuilt session restarts
// monitoring itself.
func (m *Monitor) recover(sessionName string, st *sessionState, role, teamID, memberID string) {
	log.Printf("[CONTEXT] Recovering %s (context critical)", sessionName)

	if m.exits != nil {
		m.exits.StopSession(sessionName)
	}
	if m.activity != nil {
		m.activity.Clear(sessionName)
	}

	if m.registration != nil {
		err := m.registration.CreateAgentSession(RegistrationRequest{
			SessionName: sessionName,
			Role:        role,
			TeamID:      teamID,
			MemberID:    memberID,
		})
		if err != nil {
			log.Printf("[CONTEXT] Recovery registration failed for %s: %v", sessionName, err)
		}
	}

	st.mu.Lock()
	now := m.now()
	cutoff := now.Add(-m.cfg.CooldownWindow)
	kept := st.state.RecoveryTimestamps[:0]
	for _, ts := range st.state.RecoveryTimestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	st.state.RecoveryTimestamps = append(kept, now)
	st.mu.Unlock()

	m.StopSessionMonitoring(sessionName)
}

// sweepLoop resets stale non-normal sessions back to normal
func (m *Monitor) sweepLoop(stopCh chan struct{}) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.SweepStale()
		}
	}
}

// SweepStale resets every non-normal session whose last detection is
// older than the stale threshold. No events are emitted.
func (m *Monitor) SweepStale() {
	cutoff := m.now().Add(-m.cfg.StaleThreshold)

	m.mu.Lock()
	states := make(map[string]*sessionState, len(m.sessions))
	for name, st := range m.sessions {
		states[name] = st
	}
	m.mu.Unlock()

	for name, st := range states {
		st.mu.Lock()
		if st.state.Level != types.ContextNormal && st.state.LastDetectedAt.Before(cutoff) {
			log.Printf("[CONTEXT] Stale detection for %s, resetting to normal", name)
			st.state.Level = types.ContextNormal
			st.state.RecoveryTriggered = false
		}
		st.mu.Unlock()
	}
}
