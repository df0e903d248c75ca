// Package kernel owns the session registry and wires the monitors,
// the budget meter, and the fleet publisher together.
package kernel

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/agentmux/agentmux/internal/activity"
	"github.com/agentmux/agentmux/internal/backend"
	"github.com/agentmux/agentmux/internal/budget"
	"github.com/agentmux/agentmux/internal/bus"
	"github.com/agentmux/agentmux/internal/contextmon"
	"github.com/agentmux/agentmux/internal/exitmon"
	"github.com/agentmux/agentmux/internal/fleet"
	"github.com/agentmux/agentmux/internal/runtime"
	"github.com/agentmux/agentmux/internal/types"
)

// Config tunes the kernel's timers
type Config struct {
	StatePath     string        // session metadata JSON file
	IdleThreshold time.Duration // silence before agent_idle fires
	IdleInterval  time.Duration // idle sweep cadence
	ReadyTimeout  time.Duration // runtime readiness wait per session
	ReadyInterval time.Duration
	KillGrace     time.Duration // between Ctrl-C and force kill on stop
}

// DefaultConfig returns production tuning
func DefaultConfig(statePath string) Config {
	return Config{
		StatePath:     statePath,
		IdleThreshold: 5 * time.Minute,
		IdleInterval:  30 * time.Second,
		ReadyTimeout:  30 * time.Second,
		ReadyInterval: time.Second,
		KillGrace:     3 * time.Second,
	}
}

// SessionSpec describes a session to create
type SessionSpec struct {
	SessionName    string
	AgentID        string
	Role           string
	TeamID         string
	MemberID       string
	ProjectPath    string
	RuntimeKind    types.RuntimeKind
	RuntimeFlags   []string
	PromptFilePath string
}

// CPUSampler reports a session's CPU usage; nil means always zero
type CPUSampler func(sessionName string) float64

// Kernel is the control plane: it creates and destroys sessions,
// keeps the registry, and answers fleet snapshot queries.
type Kernel struct {
	cfg      Config
	backend  backend.SessionBackend
	bus      *bus.Bus
	registry *runtime.Registry
	store    *SessionStore
	tracker  *activity.Tracker

	contextMon *contextmon.Monitor
	exitMon    *exitmon.Monitor
	regTracker *exitmon.RegistrationTracker
	meter      *budget.Meter
	publisher  *fleet.Publisher
	cpuSampler CPUSampler

	mu       sync.RWMutex
	sessions map[string]*types.Session
	tokens   map[string]int64

	running bool
	stopCh  chan struct{}
	sleep   func(time.Duration)
}

// New creates a kernel and its monitors. The broadcaster receives
// context-level pushes and may be nil-free; pass NopBroadcaster when
// no transport is attached yet.
func New(cfg Config, b backend.SessionBackend, eventBus *bus.Bus, registry *runtime.Registry,
	monitorCfg contextmon.MonitorConfig, broadcaster contextmon.StatusBroadcaster) *Kernel {

	k := &Kernel{
		cfg:        cfg,
		backend:    b,
		bus:        eventBus,
		registry:   registry,
		store:      NewSessionStore(cfg.StatePath),
		tracker:    activity.NewTracker(),
		regTracker: exitmon.NewRegistrationTracker(),
		sessions:   make(map[string]*types.Session),
		tokens:     make(map[string]int64),
		sleep:      time.Sleep,
	}

	k.exitMon = exitmon.NewMonitor(b, eventBus, k)
	k.contextMon = contextmon.NewMonitor(monitorCfg, b, eventBus, k.tracker, k.exitMon, k, broadcaster)
	return k
}

// NopBroadcaster discards status pushes
type NopBroadcaster struct{}

func (NopBroadcaster) BroadcastStatusUpdate(string, types.ContextLevel, int) {}

// SetMeter attaches a budget meter for RecordUsage forwarding
func (k *Kernel) SetMeter(m *budget.Meter) { k.meter = m }

// SetPublisher attaches the fleet publisher so Stop can end its
// subscribers.
func (k *Kernel) SetPublisher(p *fleet.Publisher) { k.publisher = p }

// SetCPUSampler attaches a per-session CPU source
func (k *Kernel) SetCPUSampler(s CPUSampler) { k.cpuSampler = s }

// SetSleep overrides the shutdown grace sleep, for tests
func (k *Kernel) SetSleep(sleep func(time.Duration)) { k.sleep = sleep }

// Tracker exposes the shared activity tracker
func (k *Kernel) Tracker() *activity.Tracker { return k.tracker }

// ContextMonitor exposes the context-window monitor
func (k *Kernel) ContextMonitor() *contextmon.Monitor { return k.contextMon }

// ExitMonitor exposes the exit monitor
func (k *Kernel) ExitMonitor() *exitmon.Monitor { return k.exitMon }

// Start restores persisted sessions and begins monitoring. Monitors
// are reattached only for sessions the backend still knows; the rest
// are dropped with a session_missing event.
func (k *Kernel) Start() error {
	persisted, err := k.store.Load()
	if err != nil {
		return fmt.Errorf("failed to load session state: %w", err)
	}

	k.mu.Lock()
	if k.running {
		k.mu.Unlock()
		return fmt.Errorf("kernel already running")
	}
	k.running = true
	k.stopCh = make(chan struct{})
	stopCh := k.stopCh
	k.mu.Unlock()

	for name, session := range persisted {
		if !k.backend.SessionExists(name) {
			log.Printf("[KERNEL] Dropping persisted session %s: backend no longer knows it", name)
			k.store.Remove(name)
			ev := types.NewEvent(types.EventSessionMissing)
			ev.SessionName = name
			ev.AgentID = session.AgentID
			k.bus.Publish(ev)
			continue
		}

		k.mu.Lock()
		k.sessions[name] = session
		k.mu.Unlock()

		k.attachMonitors(session)
		k.tracker.RecordActivity(name)
	}

	k.contextMon.Start()

	if k.cfg.IdleInterval > 0 {
		go k.idleLoop(stopCh)
	}

	log.Printf("[KERNEL] Started with %d restored sessions", len(k.sessions))
	return nil
}

// Stop unwinds monitoring, flushes state, ends fleet subscribers, and
// terminates managed sessions with a grace period.
func (k *Kernel) Stop() {
	k.mu.Lock()
	if !k.running {
		k.mu.Unlock()
		return
	}
	k.running = false
	close(k.stopCh)
	names := make([]string, 0, len(k.sessions))
	for name := range k.sessions {
		names = append(names, name)
	}
	k.mu.Unlock()

	k.contextMon.Stop()
	for _, name := range names {
		k.contextMon.StopSessionMonitoring(name)
		k.exitMon.StopSession(name)
	}

	if k.publisher != nil {
		k.publisher.Shutdown()
	}

	if err := k.store.Flush(); err != nil {
		log.Printf("[KERNEL] State flush failed: %v", err)
	}

	for _, name := range names {
		if !k.backend.SessionExists(name) {
			continue
		}
		// Give the agent a chance to exit cleanly before force kill
		k.backend.SendKey(name, backend.KeyCtrlC)
	}
	k.sleep(k.cfg.KillGrace)
	for _, name := range names {
		if k.backend.SessionExists(name) {
			if err := k.backend.KillSession(name); err != nil {
				log.Printf("[KERNEL] Failed to kill %s: %v", name, err)
			}
		}
	}

	log.Println("[KERNEL] Stopped")
}

// StartAgentSession creates a backend session, runs the runtime init
// sequence, waits for readiness, and attaches monitors.
func (k *Kernel) StartAgentSession(spec SessionSpec) error {
	if spec.SessionName == "" || spec.AgentID == "" || spec.RuntimeKind == "" {
		return fmt.Errorf("session name, agent id, and runtime kind are required")
	}
	adapter := k.registry.Get(spec.RuntimeKind)
	if adapter == nil {
		return fmt.Errorf("no adapter registered for runtime %s", spec.RuntimeKind)
	}

	session := &types.Session{
		SessionName:   spec.SessionName,
		AgentID:       spec.AgentID,
		Role:          spec.Role,
		TeamID:        spec.TeamID,
		MemberID:      spec.MemberID,
		ProjectPath:   spec.ProjectPath,
		RuntimeKind:   spec.RuntimeKind,
		Status:        types.StatusStarting,
		WorkingStatus: types.WorkingIdle,
		CreatedAt:     time.Now().UTC(),
	}

	k.mu.Lock()
	if _, exists := k.sessions[spec.SessionName]; exists {
		k.mu.Unlock()
		return fmt.Errorf("session %s already managed", spec.SessionName)
	}
	k.sessions[spec.SessionName] = session
	k.mu.Unlock()
	k.store.Put(session)

	if !k.backend.SessionExists(spec.SessionName) {
		env := map[string]string{
			"AGENTMUX_ROLE":    spec.Role,
			"AGENT_ROLE":       spec.Role,
			"PROJECT_PATH":     spec.ProjectPath,
			"AGENTMUX_SESSION": spec.SessionName,
		}
		if _, err := k.backend.CreateSession(spec.SessionName, spec.ProjectPath, env); err != nil {
			k.dropSession(spec.SessionName)
			return fmt.Errorf("failed to create session %s: %w", spec.SessionName, err)
		}
	}

	promptPath := k.materializePrompt(spec)

	if err := adapter.ExecuteInitScript(spec.SessionName, spec.ProjectPath, spec.RuntimeFlags, promptPath); err != nil {
		k.dropSession(spec.SessionName)
		return fmt.Errorf("init script for %s failed: %w", spec.SessionName, err)
	}

	if !adapter.WaitForReady(spec.SessionName, k.cfg.ReadyTimeout, k.cfg.ReadyInterval) {
		// The session stays managed in starting state; a later restart
		// or manual intervention can still bring it up.
		log.Printf("[KERNEL] Session %s did not become ready within %s", spec.SessionName, k.cfg.ReadyTimeout)
		return fmt.Errorf("session %s not ready", spec.SessionName)
	}

	k.transition(spec.SessionName, types.StatusStarted)
	k.attachMonitors(session)
	k.regTracker.MarkRegistered(spec.SessionName)
	k.tracker.RecordActivity(spec.SessionName)
	k.transition(spec.SessionName, types.StatusActive)

	log.Printf("[KERNEL] Session %s (%s) is active", spec.SessionName, spec.RuntimeKind)
	return nil
}

// materializePrompt renders the prompt template with the session's
// placeholder values and writes it next to the state file, so the
// runtime receives a fully substituted file. On any failure the raw
// template path is passed through unchanged.
func (k *Kernel) materializePrompt(spec SessionSpec) string {
	if spec.PromptFilePath == "" {
		return ""
	}
	raw, err := os.ReadFile(spec.PromptFilePath)
	if err != nil {
		log.Printf("[KERNEL] Prompt template %s unreadable, passing through: %v", spec.PromptFilePath, err)
		return spec.PromptFilePath
	}

	rendered := runtime.SubstitutePrompt(string(raw), runtime.PromptValues{
		Role:        spec.Role,
		SessionID:   spec.SessionName,
		MemberID:    spec.MemberID,
		ProjectPath: spec.ProjectPath,
	})

	dir := filepath.Join(filepath.Dir(k.cfg.StatePath), "prompts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Printf("[KERNEL] Prompt dir %s: %v", dir, err)
		return spec.PromptFilePath
	}
	out := filepath.Join(dir, spec.SessionName+".md")
	if err := os.WriteFile(out, []byte(rendered), 0o644); err != nil {
		log.Printf("[KERNEL] Prompt write %s: %v", out, err)
		return spec.PromptFilePath
	}
	return out
}

// CreateAgentSession rebuilds a session during context recovery,
// reusing the metadata the kernel already holds for it.
func (k *Kernel) CreateAgentSession(req contextmon.RegistrationRequest) error {
	k.mu.Lock()
	prior, ok := k.sessions[req.SessionName]
	var spec SessionSpec
	if ok {
		spec = SessionSpec{
			SessionName: req.SessionName,
			AgentID:     prior.AgentID,
			Role:        req.Role,
			TeamID:      req.TeamID,
			MemberID:    req.MemberID,
			ProjectPath: prior.ProjectPath,
			RuntimeKind: prior.RuntimeKind,
		}
		delete(k.sessions, req.SessionName)
	} else {
		spec = SessionSpec{
			SessionName: req.SessionName,
			AgentID:     req.SessionName,
			Role:        req.Role,
			TeamID:      req.TeamID,
			MemberID:    req.MemberID,
			RuntimeKind: types.RuntimeClaudeCode,
		}
	}
	k.mu.Unlock()

	if k.backend.SessionExists(req.SessionName) {
		k.backend.KillSession(req.SessionName)
	}
	return k.StartAgentSession(spec)
}

// MarkSessionInactive downgrades a session after its runtime exited
func (k *Kernel) MarkSessionInactive(sessionName string) {
	k.mu.Lock()
	session, ok := k.sessions[sessionName]
	if ok {
		session.Status = types.StatusInactive
		session.WorkingStatus = types.WorkingIdle
	}
	k.mu.Unlock()
	if !ok {
		return
	}

	k.contextMon.StopSessionMonitoring(sessionName)
	k.regTracker.Clear(sessionName)
	k.store.Update(sessionName, func(s *types.Session) {
		s.Status = types.StatusInactive
		s.WorkingStatus = types.WorkingIdle
	})
	log.Printf("[KERNEL] Session %s marked inactive", sessionName)
}

// DestroySession stops monitoring and kills the backend session
func (k *Kernel) DestroySession(sessionName string) error {
	k.mu.Lock()
	_, ok := k.sessions[sessionName]
	delete(k.sessions, sessionName)
	delete(k.tokens, sessionName)
	k.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s is not managed", sessionName)
	}

	k.contextMon.StopSessionMonitoring(sessionName)
	k.exitMon.StopSession(sessionName)
	k.regTracker.Clear(sessionName)
	k.tracker.Clear(sessionName)
	k.store.Remove(sessionName)

	if k.backend.SessionExists(sessionName) {
		return k.backend.KillSession(sessionName)
	}
	return nil
}

// Session returns a copy of a managed session
func (k *Kernel) Session(sessionName string) (types.Session, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if session, ok := k.sessions[sessionName]; ok {
		return *session, true
	}
	return types.Session{}, false
}

// Sessions returns copies of every managed session
func (k *Kernel) Sessions() []types.Session {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]types.Session, 0, len(k.sessions))
	for _, session := range k.sessions {
		out = append(out, *session)
	}
	return out
}

// SetWorkingStatus updates a session's working status
func (k *Kernel) SetWorkingStatus(sessionName string, ws types.WorkingStatus) {
	k.mu.Lock()
	if session, ok := k.sessions[sessionName]; ok {
		session.WorkingStatus = ws
	}
	k.mu.Unlock()
	k.store.Update(sessionName, func(s *types.Session) { s.WorkingStatus = ws })
}

// RecordUsage attributes a usage record to its session and forwards it
// to the budget meter.
func (k *Kernel) RecordUsage(record types.UsageRecord) error {
	if record.SessionName != "" {
		k.mu.Lock()
		k.tokens[record.SessionName] += record.InputTokens + record.OutputTokens
		if session, ok := k.sessions[record.SessionName]; ok {
			session.LastActivityAt = time.Now().UTC()
		}
		k.mu.Unlock()
		k.tracker.RecordActivity(record.SessionName)
	}
	if k.meter == nil {
		return nil
	}
	return k.meter.RecordUsage(record)
}

// GetFleetSnapshot builds an immutable view of every managed session
func (k *Kernel) GetFleetSnapshot() (types.FleetSnapshot, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	snapshot := types.FleetSnapshot{Timestamp: time.Now().UTC()}
	projects := make(map[string]bool)

	for name, session := range k.sessions {
		agent := types.FleetAgent{
			ID:            session.AgentID,
			SessionName:   name,
			Role:          session.Role,
			Status:        string(session.Status),
			SessionTokens: k.tokens[name],
			Activity:      string(session.WorkingStatus),
		}
		if session.ProjectPath != "" {
			agent.ProjectName = session.ProjectPath
			projects[session.ProjectPath] = true
		}
		if k.cpuSampler != nil {
			agent.CPUPercent = k.cpuSampler(name)
		}
		snapshot.Agents = append(snapshot.Agents, agent)
		snapshot.Stats.TotalTokens += k.tokens[name]

		switch {
		case session.Status == types.StatusActive && session.WorkingStatus == types.WorkingInProgress:
			snapshot.Stats.ActiveCount++
		case session.Status == types.StatusActive:
			snapshot.Stats.IdleCount++
		default:
			snapshot.Stats.DormantCount++
		}
	}

	sort.Slice(snapshot.Agents, func(i, j int) bool {
		return snapshot.Agents[i].SessionName < snapshot.Agents[j].SessionName
	})
	for p := range projects {
		snapshot.Projects = append(snapshot.Projects, p)
	}
	sort.Strings(snapshot.Projects)
	return snapshot, nil
}

// SweepIdle downgrades active sessions that have produced no output
// for the idle threshold and emits agent_idle once per transition.
func (k *Kernel) SweepIdle() {
	k.mu.Lock()
	type idleHit struct {
		name    string
		agentID string
	}
	var hits []idleHit
	for name, session := range k.sessions {
		if session.Status != types.StatusActive {
			continue
		}
		if session.WorkingStatus != types.WorkingIdle && k.tracker.IsIdleFor(name, k.cfg.IdleThreshold) {
			session.WorkingStatus = types.WorkingIdle
			hits = append(hits, idleHit{name: name, agentID: session.AgentID})
		}
	}
	k.mu.Unlock()

	for _, hit := range hits {
		k.store.Update(hit.name, func(s *types.Session) { s.WorkingStatus = types.WorkingIdle })
		ev := types.NewEvent(types.EventAgentIdle)
		ev.SessionName = hit.name
		ev.AgentID = hit.agentID
		k.bus.Publish(ev)
	}
}

func (k *Kernel) idleLoop(stopCh chan struct{}) {
	ticker := time.NewTicker(k.cfg.IdleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			k.SweepIdle()
		}
	}
}

func (k *Kernel) attachMonitors(session *types.Session) {
	if err := k.contextMon.StartSessionMonitoring(session.SessionName, session.MemberID, session.TeamID, session.Role); err != nil {
		log.Printf("[KERNEL] Context monitoring for %s failed: %v", session.SessionName, err)
	}
	if adapter := k.registry.Get(session.RuntimeKind); adapter != nil {
		if err := k.exitMon.WatchSession(session.SessionName, session.AgentID, adapter.ExitPatterns()); err != nil {
			log.Printf("[KERNEL] Exit monitoring for %s failed: %v", session.SessionName, err)
		}
	}
}

func (k *Kernel) transition(sessionName string, status types.SessionStatus) {
	k.mu.Lock()
	if session, ok := k.sessions[sessionName]; ok {
		if session.Status.CanProgressTo(status) {
			session.Status = status
		}
	}
	k.mu.Unlock()
	k.store.Update(sessionName, func(s *types.Session) {
		if s.Status.CanProgressTo(status) {
			s.Status = status
		}
	})
}

func (k *Kernel) dropSession(sessionName string) {
	k.mu.Lock()
	delete(k.sessions, sessionName)
	k.mu.Unlock()
	k.store.Remove(sessionName)
}
