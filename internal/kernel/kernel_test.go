package kernel

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentmux/agentmux/internal/backend"
	"github.com/agentmux/agentmux/internal/bus"
	"github.com/agentmux/agentmux/internal/contextmon"
	"github.com/agentmux/agentmux/internal/runtime"
	"github.com/agentmux/agentmux/internal/types"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "sessions.json"))
	cfg.IdleInterval = 0 // tests drive SweepIdle directly
	cfg.ReadyTimeout = 200 * time.Millisecond
	cfg.ReadyInterval = time.Millisecond
	cfg.KillGrace = 0
	return cfg
}

func testRegistry(t *testing.T) *runtime.Registry {
	t.Helper()
	return testRegistryWith(t, backend.NewFakeBackend())
}

func testRegistryWith(t *testing.T, fb *backend.FakeBackend) *runtime.Registry {
	t.Helper()
	rcfg := runtime.NewConfigForTest(t.TempDir())
	rcfg.SetCommandOverride(types.RuntimeClaudeCode, "claude --dangerously-skip-permissions")

	registry := runtime.NewRegistry()
	if err := registry.Register(runtime.NewAdapter(runtime.ClaudeCodeCapability(), fb, rcfg)); err != nil {
		t.Fatalf("register adapter: %v", err)
	}
	return registry
}

func newTestKernel(t *testing.T) (*Kernel, *backend.FakeBackend, *bus.Bus) {
	t.Helper()
	fb := backend.NewFakeBackend()
	b := bus.New()
	k := New(testConfig(t), fb, b, testRegistryWith(t, fb), contextmon.DefaultMonitorConfig(), NopBroadcaster{})
	k.SetSleep(func(time.Duration) {})
	return k, fb, b
}

func readySession(fb *backend.FakeBackend, name string) {
	fb.AddSession(name)
	fb.SetPaneContent(name, "Welcome to Claude")
}

func devSpec(name string) SessionSpec {
	return SessionSpec{
		SessionName: name,
		AgentID:     "agent-" + name,
		Role:        "developer",
		TeamID:      "team-1",
		MemberID:    "m1",
		ProjectPath: "/proj",
		RuntimeKind: types.RuntimeClaudeCode,
	}
}

func TestStartAgentSessionLifecycle(t *testing.T) {
	k, fb, _ := newTestKernel(t)
	readySession(fb, "dev-1")

	if err := k.StartAgentSession(devSpec("dev-1")); err != nil {
		t.Fatalf("start session: %v", err)
	}

	session, ok := k.Session("dev-1")
	if !ok {
		t.Fatal("session not registered")
	}
	if session.Status != types.StatusActive {
		t.Errorf("status = %s, want active", session.Status)
	}
	if !k.ExitMonitor().Watching("dev-1") {
		t.Error("exit monitor not attached")
	}
	if _, ok := k.ContextMonitor().ContextState("dev-1"); !ok {
		t.Error("context monitor not attached")
	}

	// The init sequence cleared the prompt and cd'd into the project
	keys := fb.Keys("dev-1")
	if len(keys) == 0 || keys[0] != backend.KeyCtrlU {
		t.Errorf("keys = %v, want leading Ctrl-U", keys)
	}
	written := fb.Written("dev-1")
	if len(written) == 0 || written[0] != `cd "/proj"` {
		t.Errorf("written = %v", written)
	}

	if err := k.StartAgentSession(devSpec("dev-1")); err == nil {
		t.Error("duplicate session should be rejected")
	}
}

func TestStartAgentSessionRendersPrompt(t *testing.T) {
	k, fb, _ := newTestKernel(t)
	readySession(fb, "dev-1")

	template := filepath.Join(t.TempDir(), "prompt.md")
	content := `You are {{ROLE}} in session {{SESSION_ID}} at {{PROJECT_PATH}}, "memberId": "{{MEMBER_ID}}"`
	if err := os.WriteFile(template, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	spec := devSpec("dev-1")
	spec.PromptFilePath = template
	if err := k.StartAgentSession(spec); err != nil {
		t.Fatalf("start session: %v", err)
	}

	rendered := filepath.Join(filepath.Dir(k.cfg.StatePath), "prompts", "dev-1.md")
	got, err := os.ReadFile(rendered)
	if err != nil {
		t.Fatalf("rendered prompt: %v", err)
	}
	want := `You are developer in session dev-1 at /proj, "memberId": "m1"`
	if string(got) != want {
		t.Errorf("rendered prompt = %q, want %q", got, want)
	}

	// The runtime command points at the rendered file, not the template
	written := fb.Written("dev-1")
	if len(written) < 2 || !strings.Contains(written[1], `--append-system-prompt-file "`+rendered+`"`) {
		t.Errorf("written = %v, want rendered prompt path injected", written)
	}
}

func TestStartAgentSessionUnknownRuntime(t *testing.T) {
	k, _, _ := newTestKernel(t)
	spec := devSpec("dev-1")
	spec.RuntimeKind = types.RuntimeGemini
	if err := k.StartAgentSession(spec); err == nil {
		t.Error("unregistered runtime should fail")
	}
}

func TestMarkSessionInactive(t *testing.T) {
	k, fb, _ := newTestKernel(t)
	readySession(fb, "dev-1")
	if err := k.StartAgentSession(devSpec("dev-1")); err != nil {
		t.Fatal(err)
	}

	k.MarkSessionInactive("dev-1")

	session, _ := k.Session("dev-1")
	if session.Status != types.StatusInactive {
		t.Errorf("status = %s", session.Status)
	}
	if _, ok := k.ContextMonitor().ContextState("dev-1"); ok {
		t.Error("context monitoring should stop on inactive")
	}
}

func TestRestoreReattachesOnlyLiveSessions(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "sessions.json")

	// First kernel: create two sessions and flush state
	fb := backend.NewFakeBackend()
	b := bus.New()
	cfg := testConfig(t)
	cfg.StatePath = statePath
	k := New(cfg, fb, b, testRegistryWith(t, fb), contextmon.DefaultMonitorConfig(), NopBroadcaster{})
	k.SetSleep(func(time.Duration) {})

	readySession(fb, "dev-1")
	readySession(fb, "dev-2")
	if err := k.StartAgentSession(devSpec("dev-1")); err != nil {
		t.Fatal(err)
	}
	if err := k.StartAgentSession(devSpec("dev-2")); err != nil {
		t.Fatal(err)
	}
	if err := k.store.Flush(); err != nil {
		t.Fatal(err)
	}

	// Second kernel over the same state; the backend only knows dev-1 now
	fb2 := backend.NewFakeBackend()
	readySession(fb2, "dev-1")
	b2 := bus.New()

	var missing []types.Event
	b2.Subscribe("t", types.EventSessionMissing, func(ev types.Event) error {
		missing = append(missing, ev)
		return nil
	})

	k2 := New(cfg, fb2, b2, testRegistryWith(t, fb2), contextmon.DefaultMonitorConfig(), NopBroadcaster{})
	k2.SetSleep(func(time.Duration) {})
	if err := k2.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer k2.Stop()

	if _, ok := k2.Session("dev-1"); !ok {
		t.Error("dev-1 should be restored")
	}
	if _, ok := k2.Session("dev-2"); ok {
		t.Error("dev-2 should be dropped, backend does not know it")
	}
	if len(missing) != 1 || missing[0].SessionName != "dev-2" {
		t.Errorf("session_missing events = %+v", missing)
	}
	if !k2.ExitMonitor().Watching("dev-1") {
		t.Error("monitors should be reattached for dev-1")
	}
}

func TestStopKillsManagedSessions(t *testing.T) {
	k, fb, _ := newTestKernel(t)
	readySession(fb, "dev-1")
	if err := k.StartAgentSession(devSpec("dev-1")); err != nil {
		t.Fatal(err)
	}
	if err := k.Start(); err != nil {
		t.Fatal(err)
	}

	k.Stop()

	if fb.SessionExists("dev-1") {
		t.Error("managed session should be killed on stop")
	}
	keys := fb.Keys("dev-1")
	if len(keys) == 0 || keys[len(keys)-1] != backend.KeyCtrlC {
		t.Errorf("keys = %v, want trailing Ctrl-C before kill", keys)
	}
	k.Stop() // idempotent
}

func TestFleetSnapshotCounts(t *testing.T) {
	k, fb, _ := newTestKernel(t)
	readySession(fb, "dev-1")
	readySession(fb, "dev-2")
	if err := k.StartAgentSession(devSpec("dev-1")); err != nil {
		t.Fatal(err)
	}
	if err := k.StartAgentSession(devSpec("dev-2")); err != nil {
		t.Fatal(err)
	}

	k.SetWorkingStatus("dev-1", types.WorkingInProgress)
	k.SetCPUSampler(func(name string) float64 {
		if name == "dev-1" {
			return 42.5
		}
		return 0
	})

	if err := k.RecordUsage(types.UsageRecord{
		SessionName: "dev-1", AgentID: "agent-dev-1",
		InputTokens: 100, OutputTokens: 50, Model: "claude-sonnet",
		Timestamp: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	snapshot, err := k.GetFleetSnapshot()
	if err != nil {
		t.Fatal(err)
	}
	if len(snapshot.Agents) != 2 {
		t.Fatalf("agents = %d", len(snapshot.Agents))
	}
	if snapshot.Stats.ActiveCount != 1 || snapshot.Stats.IdleCount != 1 {
		t.Errorf("stats = %+v", snapshot.Stats)
	}
	if snapshot.Stats.TotalTokens != 150 {
		t.Errorf("total tokens = %d", snapshot.Stats.TotalTokens)
	}
	// Agents sort by session name
	if snapshot.Agents[0].SessionName != "dev-1" || snapshot.Agents[0].CPUPercent != 42.5 {
		t.Errorf("agent[0] = %+v", snapshot.Agents[0])
	}
	if len(snapshot.Projects) != 1 || snapshot.Projects[0] != "/proj" {
		t.Errorf("projects = %v", snapshot.Projects)
	}
}

func TestSweepIdleEmitsOnce(t *testing.T) {
	k, fb, b := newTestKernel(t)
	readySession(fb, "dev-1")
	if err := k.StartAgentSession(devSpec("dev-1")); err != nil {
		t.Fatal(err)
	}
	k.SetWorkingStatus("dev-1", types.WorkingInProgress)

	var idle []types.Event
	b.Subscribe("t", types.EventAgentIdle, func(ev types.Event) error {
		idle = append(idle, ev)
		return nil
	})

	current := time.Now()
	k.Tracker().SetClock(func() time.Time { return current })
	k.Tracker().RecordActivity("dev-1")

	// Not idle yet
	current = current.Add(time.Minute)
	k.SweepIdle()
	if len(idle) != 0 {
		t.Fatalf("idle events too early: %d", len(idle))
	}

	// Past the threshold: exactly one event, repeated sweeps stay quiet
	current = current.Add(10 * time.Minute)
	k.SweepIdle()
	k.SweepIdle()
	if len(idle) != 1 {
		t.Fatalf("idle events = %d, want 1", len(idle))
	}
	if idle[0].SessionName != "dev-1" {
		t.Errorf("event = %+v", idle[0])
	}

	session, _ := k.Session("dev-1")
	if session.WorkingStatus != types.WorkingIdle {
		t.Errorf("working status = %s", session.WorkingStatus)
	}
}

func TestCreateAgentSessionReusesMetadata(t *testing.T) {
	k, fb, _ := newTestKernel(t)
	readySession(fb, "dev-1")
	if err := k.StartAgentSession(devSpec("dev-1")); err != nil {
		t.Fatal(err)
	}

	// Recovery: the old session dies, the kernel rebuilds it from the
	// metadata it already holds.
	err := k.CreateAgentSession(contextmon.RegistrationRequest{
		SessionName: "dev-1",
		Role:        "developer",
		TeamID:      "team-1",
		MemberID:    "m1",
	})
	// The fake's recreated session has an empty pane, so readiness will
	// time out, but the session must exist and be managed again.
	if err == nil {
		fb.SetPaneContent("dev-1", "Welcome to Claude")
	}
	if !fb.SessionExists("dev-1") {
		t.Fatal("session should be recreated in the backend")
	}

	session, ok := k.Session("dev-1")
	if !ok {
		t.Fatal("session should be managed after recovery")
	}
	if session.ProjectPath != "/proj" || session.RuntimeKind != types.RuntimeClaudeCode {
		t.Errorf("metadata not reused: %+v", session)
	}
}

func TestDestroySession(t *testing.T) {
	k, fb, _ := newTestKernel(t)
	readySession(fb, "dev-1")
	if err := k.StartAgentSession(devSpec("dev-1")); err != nil {
		t.Fatal(err)
	}

	if err := k.DestroySession("dev-1"); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if fb.SessionExists("dev-1") {
		t.Error("backend session should be killed")
	}
	if _, ok := k.Session("dev-1"); ok {
		t.Error("session should be forgotten")
	}
	if err := k.DestroySession("dev-1"); err == nil {
		t.Error("double destroy should fail")
	}
}

func TestSessionStorePersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	s := NewSessionStore(path)
	if _, err := s.Load(); err != nil {
		t.Fatalf("load empty: %v", err)
	}

	s.Put(&types.Session{
		SessionName: "dev-1",
		AgentID:     "a1",
		RuntimeKind: types.RuntimeClaudeCode,
		Status:      types.StatusActive,
	})
	s.Update("dev-1", func(sess *types.Session) { sess.Status = types.StatusInactive })
	if err := s.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	reopened := NewSessionStore(path)
	sessions, err := reopened.Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d", len(sessions))
	}
	if sessions["dev-1"].Status != types.StatusInactive {
		t.Errorf("status = %s", sessions["dev-1"].Status)
	}
}
