package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentmux/agentmux/internal/assign"
	"github.com/agentmux/agentmux/internal/backend"
	"github.com/agentmux/agentmux/internal/budget"
	"github.com/agentmux/agentmux/internal/bus"
	"github.com/agentmux/agentmux/internal/contextmon"
	"github.com/agentmux/agentmux/internal/fleet"
	"github.com/agentmux/agentmux/internal/kernel"
	"github.com/agentmux/agentmux/internal/runtime"
	"github.com/agentmux/agentmux/internal/types"
)

type memTaskStore struct {
	tasks map[string]types.TaskRecord
}

func newMemTaskStore(tasks ...types.TaskRecord) *memTaskStore {
	s := &memTaskStore{tasks: make(map[string]types.TaskRecord)}
	for _, task := range tasks {
		s.tasks[task.ID] = task
	}
	return s
}

func (s *memTaskStore) GetAll() ([]types.TaskRecord, error) {
	out := make([]types.TaskRecord, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, task)
	}
	return out, nil
}

func (s *memTaskStore) GetByID(id string) (types.TaskRecord, error) {
	task, ok := s.tasks[id]
	if !ok {
		return types.TaskRecord{}, fmt.Errorf("task %s not found", id)
	}
	return task, nil
}

func (s *memTaskStore) UpdateStatus(id string, status types.TaskStatus, changedBy, reason string) error {
	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}
	task.Status = status
	s.tasks[id] = task
	return nil
}

type testEnv struct {
	server   *Server
	kernel   *kernel.Kernel
	assigner *assign.Assigner
	backend  *backend.FakeBackend
	store    *memTaskStore
	http     *httptest.Server
}

func newTestEnv(t *testing.T, tasks ...types.TaskRecord) *testEnv {
	t.Helper()

	fb := backend.NewFakeBackend()
	b := bus.New()

	rcfg := runtime.NewConfigForTest(t.TempDir())
	rcfg.SetCommandOverride(types.RuntimeClaudeCode, "claude --dangerously-skip-permissions")
	registry := runtime.NewRegistry()
	if err := registry.Register(runtime.NewAdapter(runtime.ClaudeCodeCapability(), fb, rcfg)); err != nil {
		t.Fatalf("register adapter: %v", err)
	}

	kcfg := kernel.DefaultConfig(filepath.Join(t.TempDir(), "sessions.json"))
	kcfg.IdleInterval = 0
	kcfg.ReadyTimeout = 200 * time.Millisecond
	kcfg.ReadyInterval = time.Millisecond
	kcfg.KillGrace = 0
	k := kernel.New(kcfg, fb, b, registry, contextmon.DefaultMonitorConfig(), kernel.NopBroadcaster{})
	k.SetSleep(func(time.Duration) {})

	store := newMemTaskStore(tasks...)
	assigner := assign.NewAssigner(store, b, fb)

	home := t.TempDir()
	meter := budget.NewMeter(budget.NewUsageLog(home), budget.LoadConfigStore(home), b)
	k.SetMeter(meter)

	publisher := fleet.NewPublisher(k)
	publisher.SetIntervals(time.Hour, time.Hour)

	srv := NewServer(NewHub(), k, assigner, meter, publisher, b)
	go srv.Hub().Run()

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &testEnv{server: srv, kernel: k, assigner: assigner, backend: fb, store: store, http: ts}
}

func (e *testEnv) startSession(t *testing.T, name string) {
	t.Helper()
	e.backend.AddSession(name)
	e.backend.SetPaneContent(name, "Welcome to Claude")

	body, _ := json.Marshal(map[string]any{
		"sessionName": name,
		"agentId":     "agent-" + name,
		"role":        "developer",
		"projectPath": "/proj",
	})
	resp, err := http.Post(e.http.URL+"/api/sessions", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create session: status %d", resp.StatusCode)
	}
}

func getJSON(t *testing.T, url string, out any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	var health map[string]any
	getJSON(t, env.http.URL+"/api/health", &health)
	if health["status"] != "ok" {
		t.Errorf("status = %v, want ok", health["status"])
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	env.startSession(t, "dev-1")

	var sessions []types.Session
	getJSON(t, env.http.URL+"/api/sessions", &sessions)
	if len(sessions) != 1 || sessions[0].SessionName != "dev-1" {
		t.Fatalf("sessions = %+v, want one dev-1", sessions)
	}

	var snapshot types.FleetSnapshot
	getJSON(t, env.http.URL+"/api/fleet", &snapshot)
	if len(snapshot.Agents) != 1 {
		t.Errorf("agents = %d, want 1", len(snapshot.Agents))
	}

	req, _ := http.NewRequest(http.MethodDelete, env.http.URL+"/api/sessions/dev-1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete session: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete session: status %d", resp.StatusCode)
	}

	sessions = nil
	getJSON(t, env.http.URL+"/api/sessions", &sessions)
	if len(sessions) != 0 {
		t.Errorf("sessions after delete = %+v, want none", sessions)
	}
}

func TestCreateSessionRejectsBadBody(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Post(env.http.URL+"/api/sessions", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAssignAndCompleteOverHTTP(t *testing.T) {
	task := types.TaskRecord{
		ID:        "T1",
		Title:     "Implement login",
		Status:    types.TaskOpen,
		Priority:  types.PriorityHigh,
		Assignee:  "developer",
		CreatedAt: time.Now().Add(-time.Hour),
	}
	env := newTestEnv(t, task)
	env.startSession(t, "dev-1")

	cfg := types.DefaultAutoAssignConfig()
	cfg.Enabled = true
	cfg.Limits.CooldownBetweenTasks = 0
	if err := env.assigner.RegisterProject("/proj", cfg); err != nil {
		t.Fatalf("register project: %v", err)
	}

	resp, err := http.Post(env.http.URL+"/api/sessions/dev-1/assign", "application/json", nil)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	var result struct {
		Assigned bool   `json:"assigned"`
		Reason   string `json:"reason"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode assign response: %v", err)
	}
	resp.Body.Close()
	if !result.Assigned {
		t.Fatalf("assigned = false, reason %q", result.Reason)
	}
	if env.store.tasks["T1"].Status != types.TaskInProgress {
		t.Errorf("task status = %s, want in_progress", env.store.tasks["T1"].Status)
	}

	resp, err = http.Post(env.http.URL+"/api/tasks/T1/complete", "application/json", nil)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	resp.Body.Close()
	if env.store.tasks["T1"].Status != types.TaskDone {
		t.Errorf("task status = %s, want done", env.store.tasks["T1"].Status)
	}
}

func TestAssignReportsReason(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Post(env.http.URL+"/api/sessions/ghost/assign", "application/json", nil)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	var result struct {
		Assigned bool   `json:"assigned"`
		Reason   string `json:"reason"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if result.Assigned {
		t.Fatal("assigned = true for unregistered session")
	}
	if result.Reason == "" {
		t.Error("reason is empty")
	}
}

func TestUsageEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.startSession(t, "dev-1")

	record := types.UsageRecord{
		SessionName:  "dev-1",
		AgentID:      "agent-dev-1",
		ProjectPath:  "/proj",
		Model:        "claude-sonnet",
		InputTokens:  1000,
		OutputTokens: 500,
	}
	body, _ := json.Marshal(record)
	resp, err := http.Post(env.http.URL+"/api/usage", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("record usage: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("record usage: status %d", resp.StatusCode)
	}

	var summary budget.UsageSummary
	getJSON(t, env.http.URL+"/api/usage/agent-dev-1?period=day", &summary)
	if summary.Totals.Records != 1 {
		t.Errorf("Records = %d, want 1", summary.Totals.Records)
	}

	var report budget.Report
	getJSON(t, env.http.URL+"/api/report?period=day", &report)
	if report.Totals.Records != 1 {
		t.Errorf("report Records = %d, want 1", report.Totals.Records)
	}

	resp, err = http.Get(env.http.URL + "/api/usage/agent-dev-1?period=fortnight")
	if err != nil {
		t.Fatalf("get usage: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad period: status %d, want 400", resp.StatusCode)
	}
}

func TestFleetStreamSendsConnected(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.http.URL + "/events/fleet")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	sawConnected := false
	for scanner.Scan() {
		if scanner.Text() == "event: connected" {
			sawConnected = true
			break
		}
	}
	if !sawConnected {
		t.Error("never received connected event")
	}
}

func TestWebSocketReceivesFleetState(t *testing.T) {
	env := newTestEnv(t)
	env.startSession(t, "dev-1")

	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != WSTypeFleet {
		t.Errorf("message type = %q, want %q", msg.Type, WSTypeFleet)
	}
}

func TestBusEventsReachWebSocketClients(t *testing.T) {
	env := newTestEnv(t)

	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// First frame is the fleet snapshot push
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}

	env.server.bus.Publish(types.Event{
		Type:        types.EventContextWarning,
		SessionName: "dev-1",
		Timestamp:   time.Now().UTC(),
	})

	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != WSTypeEvent {
		t.Errorf("message type = %q, want %q", msg.Type, WSTypeEvent)
	}
}
