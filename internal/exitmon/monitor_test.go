package exitmon

import (
	"regexp"
	"sync"
	"testing"

	"github.com/agentmux/agentmux/internal/backend"
	"github.com/agentmux/agentmux/internal/bus"
	"github.com/agentmux/agentmux/internal/types"
)

type fakeSink struct {
	mu       sync.Mutex
	inactive []string
}

func (f *fakeSink) MarkSessionInactive(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inactive = append(f.inactive, name)
}

func exitPatterns() []*regexp.Regexp {
	return []*regexp.Regexp{regexp.MustCompile(`session ended`)}
}

func TestExitMatchTransitionsOnce(t *testing.T) {
	fb := backend.NewFakeBackend()
	fb.AddSession("dev-1")
	b := bus.New()
	sink := &fakeSink{}

	var events []types.Event
	b.Subscribe("t", types.EventSessionExited, func(ev types.Event) error {
		events = append(events, ev)
		return nil
	})

	m := NewMonitor(fb, b, sink)
	if err := m.WatchSession("dev-1", "a1", exitPatterns()); err != nil {
		t.Fatalf("watch: %v", err)
	}

	fb.EmitData("dev-1", "still working")
	if len(events) != 0 {
		t.Fatal("no exit yet")
	}

	fb.EmitData("dev-1", "Claude Code session ended")
	fb.EmitData("dev-1", "session ended again")

	if len(events) != 1 {
		t.Fatalf("exit events = %d, want 1", len(events))
	}
	if events[0].SessionName != "dev-1" || events[0].AgentID != "a1" {
		t.Errorf("event = %+v", events[0])
	}
	if len(sink.inactive) != 1 || sink.inactive[0] != "dev-1" {
		t.Errorf("sink = %v, want one inactive mark", sink.inactive)
	}
	if m.Watching("dev-1") {
		t.Error("watch should be removed after match")
	}
}

func TestStopSessionIsIdempotent(t *testing.T) {
	fb := backend.NewFakeBackend()
	fb.AddSession("dev-1")
	m := NewMonitor(fb, bus.New(), &fakeSink{})

	if err := m.WatchSession("dev-1", "a1", exitPatterns()); err != nil {
		t.Fatal(err)
	}
	m.StopSession("dev-1")
	m.StopSession("dev-1")

	fb.EmitData("dev-1", "session ended")
	if m.Watching("dev-1") {
		t.Error("stopped session should not be watched")
	}
}

func TestRegistrationTracker(t *testing.T) {
	r := NewRegistrationTracker()
	if r.IsRegistered("dev-1") {
		t.Error("unseen session should not be registered")
	}
	r.MarkRegistered("dev-1")
	if !r.IsRegistered("dev-1") {
		t.Error("expected registered")
	}
	r.Clear("dev-1")
	if r.IsRegistered("dev-1") {
		t.Error("cleared session should be forgotten")
	}
}
