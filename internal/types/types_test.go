package types

import (
	"testing"
)

func TestLevelForThresholds(t *testing.T) {
	th := DefaultContextThresholds()

	tests := []struct {
		percent int
		want    ContextLevel
	}{
		{0, ContextNormal},
		{69, ContextNormal},
		{70, ContextYellow},
		{84, ContextYellow},
		{85, ContextRed},
		{94, ContextRed},
		{95, ContextCritical},
		{100, ContextCritical},
	}

	for _, tc := range tests {
		if got := th.LevelFor(tc.percent); got != tc.want {
			t.Errorf("LevelFor(%d) = %s, want %s", tc.percent, got, tc.want)
		}
	}
}

func TestThresholdValidation(t *testing.T) {
	bad := ContextThresholds{Yellow: 85, Red: 70, Critical: 95}
	if err := bad.Validate(); err == nil {
		t.Error("expected error for unordered thresholds")
	}
	if err := DefaultContextThresholds().Validate(); err != nil {
		t.Errorf("default thresholds should validate: %v", err)
	}
}

func TestStatusProgression(t *testing.T) {
	if !StatusStarting.CanProgressTo(StatusActive) {
		t.Error("starting -> active should be allowed")
	}
	if StatusActive.CanProgressTo(StatusInactive) {
		t.Error("active -> inactive is not a forward transition")
	}
	// Recovery resets to starting from any status
	if !StatusActive.CanProgressTo(StatusStarting) {
		t.Error("recovery to starting must always be allowed")
	}
}

func TestPriorityNumeric(t *testing.T) {
	if PriorityCritical.Numeric() != 1 {
		t.Errorf("critical = %d, want 1", PriorityCritical.Numeric())
	}
	if PriorityBacklog.Numeric() != 5 {
		t.Errorf("backlog = %d, want 5", PriorityBacklog.Numeric())
	}
	if TaskPriority("bogus").Numeric() != 5 {
		t.Error("unknown priority should sort last")
	}
}

func TestSessionValidate(t *testing.T) {
	s := &Session{SessionName: "dev-1", AgentID: "a1", RuntimeKind: RuntimeClaudeCode}
	if err := s.Validate(); err != nil {
		t.Errorf("valid session rejected: %v", err)
	}

	missing := &Session{AgentID: "a1"}
	if err := missing.Validate(); err == nil {
		t.Error("expected error for missing session name")
	}
}

func TestAutoAssignConfigValidate(t *testing.T) {
	cfg := DefaultAutoAssignConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}

	cfg.Strategy.Prioritization = "random"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown strategy")
	}
}

func TestNewEventHasIDAndTimestamp(t *testing.T) {
	ev := NewEvent(EventTaskAssigned)
	if ev.ID == "" {
		t.Error("event id should be populated")
	}
	if ev.Timestamp.IsZero() {
		t.Error("event timestamp should be populated")
	}
	if ev.Type != EventTaskAssigned {
		t.Errorf("type = %s, want task_assigned", ev.Type)
	}
}
