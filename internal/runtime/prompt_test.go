package runtime

import "testing"

func TestSubstitutePrompt(t *testing.T) {
	template := `You are {{ROLE}} in session {{SESSION_ID}} at {{PROJECT_PATH}}, "memberId": "{{MEMBER_ID}}"`

	got := SubstitutePrompt(template, PromptValues{
		Role:        "developer",
		SessionID:   "dev-1",
		MemberID:    "m-7",
		ProjectPath: "/work",
	})
	want := `You are developer in session dev-1 at /work, "memberId": "m-7"`
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSubstitutePromptMissingMemberStripsFragment(t *testing.T) {
	template := `{"role": "{{ROLE}}", "memberId": "{{MEMBER_ID}}"}`

	got := SubstitutePrompt(template, PromptValues{Role: "qa"})
	want := `{"role": "qa"}`
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSubstitutePromptMissingValuesCollapse(t *testing.T) {
	got := SubstitutePrompt("path={{PROJECT_PATH}}", PromptValues{})
	if got != "path=" {
		t.Errorf("missing value should collapse to empty, got %q", got)
	}
}

func TestSubstitutePromptLeavesUnknownPlaceholders(t *testing.T) {
	got := SubstitutePrompt("{{UNKNOWN}}", PromptValues{})
	if got != "{{UNKNOWN}}" {
		t.Errorf("unknown placeholders pass through, got %q", got)
	}
}
