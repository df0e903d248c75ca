package runtime

import "strings"

// Prompt placeholder keys. The substitution set is closed; anything
// else in the template passes through untouched.
const (
	PlaceholderRole        = "{{ROLE}}"
	PlaceholderSessionID   = "{{SESSION_ID}}"
	PlaceholderMemberID    = "{{MEMBER_ID}}"
	PlaceholderProjectPath = "{{PROJECT_PATH}}"
)

// memberIDFragment is the JSON fragment removed when no member id is
// available, so prompts never carry a dangling empty field.
const memberIDFragment = `, "memberId": "{{MEMBER_ID}}"`

// PromptValues carries the substitution inputs
type PromptValues struct {
	Role        string
	SessionID   string
	MemberID    string
	ProjectPath string
}

// SubstitutePrompt fills the closed placeholder set. Missing values
// collapse to empty strings; a missing member id additionally strips
// the adjacent memberId JSON fragment.
func SubstitutePrompt(template string, v PromptValues) string {
	out := template
	if v.MemberID == "" {
		out = strings.ReplaceAll(out, memberIDFragment, "")
	}
	out = strings.ReplaceAll(out, PlaceholderRole, v.Role)
	out = strings.ReplaceAll(out, PlaceholderSessionID, v.SessionID)
	out = strings.ReplaceAll(out, PlaceholderMemberID, v.MemberID)
	out = strings.ReplaceAll(out, PlaceholderProjectPath, v.ProjectPath)
	return out
}
