// Package runtime implements per-runtime-kind adapters for the agent
// CLIs hosted inside sessions. Each adapter is a capability record; a
// shared template owns readiness polling, detection caching, and init
// script execution.
package runtime

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/agentmux/agentmux/internal/types"
)

// Capability declares everything that varies between runtime kinds
type Capability struct {
	Kind              types.RuntimeKind
	ReadinessPatterns []string
	ErrorPatterns     []string
	ExitPatterns      []*regexp.Regexp

	// DetectionPatterns are substrings whose presence in a pane
	// capture identifies the runtime. Detection is passive; an
	// adapter that needs to type into the terminal must set
	// ActiveProbe, and none of the shipped adapters do.
	DetectionPatterns []string
	ActiveProbe       bool

	// PermissionFlagMarker is the CLI flag before which extra runtime
	// flags are injected in init scripts.
	PermissionFlagMarker string

	// InitScriptName is the file under config/runtime_scripts.
	InitScriptName string
}

// Validate rejects capability records whose readiness and exit
// vocabularies collide.
func (c Capability) Validate() error {
	if c.Kind == "" {
		return fmt.Errorf("capability requires a runtime kind")
	}
	for _, ready := range c.ReadinessPatterns {
		for _, exit := range c.ExitPatterns {
			if exit.MatchString(ready) {
				return fmt.Errorf("pattern %q is both a readiness and an exit indicator", ready)
			}
		}
	}
	return nil
}

// Registry maps runtime kinds to adapters, populated at startup
type Registry struct {
	mu       sync.RWMutex
	adapters map[types.RuntimeKind]*Adapter
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[types.RuntimeKind]*Adapter)}
}

// Register adds an adapter, rejecting invalid capabilities and
// duplicate kinds.
func (r *Registry) Register(a *Adapter) error {
	if err := a.cap.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[a.cap.Kind]; ok {
		return fmt.Errorf("adapter already registered for %s", a.cap.Kind)
	}
	r.adapters[a.cap.Kind] = a
	return nil
}

// Get returns the adapter for a kind, or nil
func (r *Registry) Get(kind types.RuntimeKind) *Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters[kind]
}

// Kinds lists registered runtime kinds
func (r *Registry) Kinds() []types.RuntimeKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]types.RuntimeKind, 0, len(r.adapters))
	for k := range r.adapters {
		kinds = append(kinds, k)
	}
	return kinds
}

// ClaudeCodeCapability describes the Claude Code CLI
func ClaudeCodeCapability() Capability {
	return Capability{
		Kind: types.RuntimeClaudeCode,
		ReadinessPatterns: []string{
			"Welcome to Claude",
			"? for shortcuts",
			"Ready",
		},
		ErrorPatterns: []string{
			"command not found: claude",
			"ENOENT",
			"Invalid API key",
		},
		ExitPatterns: []*regexp.Regexp{
			regexp.MustCompile(`(?m)^\s*\$\s*$`),
			regexp.MustCompile(`Claude Code session ended`),
		},
		DetectionPatterns: []string{
			"Welcome to Claude",
			"claude-code",
		},
		PermissionFlagMarker: "--dangerously-skip-permissions",
		InitScriptName:       "claude-init.sh",
	}
}

// CodexCapability describes the Codex CLI
func CodexCapability() Capability {
	return Capability{
		Kind: types.RuntimeCodex,
		ReadinessPatterns: []string{
			"OpenAI Codex",
			"Codex is ready",
		},
		ErrorPatterns: []string{
			"command not found: codex",
			"authentication failed",
		},
		ExitPatterns: []*regexp.Regexp{
			regexp.MustCompile(`codex session closed`),
			regexp.MustCompile(`(?m)^\s*\$\s*$`),
		},
		DetectionPatterns: []string{
			"OpenAI Codex",
		},
		PermissionFlagMarker: "--full-auto",
		InitScriptName:       "codex-init.sh",
	}
}

// GeminiCapability describes the Gemini CLI
func GeminiCapability() Capability {
	return Capability{
		Kind: types.RuntimeGemini,
		ReadinessPatterns: []string{
			"Gemini CLI",
			"Type your message",
		},
		ErrorPatterns: []string{
			"command not found: gemini",
			"quota exceeded",
		},
		ExitPatterns: []*regexp.Regexp{
			regexp.MustCompile(`Agent powering down`),
			regexp.MustCompile(`(?m)^\s*\$\s*$`),
		},
		DetectionPatterns: []string{
			"Gemini CLI",
		},
		PermissionFlagMarker: "--yolo",
		InitScriptName:       "gemini-init.sh",
	}
}

// DetectKindFromCapture matches a pane capture against every
// registered adapter's detection vocabulary.
func (r *Registry) DetectKindFromCapture(capture string) (types.RuntimeKind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for kind, a := range r.adapters {
		for _, p := range a.cap.DetectionPatterns {
			if strings.Contains(capture, p) {
				return kind, true
			}
		}
	}
	return "", false
}
