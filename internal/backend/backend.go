// Package backend defines the terminal session contract the control
// plane runs against, plus the tmux implementation used in production.
package backend

import "errors"

// Named keys accepted by SendKey
const (
	KeyEnter  = "Enter"
	KeyCtrlC  = "Ctrl-C"
	KeyCtrlU  = "Ctrl-U"
	KeyEscape = "Escape"
)

// Backend errors
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
)

// DataCallback receives raw PTY output. Callbacks for one session are
// delivered serialized, in receipt order.
type DataCallback func(data string)

// Unsubscribe detaches a data callback
type Unsubscribe func()

// SessionBackend is the single source of truth for terminal I/O
type SessionBackend interface {
	// CreateSession spawns a named session in cwd with extra env vars
	// and returns its pid.
	CreateSession(name, cwd string, env map[string]string) (int, error)

	// SessionExists reports whether a session with the name is alive.
	SessionExists(name string) bool

	// Write sends raw bytes to the session's stdin.
	Write(name string, data []byte) error

	// SendKey sends a named key or printable text.
	SendKey(name, key string) error

	// CapturePane returns the last lineCount rendered lines. The
	// caller strips ANSI sequences.
	CapturePane(name string, lineCount int) (string, error)

	// OnData registers a callback for the session's output stream.
	OnData(name string, cb DataCallback) (Unsubscribe, error)

	// KillSession terminates the session.
	KillSession(name string) error

	// ClearCurrentCommandLine erases any half-typed command (Ctrl-U).
	ClearCurrentCommandLine(name string) error

	// SetEnv sets an environment variable inside the session.
	SetEnv(name, key, value string) error
}
