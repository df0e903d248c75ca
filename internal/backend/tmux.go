package backend

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// TmuxBackend drives sessions through the tmux CLI. Pane operations
// are rate limited behind a single mutex; tmux locks up when commands
// arrive too quickly.
type TmuxBackend struct {
	opMu           sync.Mutex
	lastOp         time.Time
	minOpInterval  time.Duration
	commandTimeout time.Duration

	watchMu  sync.Mutex
	watchers map[string]*paneWatcher

	pollInterval time.Duration
}

// NewTmuxBackend creates a tmux-backed SessionBackend
func NewTmuxBackend() *TmuxBackend {
	return &TmuxBackend{
		minOpInterval:  200 * time.Millisecond,
		commandTimeout: 10 * time.Second,
		watchers:       make(map[string]*paneWatcher),
		pollInterval:   500 * time.Millisecond,
	}
}

// waitForInterval enforces the minimum spacing between pane operations.
// Callers must hold opMu.
func (t *TmuxBackend) waitForInterval() {
	elapsed := time.Since(t.lastOp)
	if elapsed < t.minOpInterval {
		time.Sleep(t.minOpInterval - elapsed)
	}
	t.lastOp = time.Now()
}

// runCommand executes a tmux command with a timeout
func (t *TmuxBackend) runCommand(args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), t.commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "tmux", args...)
	output, err := cmd.CombinedOutput()

	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("tmux command timed out after %v", t.commandTimeout)
	}
	return output, err
}

// CreateSession spawns a detached tmux session and returns the pane pid
func (t *TmuxBackend) CreateSession(name, cwd string, env map[string]string) (int, error) {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	if t.sessionExistsLocked(name) {
		return 0, ErrSessionExists
	}

	t.waitForInterval()

	args := []string{"new-session", "-d", "-s", name}
	if cwd != "" {
		args = append(args, "-c", cwd)
	}
	for k, v := range env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}

	output, err := t.runCommand(args...)
	if err != nil {
		return 0, fmt.Errorf("failed to create session %s: %w (output: %s)", name, err, string(output))
	}

	pidOut, err := t.runCommand("display-message", "-p", "-t", name, "#{pane_pid}")
	if err != nil {
		return 0, fmt.Errorf("failed to read pane pid for %s: %w", name, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(pidOut)))
	if err != nil {
		return 0, fmt.Errorf("failed to parse pane pid %q: %w", strings.TrimSpace(string(pidOut)), err)
	}

	log.Printf("[TMUX] Created session %s (pid %d)", name, pid)
	return pid, nil
}

// SessionExists reports whether tmux knows the session
func (t *TmuxBackend) SessionExists(name string) bool {
	t.opMu.Lock()
	defer t.opMu.Unlock()
	return t.sessionExistsLocked(name)
}

func (t *TmuxBackend) sessionExistsLocked(name string) bool {
	_, err := t.runCommand("has-session", "-t", name)
	return err == nil
}

// Write sends raw bytes to the session
func (t *TmuxBackend) Write(name string, data []byte) error {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	if !t.sessionExistsLocked(name) {
		return ErrSessionNotFound
	}

	output, err := t.runCommand("send-keys", "-t", name, "-l", string(data))
	if err != nil {
		return fmt.Errorf("failed to write to %s: %w (output: %s)", name, err, string(output))
	}
	return nil
}

// SendKey sends a named key or literal text
func (t *TmuxBackend) SendKey(name, key string) error {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	if !t.sessionExistsLocked(name) {
		return ErrSessionNotFound
	}

	var args []string
	switch key {
	case KeyEnter:
		args = []string{"send-keys", "-t", name, "Enter"}
	case KeyCtrlC:
		args = []string{"send-keys", "-t", name, "C-c"}
	case KeyCtrlU:
		args = []string{"send-keys", "-t", name, "C-u"}
	case KeyEscape:
		args = []string{"send-keys", "-t", name, "Escape"}
	default:
		args = []string{"send-keys", "-t", name, "-l", key}
	}

	output, err := t.runCommand(args...)
	if err != nil {
		return fmt.Errorf("failed to send key to %s: %w (output: %s)", name, err, string(output))
	}
	return nil
}

// CapturePane returns the last lineCount rendered lines
func (t *TmuxBackend) CapturePane(name string, lineCount int) (string, error) {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	if !t.sessionExistsLocked(name) {
		return "", ErrSessionNotFound
	}

	output, err := t.runCommand("capture-pane", "-t", name, "-p", "-S", fmt.Sprintf("-%d", lineCount))
	if err != nil {
		return "", fmt.Errorf("failed to capture pane %s: %w", name, err)
	}
	return string(output), nil
}

// KillSession terminates the session and stops its watcher
func (t *TmuxBackend) KillSession(name string) error {
	t.stopWatcher(name)

	t.opMu.Lock()
	defer t.opMu.Unlock()

	t.waitForInterval()

	output, err := t.runCommand("kill-session", "-t", name)
	if err != nil {
		return fmt.Errorf("failed to kill session %s: %w (output: %s)", name, err, string(output))
	}
	log.Printf("[TMUX] Killed session %s", name)
	return nil
}

// ClearCurrentCommandLine sends Ctrl-U
func (t *TmuxBackend) ClearCurrentCommandLine(name string) error {
	return t.SendKey(name, KeyCtrlU)
}

// SetEnv sets a session environment variable
func (t *TmuxBackend) SetEnv(name, key, value string) error {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	if !t.sessionExistsLocked(name) {
		return ErrSessionNotFound
	}

	output, err := t.runCommand("set-environment", "-t", name, key, value)
	if err != nil {
		return fmt.Errorf("failed to set env on %s: %w (output: %s)", name, err, string(output))
	}
	return nil
}

// paneWatcher polls capture-pane and dispatches new output to
// callbacks. One goroutine per watched session keeps delivery
// serialized and ordered.
type paneWatcher struct {
	mu        sync.Mutex
	callbacks map[int]DataCallback
	nextID    int
	lastSeen  string
	stop      chan struct{}
}

// OnData registers a callback driven by a capture-poll diff loop
func (t *TmuxBackend) OnData(name string, cb DataCallback) (Unsubscribe, error) {
	if !t.SessionExists(name) {
		return nil, ErrSessionNotFound
	}

	t.watchMu.Lock()
	w, ok := t.watchers[name]
	if !ok {
		w = &paneWatcher{
			callbacks: make(map[int]DataCallback),
			stop:      make(chan struct{}),
		}
		t.watchers[name] = w
		go t.watchLoop(name, w)
	}
	w.mu.Lock()
	id := w.nextID
	w.nextID++
	w.callbacks[id] = cb
	w.mu.Unlock()
	t.watchMu.Unlock()

	return func() {
		w.mu.Lock()
		delete(w.callbacks, id)
		empty := len(w.callbacks) == 0
		w.mu.Unlock()
		if empty {
			t.stopWatcher(name)
		}
	}, nil
}

func (t *TmuxBackend) stopWatcher(name string) {
	t.watchMu.Lock()
	if w, ok := t.watchers[name]; ok {
		close(w.stop)
		delete(t.watchers, name)
	}
	t.watchMu.Unlock()
}

// watchLoop diffs successive captures. A capture failure is logged at
// most once per loop iteration and retried on the next tick.
func (t *TmuxBackend) watchLoop(name string, w *paneWatcher) {
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
		}

		captured, err := t.CapturePane(name, 200)
		if err != nil {
			continue
		}

		delta := tailDelta(w.lastSeen, captured)
		w.lastSeen = captured
		if delta == "" {
			continue
		}

		w.mu.Lock()
		cbs := make([]DataCallback, 0, len(w.callbacks))
		for _, cb := range w.callbacks {
			cbs = append(cbs, cb)
		}
		w.mu.Unlock()

		for _, cb := range cbs {
			cb(delta)
		}
	}
}

// tailDelta returns the suffix of cur that was not present at the end
// of prev. When the screens share no overlap the whole capture is new.
func tailDelta(prev, cur string) string {
	if prev == cur {
		return ""
	}
	if prev == "" {
		return cur
	}
	// Find the longest suffix of prev that prefixes a suffix of cur.
	max := len(prev)
	if len(cur) < max {
		max = len(cur)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(prev, cur[:n]) {
			return cur[n:]
		}
	}
	return cur
}
