package runtime

import (
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/agentmux/agentmux/internal/backend"
	"github.com/agentmux/agentmux/internal/stringutils"
	"github.com/agentmux/agentmux/internal/types"
)

// Detection cache and readiness polling constants
const (
	readinessCaptureLines = 30
	detectionCacheTTL     = 30 * time.Second
	detectionStaleAfter   = 60 * time.Second
	detectionWaitStep     = 500 * time.Millisecond
	detectionWaitMax      = 15 * time.Second
	interCommandDwell     = 500 * time.Millisecond
)

type detectionEntry struct {
	result bool
	at     time.Time
}

// Adapter binds a capability record to a backend and runtime config.
// Public methods never return errors except ExecuteInitScript, which
// propagates to the caller after logging.
type Adapter struct {
	cap     Capability
	backend backend.SessionBackend
	cfg     *Config

	cacheMu  sync.Mutex
	cache    map[string]detectionEntry
	inFlight map[string]bool

	// clock hooks, replaced in tests
	now   func() time.Time
	sleep func(time.Duration)
}

// NewAdapter creates an adapter for the capability
func NewAdapter(cap Capability, b backend.SessionBackend, cfg *Config) *Adapter {
	return &Adapter{
		cap:      cap,
		backend:  b,
		cfg:      cfg,
		cache:    make(map[string]detectionEntry),
		inFlight: make(map[string]bool),
		now:      time.Now,
		sleep:    time.Sleep,
	}
}

// Kind returns the runtime kind this adapter serves
func (a *Adapter) Kind() types.RuntimeKind {
	return a.cap.Kind
}

// ExitPatterns exposes the exit vocabulary for the exit monitor
func (a *Adapter) ExitPatterns() []*regexp.Regexp {
	return a.cap.ExitPatterns
}

// SetClock overrides time functions, for tests
func (a *Adapter) SetClock(now func() time.Time, sleep func(time.Duration)) {
	a.now = now
	a.sleep = sleep
}

// WaitForReady polls pane captures until a readiness pattern appears.
// It returns false on a matched error pattern or on timeout; readiness
// wins when both match in the same capture. Capture failures are
// retried on the next cycle.
func (a *Adapter) WaitForReady(sessionName string, timeout, interval time.Duration) bool {
	start := a.now()
	for a.now().Sub(start) < timeout {
		capture, err := a.backend.CapturePane(sessionName, readinessCaptureLines)
		if err != nil {
			log.Printf("[RUNTIME] Capture failed for %s, retrying: %v", sessionName, err)
			a.sleep(interval)
			continue
		}

		cleaned := stringutils.StripANSI(capture)
		for _, p := range a.cap.ReadinessPatterns {
			if strings.Contains(cleaned, p) {
				return true
			}
		}
		for _, p := range a.cap.ErrorPatterns {
			if strings.Contains(cleaned, p) {
				log.Printf("[RUNTIME] Error pattern %q matched for %s", p, sessionName)
				return false
			}
		}

		a.sleep(interval)
	}
	return false
}

// Detect reports whether the runtime appears in the session's pane.
// Results are memoized for 30 s per session; concurrent callers for
// the same session share one probe.
func (a *Adapter) Detect(sessionName string, forceRefresh bool) bool {
	key := fmt.Sprintf("%s|%s", sessionName, a.cap.Kind)

	a.cacheMu.Lock()
	if !forceRefresh {
		if entry, ok := a.cache[key]; ok && a.now().Sub(entry.at) < detectionCacheTTL {
			a.cacheMu.Unlock()
			return entry.result
		}
	}

	if a.inFlight[key] {
		// Another caller is probing; wait for it to settle, then
		// trust the cache if it is still fresh enough.
		a.cacheMu.Unlock()
		waited := time.Duration(0)
		for waited < detectionWaitMax {
			a.sleep(detectionWaitStep)
			waited += detectionWaitStep
			a.cacheMu.Lock()
			if !a.inFlight[key] {
				entry, ok := a.cache[key]
				a.cacheMu.Unlock()
				if ok && a.now().Sub(entry.at) <= detectionStaleAfter {
					return entry.result
				}
				return false
			}
			a.cacheMu.Unlock()
		}
		return false
	}

	a.inFlight[key] = true
	a.cacheMu.Unlock()

	result := a.probe(sessionName)

	a.cacheMu.Lock()
	a.cache[key] = detectionEntry{result: result, at: a.now()}
	delete(a.inFlight, key)
	a.cacheMu.Unlock()

	return result
}

// probe runs the passive detection capture. Any failure degrades to
// false.
func (a *Adapter) probe(sessionName string) bool {
	capture, err := a.backend.CapturePane(sessionName, readinessCaptureLines)
	if err != nil {
		log.Printf("[RUNTIME] Detection capture failed for %s: %v", sessionName, err)
		return false
	}
	cleaned := stringutils.StripANSI(capture)
	for _, p := range a.cap.DetectionPatterns {
		if strings.Contains(cleaned, p) {
			return true
		}
	}
	return false
}

// ClearDetectionCache evicts the session's cached detection result
func (a *Adapter) ClearDetectionCache(sessionName string) {
	key := fmt.Sprintf("%s|%s", sessionName, a.cap.Kind)
	a.cacheMu.Lock()
	delete(a.cache, key)
	a.cacheMu.Unlock()
}

// ExecuteInitScript composes and sends the runtime's startup commands.
// A non-blank runtimeCommands override in settings replaces the whole
// script. Commands are separated by a fixed dwell so the hosted CLI
// does not treat them as a paste.
func (a *Adapter) ExecuteInitScript(sessionName, targetPath string, runtimeFlags []string, promptFilePath string) error {
	commands, err := a.composeInitCommands(targetPath, runtimeFlags, promptFilePath)
	if err != nil {
		log.Printf("[RUNTIME] Init script composition failed for %s: %v", sessionName, err)
		return err
	}

	if err := a.backend.ClearCurrentCommandLine(sessionName); err != nil {
		log.Printf("[RUNTIME] Failed to clear command line for %s: %v", sessionName, err)
		return err
	}

	for _, cmd := range commands {
		if err := a.backend.Write(sessionName, []byte(cmd)); err != nil {
			log.Printf("[RUNTIME] Failed to send init command to %s: %v", sessionName, err)
			return err
		}
		if err := a.backend.SendKey(sessionName, backend.KeyEnter); err != nil {
			return err
		}
		a.sleep(interCommandDwell)
	}
	return nil
}

// composeInitCommands builds the command sequence without sending it.
// Identical inputs yield identical sequences.
func (a *Adapter) composeInitCommands(targetPath string, runtimeFlags []string, promptFilePath string) ([]string, error) {
	commands := []string{fmt.Sprintf(`cd "%s"`, targetPath)}

	if override := a.cfg.CommandOverride(a.cap.Kind); !stringutils.IsEmpty(override) {
		commands = append(commands, injectFlags(override, a.cap.PermissionFlagMarker, runtimeFlags, promptFilePath))
		return commands, nil
	}

	lines, err := a.cfg.InitScriptLines(a.cap.Kind)
	if err != nil {
		return nil, err
	}

	injected := false
	for _, line := range lines {
		if !injected && strings.Contains(line, a.cap.PermissionFlagMarker) {
			line = injectFlags(line, a.cap.PermissionFlagMarker, runtimeFlags, promptFilePath)
			injected = true
		}
		commands = append(commands, line)
	}
	return commands, nil
}

// injectFlags places each runtime flag before the first marker
// occurrence and appends the prompt-file flag after it. Lines without
// the marker pass through untouched.
func injectFlags(line, marker string, runtimeFlags []string, promptFilePath string) string {
	idx := strings.Index(line, marker)
	if idx < 0 {
		return line
	}

	var b strings.Builder
	b.WriteString(line[:idx])
	for _, f := range runtimeFlags {
		b.WriteString(f)
		b.WriteString(" ")
	}
	b.WriteString(marker)
	if promptFilePath != "" {
		b.WriteString(fmt.Sprintf(` --append-system-prompt-file "%s"`, promptFilePath))
	}
	b.WriteString(line[idx+len(marker):])
	return b.String()
}
