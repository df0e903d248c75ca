// Package activity tracks when each session last produced meaningful
// terminal output.
package activity

import (
	"sync"
	"time"

	"github.com/agentmux/agentmux/internal/stringutils"
)

// MinMeaningfulOutputBytes is the minimum stripped payload length that
// counts as activity. Spinner frames and cursor moves fall below it.
const MinMeaningfulOutputBytes = 5

// Tracker records last-activity timestamps per session
type Tracker struct {
	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{
		last: make(map[string]time.Time),
		now:  time.Now,
	}
}

// SetClock overrides the clock, for tests
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// RecordActivity marks the session active now
func (t *Tracker) RecordActivity(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last[name] = t.now()
}

// RecordFilteredActivity records activity only when the ANSI-stripped,
// whitespace-collapsed payload is long enough to be meaningful.
func (t *Tracker) RecordFilteredActivity(name, raw string) {
	cleaned := stringutils.CollapseWhitespace(stringutils.StripANSI(raw))
	if len(cleaned) < MinMeaningfulOutputBytes {
		return
	}
	t.RecordActivity(name)
}

// IdleTime returns how long the session has been quiet. A never-seen
// session reports zero.
func (t *Tracker) IdleTime(name string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.last[name]
	if !ok {
		return 0
	}
	return t.now().Sub(last)
}

// IsIdleFor reports whether the session has been quiet for at least d.
// A never-seen session is not idle.
func (t *Tracker) IsIdleFor(name string, d time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.last[name]
	if !ok {
		return false
	}
	return t.now().Sub(last) >= d
}

// LastActivity returns the recorded timestamp and whether one exists
func (t *Tracker) LastActivity(name string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.last[name]
	return last, ok
}

// Clear forgets the session
func (t *Tracker) Clear(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.last, name)
}

// Reset forgets every session, for tests
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = make(map[string]time.Time)
}
