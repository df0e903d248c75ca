package backend

import (
	"strings"
	"sync"
)

// FakeBackend is an in-memory SessionBackend for tests. Pane content
// is scripted with SetPaneContent, and EmitData pushes chunks through
// registered callbacks in order.
type FakeBackend struct {
	mu       sync.Mutex
	sessions map[string]*fakeSession

	// CaptureErr, when set, is returned by every CapturePane call.
	CaptureErr error

	// CaptureCalls counts CapturePane invocations per session.
	CaptureCalls map[string]int

	nextPID int
}

type fakeSession struct {
	pane      string
	env       map[string]string
	written   []string
	keys      []string
	callbacks map[int]DataCallback
	nextCB    int
	// killed marks the session dead while keeping its recorded history
	// inspectable after teardown.
	killed bool
}

// NewFakeBackend creates an empty fake
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		sessions:     make(map[string]*fakeSession),
		CaptureCalls: make(map[string]int),
		nextPID:      1000,
	}
}

// CreateSession registers a fake session
func (f *FakeBackend) CreateSession(name, cwd string, env map[string]string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[name]; ok && !s.killed {
		return 0, ErrSessionExists
	}
	f.sessions[name] = &fakeSession{
		env:       map[string]string{},
		callbacks: make(map[int]DataCallback),
	}
	f.nextPID++
	return f.nextPID, nil
}

// AddSession registers a session without going through CreateSession
func (f *FakeBackend) AddSession(name string) {
	f.CreateSession(name, "", nil)
}

// SessionExists reports whether the fake knows the session
func (f *FakeBackend) SessionExists(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[name]
	return ok && !s.killed
}

// live returns the session if it exists and has not been killed.
// Callers must hold f.mu.
func (f *FakeBackend) live(name string) (*fakeSession, bool) {
	s, ok := f.sessions[name]
	if !ok || s.killed {
		return nil, false
	}
	return s, true
}

// Write records written bytes
func (f *FakeBackend) Write(name string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.live(name)
	if !ok {
		return ErrSessionNotFound
	}
	s.written = append(s.written, string(data))
	return nil
}

// SendKey records sent keys
func (f *FakeBackend) SendKey(name, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.live(name)
	if !ok {
		return ErrSessionNotFound
	}
	s.keys = append(s.keys, key)
	return nil
}

// SetPaneContent scripts what CapturePane returns
func (f *FakeBackend) SetPaneContent(name, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[name]; ok {
		s.pane = content
	}
}

// CapturePane returns the scripted pane tail
func (f *FakeBackend) CapturePane(name string, lineCount int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CaptureCalls[name]++
	if f.CaptureErr != nil {
		return "", f.CaptureErr
	}
	s, ok := f.live(name)
	if !ok {
		return "", ErrSessionNotFound
	}
	lines := strings.Split(s.pane, "\n")
	if len(lines) > lineCount {
		lines = lines[len(lines)-lineCount:]
	}
	return strings.Join(lines, "\n"), nil
}

// OnData registers a callback
func (f *FakeBackend) OnData(name string, cb DataCallback) (Unsubscribe, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.live(name)
	if !ok {
		return nil, ErrSessionNotFound
	}
	id := s.nextCB
	s.nextCB++
	s.callbacks[id] = cb
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if s, ok := f.sessions[name]; ok {
			delete(s.callbacks, id)
		}
	}, nil
}

// EmitData delivers a chunk to every callback registered for name
func (f *FakeBackend) EmitData(name, data string) {
	f.mu.Lock()
	s, ok := f.live(name)
	if !ok {
		f.mu.Unlock()
		return
	}
	cbs := make([]DataCallback, 0, len(s.callbacks))
	for _, cb := range s.callbacks {
		cbs = append(cbs, cb)
	}
	f.mu.Unlock()

	for _, cb := range cbs {
		cb(data)
	}
}

// KillSession marks the session dead. History recorded before the kill
// stays readable through Written, Keys, and Env.
func (f *FakeBackend) KillSession(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.live(name)
	if !ok {
		return ErrSessionNotFound
	}
	s.killed = true
	s.callbacks = make(map[int]DataCallback)
	return nil
}

// ClearCurrentCommandLine records a Ctrl-U
func (f *FakeBackend) ClearCurrentCommandLine(name string) error {
	return f.SendKey(name, KeyCtrlU)
}

// SetEnv records an environment variable
func (f *FakeBackend) SetEnv(name, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.live(name)
	if !ok {
		return ErrSessionNotFound
	}
	s.env[key] = value
	return nil
}

// Written returns everything written to the session via Write
func (f *FakeBackend) Written(name string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[name]; ok {
		out := make([]string, len(s.written))
		copy(out, s.written)
		return out
	}
	return nil
}

// Keys returns the keys sent to the session via SendKey
func (f *FakeBackend) Keys(name string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[name]; ok {
		out := make([]string, len(s.keys))
		copy(out, s.keys)
		return out
	}
	return nil
}

// Env returns the session's recorded env vars
func (f *FakeBackend) Env(name string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]string{}
	if s, ok := f.sessions[name]; ok {
		for k, v := range s.env {
			out[k] = v
		}
	}
	return out
}
