package kernel

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentmux/agentmux/internal/types"
)

const saveDebounce = 500 * time.Millisecond

// SessionStore persists session metadata to a JSON file so the kernel
// can reattach monitors after a restart. Saves are debounced.
type SessionStore struct {
	mu       sync.RWMutex
	filepath string
	sessions map[string]*types.Session

	saveTimer *time.Timer
	saveMu    sync.Mutex
}

// NewSessionStore creates a store backed by the given file
func NewSessionStore(path string) *SessionStore {
	return &SessionStore{
		filepath: path,
		sessions: make(map[string]*types.Session),
	}
}

// Load reads persisted sessions. A missing file yields an empty map.
func (s *SessionStore) Load() (map[string]*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filepath), 0755); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.filepath)
	if err != nil {
		if os.IsNotExist(err) {
			s.sessions = make(map[string]*types.Session)
			return s.copyLocked(), nil
		}
		return nil, err
	}

	var sessions map[string]*types.Session
	if err := json.Unmarshal(data, &sessions); err != nil {
		return nil, err
	}
	if sessions == nil {
		sessions = make(map[string]*types.Session)
	}
	s.sessions = sessions
	return s.copyLocked(), nil
}

// Save writes the current sessions to disk immediately
func (s *SessionStore) Save() error {
	s.mu.RLock()
	data, err := json.MarshalIndent(s.sessions, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	return os.WriteFile(s.filepath, data, 0644)
}

// scheduleSave debounces save operations
func (s *SessionStore) scheduleSave() {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	if s.saveTimer != nil {
		s.saveTimer.Stop()
	}
	s.saveTimer = time.AfterFunc(saveDebounce, func() {
		if err := s.Save(); err != nil {
			log.Printf("[KERNEL] Session store save failed: %v", err)
		}
	})
}

// Flush cancels any pending debounced save and writes now
func (s *SessionStore) Flush() error {
	s.saveMu.Lock()
	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
	s.saveMu.Unlock()
	return s.Save()
}

// Put inserts or replaces a session
func (s *SessionStore) Put(session *types.Session) {
	s.mu.Lock()
	copied := *session
	s.sessions[session.SessionName] = &copied
	s.mu.Unlock()
	s.scheduleSave()
}

// Update applies a mutation to a stored session, if present
func (s *SessionStore) Update(sessionName string, updater func(*types.Session)) {
	s.mu.Lock()
	if session, ok := s.sessions[sessionName]; ok {
		updater(session)
	}
	s.mu.Unlock()
	s.scheduleSave()
}

// Remove deletes a session
func (s *SessionStore) Remove(sessionName string) {
	s.mu.Lock()
	delete(s.sessions, sessionName)
	s.mu.Unlock()
	s.scheduleSave()
}

// Get returns a copy of one session
func (s *SessionStore) Get(sessionName string) (types.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if session, ok := s.sessions[sessionName]; ok {
		return *session, true
	}
	return types.Session{}, false
}

// All returns a copy of every session
func (s *SessionStore) All() map[string]*types.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyLocked()
}

func (s *SessionStore) copyLocked() map[string]*types.Session {
	out := make(map[string]*types.Session, len(s.sessions))
	for name, session := range s.sessions {
		copied := *session
		out[name] = &copied
	}
	return out
}
