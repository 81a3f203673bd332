package session

import (
	"sync"

	"github.com/google/uuid"
)

// Manager holds the sessions currently open for analysis.
type Manager struct {
	mu       sync.RWMutex
	sessions []*Session
}

func NewManager() *Manager { return &Manager{} }

// Import loads path, taking metadata from the file name when it has the
// canonical form.
func (m *Manager) Import(path string) (*Session, error) {
	meta, ok := ParseFilename(path)
	if !ok {
		meta = DefaultMeta
	}
	s, err := LoadCSV(path, meta)
	if err != nil {
		return nil, err
	}
	m.Add(s)
	return s, nil
}

func (m *Manager) Add(s *Session) {
	m.mu.Lock()
	m.sessions = append(m.sessions, s)
	m.mu.Unlock()
}

// Active returns the sessions in the order they were added.
func (m *Manager) Active() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Session(nil), m.sessions...)
}

func (m *Manager) Get(id uuid.UUID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

// Remove closes a session. It reports whether id was open.
func (m *Manager) Remove(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.sessions {
		if s.ID == id {
			m.sessions = append(m.sessions[:i], m.sessions[i+1:]...)
			return true
		}
	}
	return false
}
