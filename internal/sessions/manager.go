package sessions

import (
	"context"
	"sync"

	"github.com/coveyhq/covey/internal/store"
)

// Manager tracks live sessions by key and resumes them from the log on
// first access.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	log      store.SessionLog
}

func NewManager(log store.SessionLog) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		log:      log,
	}
}

// GetOrCreate returns the live session for key, replaying it from the log
// when it is not yet in memory.
func (m *Manager) GetOrCreate(ctx context.Context, key, systemPrompt string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[key]; ok {
		return s, nil
	}
	s, err := Resume(ctx, key, systemPrompt, m.log)
	if err != nil {
		return nil, err
	}
	m.sessions[key] = s
	return s, nil
}

// Get returns the live session for key if one is loaded.
func (m *Manager) Get(key string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	return s, ok
}

// Remove drops the live session from memory. The log is untouched.
func (m *Manager) Remove(key string) {
	m.mu.Lock()
	delete(m.sessions, key)
	m.mu.Unlock()
}

// Keys lists the keys of loaded sessions.
func (m *Manager) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.sessions))
	for k := range m.sessions {
		keys = append(keys, k)
	}
	return keys
}
