package memory

import (
	"context"
	"sync"
)

// InMemory is a process-wide Store. Each session has its own lock, so
// sessions never contend with each other beyond the map lookup.
type InMemory struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

type session struct {
	mu    sync.RWMutex
	turns []Turn
}

// NewInMemory creates an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{sessions: make(map[string]*session)}
}

func (m *InMemory) get(id string) *session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

func (m *InMemory) getOrCreate(id string) *session {
	if s := m.get(id); s != nil {
		return s
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		s = &session{}
		m.sessions[id] = s
	}
	return s
}

// CreateIfAbsent implements Store.
func (m *InMemory) CreateIfAbsent(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrEmptySessionID
	}
	m.getOrCreate(sessionID)
	return nil
}

// Append implements Store.
func (m *InMemory) Append(ctx context.Context, sessionID string, turns ...Turn) error {
	turns = append([]Turn(nil), turns...)
	if err := prepare(sessionID, turns); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s := m.getOrCreate(sessionID)
	s.mu.Lock()
	s.turns = append(s.turns, turns...)
	s.mu.Unlock()
	return nil
}

// Recall implements Store.
func (m *InMemory) Recall(ctx context.Context, sessionID string, limit int) (History, error) {
	s := m.get(sessionID)
	if s == nil {
		return History{}, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return NewHistory(tail(s.turns, limit)), nil
}

// Sessions returns the number of known sessions.
func (m *InMemory) Sessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
