package authority

import (
	"context"
	"sync"
	"time"
)

// MemorySessionStore is a thread-safe in-memory SessionStore.
// Sessions are lost on server restart.
type MemorySessionStore struct {
	mu          sync.RWMutex
	data        map[string]SessionState
	idleTimeout time.Duration
	now         func() time.Time
}

var (
	_ SessionStore = (*MemorySessionStore)(nil)
	_ Sweeper      = (*MemorySessionStore)(nil)
)

// NewMemorySessionStore creates an in-memory session store.
// idleTimeout of 0 disables idle timeout checking.
func NewMemorySessionStore(idleTimeout time.Duration) *MemorySessionStore {
	return &MemorySessionStore{
		data:        make(map[string]SessionState),
		idleTimeout: idleTimeout,
		now:         time.Now,
	}
}

func (s *MemorySessionStore) Get(_ context.Context, token string) (SessionState, error) {
	s.mu.RLock()
	session, ok := s.data[token]
	s.mu.RUnlock()
	if !ok {
		return SessionState{}, ErrSessionNotFound
	}
	if session.expired(s.now(), s.idleTimeout) {
		s.mu.Lock()
		delete(s.data, token)
		s.mu.Unlock()
		return SessionState{}, ErrSessionNotFound
	}
	return session.clone(), nil
}

func (s *MemorySessionStore) Put(_ context.Context, session *SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.data[session.Token]
	switch {
	case !ok && session.Version != 0:
		return ErrSessionNotFound
	case ok && current.Version != session.Version:
		return ErrSessionConflict
	}
	session.Version++
	s.data[session.Token] = session.clone()
	return nil
}

func (s *MemorySessionStore) Delete(_ context.Context, token string) error {
	s.mu.Lock()
	delete(s.data, token)
	s.mu.Unlock()
	return nil
}

// Sweep removes expired and idle sessions.
func (s *MemorySessionStore) Sweep(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for token, session := range s.data {
		if session.expired(now, s.idleTimeout) {
			delete(s.data, token)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored sessions, including any not yet swept.
func (s *MemorySessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
