// internal/journal/store.go
package journal

import (
	"fmt"
	"sync"
)

// Store holds the journals of all live sessions, keyed by session id.
// Each journal is only written by its owning session; the store lock just
// guards the map.
type Store struct {
	mu       sync.RWMutex
	journals map[string]*Journal
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{journals: make(map[string]*Journal)}
}

// Open creates the journal for a new session.
func (s *Store) Open(sessionID string) (*Journal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.journals[sessionID]; exists {
		return nil, fmt.Errorf("journal for session %s already open", sessionID)
	}
	j := New(sessionID)
	s.journals[sessionID] = j
	return j, nil
}

// Get returns the journal of a live session.
func (s *Store) Get(sessionID string) (*Journal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.journals[sessionID]
	return j, ok
}

// Release drops a finished session's journal. Callers that still hold the
// *Journal can keep reading it.
func (s *Store) Release(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.journals, sessionID)
}

// Sessions returns the ids of all live sessions.
func (s *Store) Sessions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.journals))
	for id := range s.journals {
		ids = append(ids, id)
	}
	return ids
}
