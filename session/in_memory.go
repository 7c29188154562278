// Package session provides the default in-memory SessionStore. Sessions are
// created on first contact and persist until explicitly reset.
package session

import (
	"sync"

	"github.com/hupe1980/agentcore/core"
)

// InMemoryStore is a thread-safe map-backed SessionStore suitable for
// development, testing and single-process deployments.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*core.Session
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: map[string]*core.Session{}}
}

// Get returns the session, creating it on first contact.
func (s *InMemoryStore) Get(id string) (*core.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		sess = core.NewSession(id)
		s.sessions[id] = sess
	}
	return sess, nil
}

// Save persists the session. Sessions are held by reference, so Save only
// has to insert unknown sessions.
func (s *InMemoryStore) Save(sess *core.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

// Reset drops the session's history by removing it from the store; the next
// Get recreates it empty.
func (s *InMemoryStore) Reset(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}
