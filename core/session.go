package core

import (
	"sync"
	"time"
)

// Session is a conversational container holding the ordered message history
// of one conversation. It is safe for concurrent access, but the orchestrator
// only mutates history while holding the session's admission lane, so under
// normal operation there is a single writer at a time.
type Session struct {
	ID      string    `json:"id"`
	History []Message `json:"history"`
	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`

	// TokenEstimate is the running estimate of the last saved history,
	// refreshed by the orchestrator after each committed mutation.
	TokenEstimate int `json:"token_estimate"`

	mu sync.RWMutex
}

// NewSession creates an empty session with the given ID.
func NewSession(id string) *Session {
	now := time.Now()
	return &Session{ID: id, History: []Message{}, Created: now, Updated: now}
}

// Append adds messages to the history updating the Updated timestamp.
func (s *Session) Append(msgs ...Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.History = append(s.History, msgs...)
	s.Updated = time.Now()
}

// Snapshot returns a defensive copy of the history.
func (s *Session) Snapshot() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := make([]Message, len(s.History))
	copy(history, s.History)
	return history
}

// Restore replaces the history, used for compaction commits and for rolling
// a cancelled turn back to its last committed message pair.
func (s *Session) Restore(history []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.History = history
	s.Updated = time.Now()
}

// Len returns the current history length.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.History)
}

// SetTokenEstimate records the running token estimate.
func (s *Session) SetTokenEstimate(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TokenEstimate = n
}

// SessionStore persists sessions across turns. Implementations must be safe
// for concurrent use; Get creates the session on first contact.
type SessionStore interface {
	Get(id string) (*Session, error)
	Save(session *Session) error
	Reset(id string) error
}
