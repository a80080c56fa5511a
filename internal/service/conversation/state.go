// Package conversation holds the ordered turn history of one session.
package conversation

import (
	"errors"
	"fmt"
	"sync"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// ErrInvalidRole is returned when appending a turn with an unknown role.
var ErrInvalidRole = errors.New("invalid turn role")

// Turn is one role-tagged message. Turns are immutable once appended.
type Turn struct {
	ID   string
	Role Role
	Text string
}

// State is an append-only, ordered turn history.
//
// It has a single writer (the recognition relay); the lock only makes
// snapshots from other goroutines safe.
type State struct {
	mu        sync.RWMutex
	sessionID string
	turns     []Turn
}

// NewState creates an empty history for a session.
func NewState(sessionID string) *State {
	return &State{sessionID: sessionID}
}

// Append adds a turn at the end of the history and returns it with its ID.
func (s *State) Append(role Role, text string) (Turn, error) {
	if !role.Valid() {
		return Turn{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t := Turn{
		ID:   fmt.Sprintf("%s-turn-%d", s.sessionID, len(s.turns)+1),
		Role: role,
		Text: text,
	}
	s.turns = append(s.turns, t)
	return t, nil
}

// Turns returns a copy of the history in insertion order.
func (s *State) Turns() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Len returns the number of turns.
func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}

// Last returns the most recent turn.
func (s *State) Last() (Turn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.turns) == 0 {
		return Turn{}, false
	}
	return s.turns[len(s.turns)-1], true
}
