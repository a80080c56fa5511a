package session

import (
	"errors"
	"fmt"
	"sync"
)

// Status is the lifecycle state of a session.
type Status int

const (
	// StatusConnecting - Opening the recognition and synthesis streams.
	StatusConnecting Status = iota
	// StatusActive - Both streams are open and the relays are running.
	StatusActive
	// StatusClosing - Teardown has started.
	StatusClosing
	// StatusClosed - Session ended normally or the client went away.
	StatusClosed
	// StatusFailed - Session ended because a connect, relay or reply failed.
	StatusFailed
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "CONNECTING"
	case StatusActive:
		return "ACTIVE"
	case StatusClosing:
		return "CLOSING"
	case StatusClosed:
		return "CLOSED"
	case StatusFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// IsTerminal returns true if the status is terminal (CLOSED or FAILED).
func (s Status) IsTerminal() bool {
	return s == StatusClosed || s == StatusFailed
}

// Errors for invalid status transitions.
var (
	ErrNotConnecting = errors.New("session is not connecting")
	ErrSessionEnded  = errors.New("session has ended")
)

// Lifecycle manages the status of a single session.
// Thread-safe for concurrent access.
//
// Status transitions:
//
//	CONNECTING → ACTIVE → CLOSING → CLOSED | FAILED
//	    │                    ▲
//	    └────────────────────┘   (connect failure or early close)
//
// Rules:
//   - Activate succeeds only from CONNECTING
//   - BeginClosing is a no-op once CLOSING or terminal
//   - Finish sets the terminal status exactly once
type Lifecycle struct {
	mu     sync.RWMutex
	status Status
}

// NewLifecycle creates a lifecycle in CONNECTING status.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{status: StatusConnecting}
}

// Status returns the current status.
func (l *Lifecycle) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.status
}

// IsEnded returns true once the session is terminal.
func (l *Lifecycle) IsEnded() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.status.IsTerminal()
}

// Activate transitions CONNECTING to ACTIVE.
func (l *Lifecycle) Activate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case l.status == StatusConnecting:
		l.status = StatusActive
		return nil
	case l.status.IsTerminal():
		return ErrSessionEnded
	default:
		return fmt.Errorf("%w: status %v", ErrNotConnecting, l.status)
	}
}

// BeginClosing transitions to CLOSING.
// Returns true if the transition happened, false if already closing or ended.
func (l *Lifecycle) BeginClosing() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.status == StatusClosing || l.status.IsTerminal() {
		return false
	}
	l.status = StatusClosing
	return true
}

// Finish sets the terminal status: FAILED if failed, CLOSED otherwise.
// Returns false if the session had already ended; the first outcome wins.
func (l *Lifecycle) Finish(failed bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.status.IsTerminal() {
		return false
	}
	if failed {
		l.status = StatusFailed
	} else {
		l.status = StatusClosed
	}
	return true
}
