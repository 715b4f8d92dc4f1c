package models

import "fmt"

// SessionState is the lifecycle state of a backend session.
type SessionState string

const (
	SessionNew     SessionState = "new"     // created, backend not opened yet
	SessionOpen    SessionState = "open"    // accepting calls
	SessionTainted SessionState = "tainted" // a call outlived its deadline; calls fail fast
	SessionClosed  SessionState = "closed"  // terminal
)

// sessionTransitions maps from-state to allowed to-states
var sessionTransitions = map[SessionState]map[SessionState]bool{
	SessionNew: {
		SessionOpen:   true, // backend open succeeded
		SessionClosed: true, // closed before (or after a failed) open
	},
	SessionOpen: {
		SessionTainted: true, // call deadline expired
		SessionClosed:  true,
	},
	SessionTainted: {
		SessionOpen:   true, // cleanup after the stalled call completed
		SessionClosed: true,
	},
	SessionClosed: {},
}

// ValidateSessionTransition checks if a session state transition is valid
func ValidateSessionTransition(from, to SessionState) error {
	allowed, exists := sessionTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// AcceptsCalls reports whether backend operations may be dispatched.
func (s SessionState) AcceptsCalls() bool {
	return s == SessionOpen
}

// IsTerminal returns true if no further transitions are possible.
func (s SessionState) IsTerminal() bool {
	return s == SessionClosed
}
