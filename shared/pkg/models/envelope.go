package models

import (
	"time"

	"github.com/google/uuid"
)

// Reserved operation names handled by the worker session itself.
const (
	OpBegin     = "txn.begin"
	OpCommit    = "txn.commit"
	OpRollback  = "txn.rollback"
	OpRelease   = "handle.release"
	OpConnected = "session.connected"
)

// CallEnvelope is one remote invocation of a backend operation.
type CallEnvelope struct {
	ID        string   `json:"id"`
	Op        string   `json:"op"`
	Args      []string `json:"args,omitempty"`
	TimeoutMS int64    `json:"timeout_ms,omitempty"`
}

// NewCallEnvelope creates an envelope with a fresh request id. A timeout of
// zero or less means the call is unbounded.
func NewCallEnvelope(op string, timeout time.Duration, args ...string) CallEnvelope {
	env := CallEnvelope{
		ID:   uuid.NewString(),
		Op:   op,
		Args: args,
	}
	if timeout > 0 {
		env.TimeoutMS = timeout.Milliseconds()
		if env.TimeoutMS == 0 {
			env.TimeoutMS = 1
		}
	}
	return env
}

// Timeout returns the call deadline as a duration; zero means unbounded.
func (e CallEnvelope) Timeout() time.Duration {
	if e.TimeoutMS <= 0 {
		return 0
	}
	return time.Duration(e.TimeoutMS) * time.Millisecond
}

// Arg returns the i-th argument or "" when absent.
func (e CallEnvelope) Arg(i int) string {
	if i < 0 || i >= len(e.Args) {
		return ""
	}
	return e.Args[i]
}

// CallResult is the status-out half of a backend operation.
type CallResult struct {
	Status int64   `json:"status"`
	Value  string  `json:"value,omitempty"`
	Handle *Handle `json:"handle,omitempty"`
}
