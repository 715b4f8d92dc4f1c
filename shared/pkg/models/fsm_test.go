package models

import "testing"

func TestValidateSessionTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    SessionState
		to      SessionState
		wantErr bool
	}{
		// Valid transitions
		{"New to Open", SessionNew, SessionOpen, false},
		{"New to Closed", SessionNew, SessionClosed, false},
		{"Open to Tainted", SessionOpen, SessionTainted, false},
		{"Open to Closed", SessionOpen, SessionClosed, false},
		{"Tainted to Open", SessionTainted, SessionOpen, false},
		{"Tainted to Closed", SessionTainted, SessionClosed, false},

		// Invalid transitions
		{"New to Tainted", SessionNew, SessionTainted, true},
		{"Open to New", SessionOpen, SessionNew, true},
		{"Closed to Open", SessionClosed, SessionOpen, true},
		{"Closed to Tainted", SessionClosed, SessionTainted, true},
		{"Unknown source", SessionState("bogus"), SessionOpen, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSessionTransition(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSessionTransition(%v, %v) error = %v, wantErr %v",
					tt.from, tt.to, err, tt.wantErr)
			}
		})
	}
}

func TestSessionStatePredicates(t *testing.T) {
	tests := []struct {
		state    SessionState
		accepts  bool
		terminal bool
	}{
		{SessionNew, false, false},
		{SessionOpen, true, false},
		{SessionTainted, false, false},
		{SessionClosed, false, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			if got := tt.state.AcceptsCalls(); got != tt.accepts {
				t.Errorf("AcceptsCalls() = %v, want %v", got, tt.accepts)
			}
			if got := tt.state.IsTerminal(); got != tt.terminal {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.terminal)
			}
		})
	}
}
