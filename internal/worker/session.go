package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/psantana5/backendpool/internal/executor"
	"github.com/psantana5/backendpool/internal/handles"
	"github.com/psantana5/backendpool/pkg/backend"
	"github.com/psantana5/backendpool/pkg/faults"
	"github.com/psantana5/backendpool/pkg/logging"
	"github.com/psantana5/backendpool/pkg/models"
)

// DefaultCloseGrace bounds how long Close waits for the executor goroutine.
const DefaultCloseGrace = 15 * time.Second

// SessionOptions configures a worker Session.
type SessionOptions struct {
	// CallTimeout is the default deadline for calls that carry none. Zero
	// means unbounded.
	CallTimeout time.Duration
	QueueSize   int
	CloseGrace  time.Duration
	Logger      *logging.Logger
	// OnWarning receives non-fatal faults such as HandleLeakWarning.
	OnWarning func(error)
}

// Session owns the single backend session of a worker process. Every native
// call runs on its executor goroutine.
type Session struct {
	backend backend.Backend
	handles *handles.Registry
	exec    *executor.Executor
	logger  *logging.Logger
	opts    SessionOptions

	mu             sync.Mutex
	state          models.SessionState
	cred           models.Credential
	defaultTimeout time.Duration
	callTimeout    time.Duration
	lastFault      error
	// connected caches the last answer from the backend.
	connected bool

	calls    atomic.Uint64
	warnings atomic.Uint64
}

// NewSession wraps an unopened backend.
func NewSession(b backend.Backend, opts SessionOptions) *Session {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.CloseGrace <= 0 {
		opts.CloseGrace = DefaultCloseGrace
	}
	return &Session{
		backend:        b,
		handles:        handles.NewRegistry(),
		exec:           executor.New(opts.QueueSize),
		logger:         opts.Logger.WithField("component", "worker"),
		opts:           opts,
		state:          models.SessionNew,
		defaultTimeout: opts.CallTimeout,
		callTimeout:    opts.CallTimeout,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() models.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Handles returns the number of outstanding handles.
func (s *Session) Handles() int {
	return s.handles.Len()
}

// setStateLocked moves the session along its state machine.
func (s *Session) setStateLocked(to models.SessionState) error {
	if s.state == to {
		return nil
	}
	if err := models.ValidateSessionTransition(s.state, to); err != nil {
		return faults.Wrap(faults.SessionInvalidState, "session", err, "")
	}
	s.state = to
	return nil
}

// SetDefaultCallTimeout changes the deadline used for calls that carry none,
// and the value cleanup resets to.
func (s *Session) SetDefaultCallTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultTimeout = d
	s.callTimeout = d
}

// SetCallTimeout overrides the deadline until the next cleanup.
func (s *Session) SetCallTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callTimeout = d
}

// CallTimeout returns the deadline applied to calls that carry none.
func (s *Session) CallTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callTimeout
}

// Open opens the backend session with cred. A session opens at most once.
func (s *Session) Open(ctx context.Context, cred models.Credential) error {
	s.mu.Lock()
	if s.state != models.SessionNew {
		state := s.state
		s.mu.Unlock()
		return faults.Newf(faults.SessionInvalidState, "open", "session already %s", state)
	}
	timeout := s.callTimeout
	s.mu.Unlock()

	if err := cred.Validate(); err != nil {
		return faults.Wrap(faults.BackendOpenFailure, "open", err, "")
	}

	err := s.exec.Submit(ctx, timeout, func() error {
		if err := s.backend.Open(cred); err != nil {
			return err
		}
		if !s.backend.IsConnected() {
			return errors.New("backend reports not connected after open")
		}
		return nil
	})
	if err != nil {
		if faults.HasCode(err, faults.CallTimeout) {
			s.taint(err)
		}
		s.logger.Error("Backend open failed", map[string]interface{}{
			"credential": cred.String(),
			"error":      err,
		})
		return faults.Wrap(faults.BackendOpenFailure, "open", err, "")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = cred
	s.connected = true
	s.logger.Info("Backend session opened", map[string]interface{}{"credential": cred.String()})
	return s.setStateLocked(models.SessionOpen)
}

// checkCallable returns the error a call must fail with, if any.
func (s *Session) checkCallable(op string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case models.SessionOpen:
		return s.callTimeout, nil
	case models.SessionTainted:
		return 0, faults.Wrap(faults.SessionInvalidState, op, s.lastFault, "session is tainted; cleanup required")
	default:
		return 0, faults.Newf(faults.SessionInvalidState, op, "session is %s", s.state)
	}
}

// Invoke runs one operation. Results carrying a handle register it with the
// session before Invoke returns.
func (s *Session) Invoke(ctx context.Context, env models.CallEnvelope) (models.CallResult, error) {
	timeout, err := s.checkCallable(env.Op)
	if err != nil {
		return models.CallResult{}, err
	}
	if t := env.Timeout(); t > 0 {
		timeout = t
	}
	s.calls.Add(1)

	var result models.CallResult
	err = s.exec.Submit(ctx, timeout, func() error {
		var err error
		result, err = s.dispatch(env)
		return err
	})
	if err != nil {
		if faults.HasCode(err, faults.CallTimeout) {
			s.taint(err)
		}
		return models.CallResult{}, err
	}
	return result, nil
}

// dispatch runs on the executor goroutine.
func (s *Session) dispatch(env models.CallEnvelope) (models.CallResult, error) {
	var err error
	switch env.Op {
	case models.OpBegin:
		err = s.backend.Begin()
	case models.OpCommit:
		err = s.backend.Commit()
	case models.OpRollback:
		err = s.backend.Rollback()
	case models.OpConnected:
		connected := s.backend.IsConnected()
		s.mu.Lock()
		s.connected = connected
		s.mu.Unlock()
		if connected {
			return models.CallResult{Status: 1}, nil
		}
		return models.CallResult{Status: 0}, nil
	case models.OpRelease:
		id, perr := backend.ParseHandleID(env.Arg(0))
		if perr != nil {
			return models.CallResult{}, faults.Wrap(faults.SessionInvalidState, env.Op, perr, "")
		}
		if err := s.handles.Release(id, s.backend); err != nil {
			if faults.CodeOf(err) != "" {
				return models.CallResult{}, err
			}
			return models.CallResult{}, faults.Wrap(faults.BackendCallFailure, env.Op, err, "")
		}
		return models.CallResult{Status: 1}, nil
	default:
		result, err := s.backend.Invoke(env.Op, env.Args)
		if err != nil {
			return result, faults.Wrap(faults.BackendCallFailure, env.Op, err, "")
		}
		if result.Handle != nil {
			if err := s.handles.Register(*result.Handle); err != nil {
				return result, faults.Wrap(faults.BackendCallFailure, env.Op, err, "register handle")
			}
		}
		return result, nil
	}
	if err != nil {
		return models.CallResult{}, faults.Wrap(faults.BackendCallFailure, env.Op, err, "")
	}
	return models.CallResult{Status: 1}, nil
}

func (s *Session) taint(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == models.SessionNew || s.state == models.SessionOpen {
		s.lastFault = err
		if s.state == models.SessionOpen {
			s.state = models.SessionTainted
		}
	}
	s.logger.Warn("Session tainted", map[string]interface{}{"error": err})
}

// IsConnected asks the backend whether its session is usable. A session that
// is not open reports false without a native call.
func (s *Session) IsConnected(ctx context.Context) bool {
	timeout, err := s.checkCallable("is_connected")
	if err != nil {
		return false
	}
	connected := false
	err = s.exec.Submit(ctx, timeout, func() error {
		connected = s.backend.IsConnected()
		return nil
	})
	if err != nil {
		if faults.HasCode(err, faults.CallTimeout) {
			s.taint(err)
		}
		return false
	}
	s.mu.Lock()
	s.connected = connected
	s.mu.Unlock()
	return connected
}

// Cleanup prepares the session for its next borrower: it clears a taint
// whose call has finished, resets the backend error state, releases leaked
// handles and restores the default call timeout.
func (s *Session) Cleanup(ctx context.Context) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != models.SessionOpen && state != models.SessionTainted {
		return faults.Newf(faults.SessionInvalidState, "cleanup", "session is %s", state)
	}

	if err := s.exec.Recover(); err != nil {
		return err
	}

	s.mu.Lock()
	if err := s.setStateLocked(models.SessionOpen); err != nil {
		s.mu.Unlock()
		return err
	}
	s.lastFault = nil
	s.callTimeout = s.defaultTimeout
	timeout := s.defaultTimeout
	s.mu.Unlock()

	var leak handles.Leak
	err := s.exec.Submit(ctx, timeout, func() error {
		s.backend.ClearLastError()
		var err error
		leak, err = s.handles.ReleaseAll(s.backend)
		return err
	})
	if faults.HasCode(err, faults.CallTimeout) {
		s.taint(err)
		return err
	}
	s.warn(leak.Warning("cleanup"), leak)
	if err != nil {
		return faults.Wrap(faults.BackendCallFailure, "cleanup", err, "")
	}
	return nil
}

// Close force-releases outstanding handles and closes the backend. A tainted
// session skips all native calls. Close is idempotent.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	prev := s.state
	if prev == models.SessionClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = models.SessionClosed
	s.connected = false
	timeout := s.callTimeout
	s.mu.Unlock()

	var errs []error
	switch prev {
	case models.SessionOpen:
		var leak handles.Leak
		err := s.exec.Submit(ctx, timeout, func() error {
			var releaseErr error
			leak, releaseErr = s.handles.ReleaseAll(s.backend)
			return errors.Join(releaseErr, s.backend.Close())
		})
		s.warn(leak.Warning("close"), leak)
		if err != nil {
			errs = append(errs, err)
		}
	case models.SessionTainted:
		// The stalled call may still own the backend; only drop bookkeeping.
		leak, _ := s.handles.ReleaseAll(noopReleaser{})
		s.warn(leak.Warning("close"), leak)
	}

	if err := s.exec.Close(s.opts.CloseGrace); err != nil {
		errs = append(errs, err)
	}
	s.logger.Info("Backend session closed", map[string]interface{}{"previous_state": string(prev)})
	return errors.Join(errs...)
}

func (s *Session) warn(err error, leak handles.Leak) {
	if err == nil {
		return
	}
	s.warnings.Add(1)
	s.logger.Warn("Handle leak detected", map[string]interface{}{
		"count": leak.Count(),
		"kinds": leak.ByKind(),
	})
	if s.opts.OnWarning != nil {
		s.opts.OnWarning(err)
	}
}

// Snapshot is a point-in-time view of the session.
type Snapshot struct {
	State       models.SessionState
	Connected   bool
	Credential  models.Credential
	Handles     int
	Calls       uint64
	TimedOut    uint64
	Warnings    uint64
	LastFault   error
	CallTimeout time.Duration
}

// Snapshot returns the session counters without touching the backend.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		State:       s.state,
		Connected:   s.connected && s.state == models.SessionOpen,
		Credential:  s.cred,
		Handles:     s.handles.Len(),
		Calls:       s.calls.Load(),
		TimedOut:    s.exec.Stats().TimedOut,
		Warnings:    s.warnings.Load(),
		LastFault:   s.lastFault,
		CallTimeout: s.callTimeout,
	}
}

type noopReleaser struct{}

func (noopReleaser) Release(models.Handle) error { return nil }
