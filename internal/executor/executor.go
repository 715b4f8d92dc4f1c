// Package executor serializes backend calls onto one dedicated goroutine
// and bounds how long a caller waits for each of them.
//
// A caller that gives up waiting does not stop the call: the goroutine keeps
// running it. The executor is tainted instead, and every later Submit fails
// fast until Recover observes that the abandoned call has finished.
package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/psantana5/backendpool/pkg/faults"
)

// DefaultQueueSize bounds the number of calls waiting behind the running one.
const DefaultQueueSize = 16

type call struct {
	fn   func() error
	done chan struct{}
	err  error
}

// Stats is a point-in-time view of executor counters.
type Stats struct {
	Submitted uint64
	Completed uint64
	TimedOut  uint64
	Busy      bool
	Tainted   bool
}

// Executor runs submitted functions one at a time.
type Executor struct {
	queue  chan *call
	quit   chan struct{}
	exited chan struct{}

	mu      sync.Mutex
	closed  bool
	taint   error
	stalled *call

	submitted atomic.Uint64
	completed atomic.Uint64
	timedOut  atomic.Uint64
	busy      atomic.Bool
}

// New starts an executor goroutine with the given queue capacity.
func New(queueSize int) *Executor {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	e := &Executor{
		queue:  make(chan *call, queueSize),
		quit:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *Executor) run() {
	defer close(e.exited)
	for {
		select {
		case c := <-e.queue:
			e.execute(c)
		case <-e.quit:
			e.drain()
			return
		}
	}
}

func (e *Executor) execute(c *call) {
	e.busy.Store(true)
	defer func() {
		if r := recover(); r != nil {
			c.err = faults.Newf(faults.BackendCallFailure, "call", "backend call panicked: %v", r)
		}
		e.busy.Store(false)
		e.completed.Add(1)
		close(c.done)
	}()
	c.err = c.fn()
}

// drain fails calls that were queued when the executor closed.
func (e *Executor) drain() {
	for {
		select {
		case c := <-e.queue:
			c.err = faults.New(faults.SessionInvalidState, "call", "executor closed before the call ran")
			close(c.done)
		default:
			return
		}
	}
}

// Submit runs fn on the executor goroutine and waits for it up to timeout.
// A timeout of zero or less waits until fn returns or ctx is done.
//
// When the wait is abandoned, Submit returns a CallTimeout error and the
// executor stays tainted until Recover succeeds.
func (e *Executor) Submit(ctx context.Context, timeout time.Duration, fn func() error) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return faults.New(faults.SessionInvalidState, "call", "executor is closed")
	}
	if e.taint != nil {
		e.mu.Unlock()
		return faults.Wrap(faults.SessionInvalidState, "call", e.taint, "session is tainted by an earlier call")
	}
	c := &call{fn: fn, done: make(chan struct{})}
	select {
	case e.queue <- c:
	default:
		e.mu.Unlock()
		return faults.Newf(faults.SessionInvalidState, "call", "call queue is full (%d pending)", cap(e.queue))
	}
	e.mu.Unlock()
	e.submitted.Add(1)

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-c.done:
		return c.err
	case <-expired:
		return e.abandon(c, faults.Newf(faults.CallTimeout, "call", "call exceeded its %s deadline", timeout))
	case <-ctx.Done():
		return e.abandon(c, faults.Wrap(faults.CallTimeout, "call", ctx.Err(), "caller stopped waiting"))
	}
}

func (e *Executor) abandon(c *call, err error) error {
	e.timedOut.Add(1)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.taint == nil {
		e.taint = err
		e.stalled = c
	}
	return err
}

// Taint returns the fault that tainted the executor, or nil.
func (e *Executor) Taint() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.taint
}

// Recover clears the taint when the abandoned call has finished. While it is
// still running the executor stays tainted and SessionInvalidState is returned.
func (e *Executor) Recover() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return faults.New(faults.SessionInvalidState, "cleanup", "executor is closed")
	}
	if e.taint == nil {
		return nil
	}
	select {
	case <-e.stalled.done:
		e.taint = nil
		e.stalled = nil
		return nil
	default:
		return faults.Wrap(faults.SessionInvalidState, "cleanup", e.taint, "timed-out call is still running")
	}
}

// Close stops accepting calls and waits up to grace for the goroutine to
// exit. A hung call keeps the goroutine alive; Close then reports an error.
func (e *Executor) Close(grace time.Duration) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.quit)
	e.mu.Unlock()

	if grace <= 0 {
		<-e.exited
		return nil
	}
	select {
	case <-e.exited:
		return nil
	case <-time.After(grace):
		return fmt.Errorf("executor still busy after %s", grace)
	}
}

// Stats returns the executor counters.
func (e *Executor) Stats() Stats {
	return Stats{
		Submitted: e.submitted.Load(),
		Completed: e.completed.Load(),
		TimedOut:  e.timedOut.Load(),
		Busy:      e.busy.Load(),
		Tainted:   e.Taint() != nil,
	}
}
