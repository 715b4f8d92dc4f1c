package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/psantana5/backendpool/pkg/models"
)

type fakeSession struct {
	id   int
	cred models.Credential

	disconnected atomic.Bool
	noReuse      atomic.Bool
	cleanups     atomic.Int32
	destroyed    atomic.Bool

	mu         sync.Mutex
	cleanupErr error
}

func (s *fakeSession) IsConnected(ctx context.Context) bool { return !s.disconnected.Load() }
func (s *fakeSession) NoReuse() bool                        { return s.noReuse.Load() }
func (s *fakeSession) MarkNoReuse()                         { s.noReuse.Store(true) }

func (s *fakeSession) Cleanup(ctx context.Context) error {
	s.cleanups.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleanupErr
}

func (s *fakeSession) failCleanup(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanupErr = err
}

type fakeFactory struct {
	mu        sync.Mutex
	next      int
	made      []*fakeSession
	destroyed []*fakeSession

	makeErr      error
	makeDelay    time.Duration
	disconnected bool
}

func (f *fakeFactory) Make(ctx context.Context, cred models.Credential) (*fakeSession, error) {
	if f.makeDelay > 0 {
		time.Sleep(f.makeDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.makeErr != nil {
		return nil, f.makeErr
	}
	f.next++
	s := &fakeSession{id: f.next, cred: cred}
	s.disconnected.Store(f.disconnected)
	f.made = append(f.made, s)
	return s, nil
}

func (f *fakeFactory) Destroy(ctx context.Context, s *fakeSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.destroyed.Swap(true) {
		return errors.New("destroyed twice")
	}
	f.destroyed = append(f.destroyed, s)
	return nil
}

func (f *fakeFactory) counts() (made, destroyed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.made), len(f.destroyed)
}

type poolRecorder struct {
	mu       sync.Mutex
	borrows  map[string]int
	destroys map[string]int
}

func (r *poolRecorder) RecordBorrow(label, result string, wait time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.borrows == nil {
		r.borrows = make(map[string]int)
	}
	r.borrows[result]++
}

func (r *poolRecorder) RecordDestroy(label, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroys == nil {
		r.destroys = make(map[string]int)
	}
	r.destroys[reason]++
}

func (r *poolRecorder) SetSessions(label string, active, idle int) {}

func (r *poolRecorder) borrowCount(result string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.borrows[result]
}

func (r *poolRecorder) destroyCount(reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.destroys[reason]
}
