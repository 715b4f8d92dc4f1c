// Package pool is a keyed object pool of backend sessions. Sessions are
// keyed by credential fingerprint, bounded per key and globally, validated
// on borrow and evicted when idle.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/psantana5/backendpool/pkg/api"
	"github.com/psantana5/backendpool/pkg/faults"
	"github.com/psantana5/backendpool/pkg/logging"
	"github.com/psantana5/backendpool/pkg/models"
	"github.com/psantana5/backendpool/pkg/ratelimit"
)

// Session is what the pool manages.
type Session interface {
	comparable
	// IsConnected asks the backend whether the session is usable.
	IsConnected(ctx context.Context) bool
	NoReuse() bool
	MarkNoReuse()
	// Cleanup passivates the session before it goes back to the idle set.
	Cleanup(ctx context.Context) error
}

// Factory creates and destroys sessions for a credential.
type Factory[S Session] interface {
	Make(ctx context.Context, cred models.Credential) (S, error)
	Destroy(ctx context.Context, s S) error
}

// MetricsRecorder receives pool events.
type MetricsRecorder interface {
	RecordBorrow(label, result string, wait time.Duration)
	RecordDestroy(label, reason string)
	SetSessions(label string, active, idle int)
}

// Config holds the pool limits.
type Config struct {
	MaxActive              int           `mapstructure:"max_active" yaml:"max_active"`
	MaxIdle                int           `mapstructure:"max_idle" yaml:"max_idle"`
	MinIdle                int           `mapstructure:"min_idle" yaml:"min_idle"`
	MaxTotal               int           `mapstructure:"max_total" yaml:"max_total"`
	MaxWait                time.Duration `mapstructure:"max_wait" yaml:"max_wait"`
	MinEvictableIdleTime   time.Duration `mapstructure:"min_evictable_idle_time" yaml:"min_evictable_idle_time"`
	EvictionInterval       time.Duration `mapstructure:"eviction_interval" yaml:"eviction_interval"`
	NumTestsPerEvictionRun int           `mapstructure:"num_tests_per_eviction_run" yaml:"num_tests_per_eviction_run"`
	MaxReuse               int           `mapstructure:"max_reuse" yaml:"max_reuse"`
	DefaultCallTimeout     time.Duration `mapstructure:"default_call_timeout" yaml:"default_call_timeout"`
	CreateRate             float64       `mapstructure:"create_rate" yaml:"create_rate"`
	CreateBurst            int           `mapstructure:"create_burst" yaml:"create_burst"`
}

// DefaultConfig returns the pool defaults.
func DefaultConfig() Config {
	return Config{
		MaxActive:              10,
		MaxIdle:                5,
		MinIdle:                0,
		MaxTotal:               20,
		MaxWait:                5 * time.Second,
		MinEvictableIdleTime:   5 * time.Minute,
		EvictionInterval:       10 * time.Minute,
		NumTestsPerEvictionRun: 5,
		MaxReuse:               0,
	}
}

// Validate checks the limits for consistency.
func (c Config) Validate() error {
	var errs []error
	if c.MaxActive <= 0 {
		errs = append(errs, fmt.Errorf("max_active must be positive, got %d", c.MaxActive))
	}
	if c.MaxIdle <= 0 {
		errs = append(errs, fmt.Errorf("max_idle must be positive, got %d", c.MaxIdle))
	}
	if c.MaxIdle > c.MaxActive {
		errs = append(errs, fmt.Errorf("max_idle (%d) exceeds max_active (%d)", c.MaxIdle, c.MaxActive))
	}
	if c.MinIdle < 0 || c.MinIdle > c.MaxIdle {
		errs = append(errs, fmt.Errorf("min_idle (%d) must be between 0 and max_idle (%d)", c.MinIdle, c.MaxIdle))
	}
	if c.MaxTotal < 0 {
		errs = append(errs, fmt.Errorf("max_total must not be negative, got %d", c.MaxTotal))
	}
	if c.MaxReuse < 0 {
		errs = append(errs, fmt.Errorf("max_reuse must not be negative, got %d", c.MaxReuse))
	}
	if c.MinIdle > 0 && (c.MinEvictableIdleTime <= 0 || c.EvictionInterval <= 0) {
		errs = append(errs, errors.New("min_idle requires min_evictable_idle_time and eviction_interval"))
	}
	return errors.Join(errs...)
}

type entry[S Session] struct {
	session    S
	key        string
	createdAt  time.Time
	lastReturn time.Time
	reuse      int
}

type keyPool[S Session] struct {
	key   string
	cred  models.Credential
	label string
	// idle is ordered oldest return first.
	idle []*entry[S]
	// active counts borrowed sessions plus those being created or validated.
	active  int
	waiters int

	created   uint64
	destroyed uint64
	borrowed  uint64
}

// Options are the collaborators of a Pool.
type Options struct {
	Logger  *logging.Logger
	Metrics MetricsRecorder
	// DefaultCredential is used when Acquire gets a zero credential.
	DefaultCredential models.Credential
}

// Pool is a keyed session pool.
type Pool[S Session] struct {
	cfg     Config
	factory Factory[S]
	logger  *logging.Logger
	metrics MetricsRecorder
	limiter *ratelimit.Limiter
	defCred models.Credential

	mu       sync.Mutex
	keys     map[string]*keyPool[S]
	borrowed map[S]*entry[S]
	total    int
	changed  chan struct{}
	closed   bool

	evictCursor int
	stopEvictor context.CancelFunc
	evictorDone chan struct{}
	closeOnce   sync.Once
}

// New creates a pool and starts its evictor when EvictionInterval is set.
func New[S Session](cfg Config, factory Factory[S], opts Options) (*Pool[S], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	p := &Pool[S]{
		cfg:      cfg,
		factory:  factory,
		logger:   opts.Logger.WithField("component", "pool"),
		metrics:  opts.Metrics,
		limiter:  ratelimit.NewLimiter(cfg.CreateRate, cfg.CreateBurst),
		defCred:  opts.DefaultCredential,
		keys:     make(map[string]*keyPool[S]),
		borrowed: make(map[S]*entry[S]),
		changed:  make(chan struct{}),
	}
	if cfg.EvictionInterval > 0 {
		p.startEvictor()
	}
	return p, nil
}

// Config returns the pool limits.
func (p *Pool[S]) Config() Config {
	return p.cfg
}

func (p *Pool[S]) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *Pool[S]) keyPoolLocked(cred models.Credential) *keyPool[S] {
	key := cred.Fingerprint()
	kp, ok := p.keys[key]
	if !ok {
		kp = &keyPool[S]{key: key, cred: cred, label: cred.Label()}
		p.keys[key] = kp
	}
	return kp
}

func (p *Pool[S]) resolve(cred models.Credential) (models.Credential, error) {
	if cred.IsZero() {
		cred = p.defCred
	}
	if cred.IsZero() {
		return cred, faults.New(faults.SessionInvalidState, "acquire", "no credential given and no default configured")
	}
	return cred, nil
}

func (p *Pool[S]) gaugeLocked(kp *keyPool[S]) {
	if p.metrics != nil {
		p.metrics.SetSessions(kp.label, kp.active, len(kp.idle))
	}
}

// Acquire borrows a session for cred, reusing an idle one or creating one
// under the limits. It waits up to MaxWait for capacity, then fails with
// PoolExhausted. MaxWait <= 0 waits until ctx is done.
func (p *Pool[S]) Acquire(ctx context.Context, cred models.Credential) (S, error) {
	var zero S
	cred, err := p.resolve(cred)
	if err != nil {
		return zero, err
	}

	start := time.Now()
	waitCtx := ctx
	if p.cfg.MaxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.cfg.MaxWait)
		defer cancel()
	}

	s, result, err := p.acquire(ctx, waitCtx, cred)
	if p.metrics != nil {
		p.metrics.RecordBorrow(cred.Label(), result, time.Since(start))
	}
	return s, err
}

func (p *Pool[S]) acquire(ctx, waitCtx context.Context, cred models.Credential) (S, string, error) {
	var zero S
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return zero, "closed", faults.New(faults.PoolClosed, "acquire", "pool is closed")
		}
		kp := p.keyPoolLocked(cred)

		// Most recently returned first.
		for len(kp.idle) > 0 {
			e := kp.idle[len(kp.idle)-1]
			kp.idle = kp.idle[:len(kp.idle)-1]
			kp.active++
			p.mu.Unlock()

			if p.validate(ctx, e) {
				p.checkout(kp, e)
				return e.session, "reused", nil
			}
			p.destroy(ctx, kp, e, "validation")
			p.mu.Lock()
			if p.closed {
				p.mu.Unlock()
				return zero, "closed", faults.New(faults.PoolClosed, "acquire", "pool is closed")
			}
		}

		if kp.active < p.cfg.MaxActive {
			victim := p.makeRoomLocked(kp)
			if p.cfg.MaxTotal <= 0 || p.total < p.cfg.MaxTotal {
				kp.active++
				p.total++
				p.gaugeLocked(kp)
				p.mu.Unlock()
				if victim != nil {
					p.destroyIdle(ctx, victim, "max_total")
				}
				s, err := p.create(ctx, waitCtx, kp)
				if err != nil {
					return zero, "create_failed", err
				}
				return s, "created", nil
			}
		}

		ch := p.changed
		kp.waiters++
		p.mu.Unlock()

		select {
		case <-ch:
			p.mu.Lock()
			kp.waiters--
			p.mu.Unlock()
		case <-waitCtx.Done():
			p.mu.Lock()
			kp.waiters--
			p.mu.Unlock()
			return zero, "exhausted", faults.Wrap(faults.PoolExhausted, "acquire", waitCtx.Err(),
				fmt.Sprintf("no session for %s within %s", cred.Label(), p.cfg.MaxWait))
		}
	}
}

// makeRoomLocked detaches the oldest idle session of another key when the
// global limit is reached. The caller destroys it.
func (p *Pool[S]) makeRoomLocked(kp *keyPool[S]) *idleVictim[S] {
	if p.cfg.MaxTotal <= 0 || p.total < p.cfg.MaxTotal {
		return nil
	}
	var (
		oldest   *entry[S]
		owner    *keyPool[S]
		position int
	)
	for _, other := range p.keys {
		if other == kp || len(other.idle) == 0 {
			continue
		}
		if e := other.idle[0]; oldest == nil || e.lastReturn.Before(oldest.lastReturn) {
			oldest, owner, position = e, other, 0
		}
	}
	if oldest == nil {
		return nil
	}
	owner.idle = append(owner.idle[:position], owner.idle[position+1:]...)
	p.total--
	return &idleVictim[S]{kp: owner, e: oldest}
}

type idleVictim[S Session] struct {
	kp *keyPool[S]
	e  *entry[S]
}

// destroyIdle destroys a session already removed from accounting.
func (p *Pool[S]) destroyIdle(ctx context.Context, v *idleVictim[S], reason string) {
	if err := p.factory.Destroy(ctx, v.e.session); err != nil {
		p.logger.Warn("Failed to destroy session", map[string]interface{}{"key": v.kp.label, "reason": reason, "error": err})
	}
	p.mu.Lock()
	v.kp.destroyed++
	p.gaugeLocked(v.kp)
	p.notifyLocked()
	p.mu.Unlock()
	if p.metrics != nil {
		p.metrics.RecordDestroy(v.kp.label, reason)
	}
}

// create makes a session with a reserved slot in kp.active and p.total.
func (p *Pool[S]) create(ctx, waitCtx context.Context, kp *keyPool[S]) (S, error) {
	var zero S
	if err := p.limiter.Wait(waitCtx, kp.key); err != nil {
		p.unreserve(kp)
		return zero, faults.Wrap(faults.PoolExhausted, "acquire", err, "session creation throttled")
	}

	s, err := p.factory.Make(ctx, kp.cred)
	if err != nil {
		p.unreserve(kp)
		p.logger.Error("Failed to create session", map[string]interface{}{"key": kp.label, "error": err})
		if faults.CodeOf(err) != "" {
			return zero, err
		}
		return zero, faults.Wrap(faults.BackendOpenFailure, "acquire", err, "")
	}

	e := &entry[S]{session: s, key: kp.key, createdAt: time.Now()}
	if !p.validate(ctx, e) {
		p.destroy(ctx, kp, e, "validation")
		return zero, faults.Newf(faults.BackendOpenFailure, "acquire", "new session for %s failed validation", kp.label)
	}

	p.mu.Lock()
	kp.created++
	p.mu.Unlock()
	p.checkout(kp, e)
	p.logger.Debug("Session created", map[string]interface{}{"key": kp.label})
	return s, nil
}

func (p *Pool[S]) unreserve(kp *keyPool[S]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kp.active--
	p.total--
	p.gaugeLocked(kp)
	p.notifyLocked()
}

// validate checks a session before it is handed out. The reuse count is the
// number of earlier borrows.
func (p *Pool[S]) validate(ctx context.Context, e *entry[S]) bool {
	if e.session.NoReuse() {
		return false
	}
	if p.cfg.MaxReuse > 0 && e.reuse > p.cfg.MaxReuse {
		return false
	}
	return e.session.IsConnected(ctx)
}

func (p *Pool[S]) checkout(kp *keyPool[S], e *entry[S]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e.reuse++
	kp.borrowed++
	p.borrowed[e.session] = e
	p.gaugeLocked(kp)
}

// destroy destroys a session counted in kp.active.
func (p *Pool[S]) destroy(ctx context.Context, kp *keyPool[S], e *entry[S], reason string) {
	if err := p.factory.Destroy(ctx, e.session); err != nil {
		p.logger.Warn("Failed to destroy session", map[string]interface{}{"key": kp.label, "reason": reason, "error": err})
	} else {
		p.logger.Debug("Session destroyed", map[string]interface{}{"key": kp.label, "reason": reason})
	}
	p.mu.Lock()
	kp.active--
	kp.destroyed++
	p.total--
	p.gaugeLocked(kp)
	p.notifyLocked()
	p.mu.Unlock()
	if p.metrics != nil {
		p.metrics.RecordDestroy(kp.label, reason)
	}
}

// checkin looks up a borrowed session and removes it from the borrowed set.
func (p *Pool[S]) checkin(op string, cred models.Credential, s S) (*keyPool[S], *entry[S], error) {
	cred, err := p.resolve(cred)
	if err != nil {
		return nil, nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.borrowed[s]
	if !ok {
		return nil, nil, faults.New(faults.SessionInvalidState, op, "session is not borrowed from this pool")
	}
	if e.key != cred.Fingerprint() {
		return nil, nil, faults.New(faults.SessionInvalidState, op, "session was borrowed under a different credential")
	}
	delete(p.borrowed, s)
	return p.keys[e.key], e, nil
}

// Release returns a borrowed session. A no-reuse session is destroyed;
// otherwise it is passivated and kept idle, subject to MaxIdle.
func (p *Pool[S]) Release(ctx context.Context, cred models.Credential, s S) error {
	kp, e, err := p.checkin("release", cred, s)
	if err != nil {
		return err
	}

	if s.NoReuse() {
		p.destroy(ctx, kp, e, "no_reuse")
		return nil
	}
	if err := s.Cleanup(ctx); err != nil {
		p.logger.Warn("Passivation failed, destroying session", map[string]interface{}{"key": kp.label, "error": err})
		s.MarkNoReuse()
		p.destroy(ctx, kp, e, "passivation")
		return nil
	}

	p.mu.Lock()
	if p.closed || len(kp.idle) >= p.cfg.MaxIdle {
		reason := "max_idle"
		if p.closed {
			reason = "closed"
		}
		p.mu.Unlock()
		p.destroy(ctx, kp, e, reason)
		return nil
	}
	kp.active--
	e.lastReturn = time.Now()
	kp.idle = append(kp.idle, e)
	p.gaugeLocked(kp)
	p.notifyLocked()
	p.mu.Unlock()
	return nil
}

// Invalidate destroys a borrowed session instead of returning it.
func (p *Pool[S]) Invalidate(ctx context.Context, cred models.Credential, s S) error {
	kp, e, err := p.checkin("invalidate", cred, s)
	if err != nil {
		return err
	}
	s.MarkNoReuse()
	p.destroy(ctx, kp, e, "invalidated")
	return nil
}

// Close destroys idle sessions and stops the evictor. Borrowed sessions are
// destroyed when they come back. Close is idempotent.
func (p *Pool[S]) Close(ctx context.Context) error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		var victims []*idleVictim[S]
		for _, kp := range p.keys {
			for _, e := range kp.idle {
				victims = append(victims, &idleVictim[S]{kp: kp, e: e})
			}
			p.total -= len(kp.idle)
			kp.idle = nil
		}
		p.notifyLocked()
		p.mu.Unlock()

		if p.stopEvictor != nil {
			p.stopEvictor()
			<-p.evictorDone
		}

		p.logger.Info("Closing pool", map[string]interface{}{"idle_sessions": len(victims)})
		g, gctx := errgroup.WithContext(ctx)
		for _, v := range victims {
			v := v
			g.Go(func() error {
				p.destroyIdle(gctx, v, "closed")
				return nil
			})
		}
		err = g.Wait()
	})
	return err
}

// Status returns a snapshot of every key.
func (p *Pool[S]) Status() api.PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	status := api.PoolStatus{
		Closed:    p.closed,
		MaxTotal:  p.cfg.MaxTotal,
		MaxActive: p.cfg.MaxActive,
	}
	for _, kp := range p.keys {
		status.Active += kp.active
		status.Idle += len(kp.idle)
		status.Keys = append(status.Keys, api.KeyStats{
			Key:       kp.key,
			Label:     kp.label,
			Active:    kp.active,
			Idle:      len(kp.idle),
			Waiters:   kp.waiters,
			Created:   kp.created,
			Destroyed: kp.destroyed,
			Borrowed:  kp.borrowed,
		})
	}
	sort.Slice(status.Keys, func(i, j int) bool { return status.Keys[i].Label < status.Keys[j].Label })
	return status
}

// NumActive returns the borrowed session count for cred.
func (p *Pool[S]) NumActive(cred models.Credential) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if kp, ok := p.keys[cred.Fingerprint()]; ok {
		return kp.active
	}
	return 0
}

// NumIdle returns the idle session count for cred.
func (p *Pool[S]) NumIdle(cred models.Credential) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if kp, ok := p.keys[cred.Fingerprint()]; ok {
		return len(kp.idle)
	}
	return 0
}
