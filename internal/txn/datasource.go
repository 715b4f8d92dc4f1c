package txn

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/psantana5/backendpool/internal/pool"
	"github.com/psantana5/backendpool/pkg/faults"
	"github.com/psantana5/backendpool/pkg/logging"
	"github.com/psantana5/backendpool/pkg/models"
)

// Conn is a pooled session that can run operations and local transactions.
type Conn interface {
	pool.Session
	TxSession
	Call(ctx context.Context, op string, args ...string) (models.CallResult, error)
}

// Pool is the part of pool.Pool the data source needs.
type Pool[S Conn] interface {
	Acquire(ctx context.Context, cred models.Credential) (S, error)
	Release(ctx context.Context, cred models.Credential, s S) error
}

type bindingKey struct {
	key string
	xid models.Xid
}

func (k bindingKey) String() string {
	return k.key + "/" + k.xid.String()
}

type binding[S Conn] struct {
	session S
	cred    models.Credential
	adapter *Adapter
}

// DataSource hands out sessions, enlisting them in the ambient transaction
// when there is one. Within a transaction every Acquire for the same
// credential returns the same session, also when those acquires race.
type DataSource[S Conn] struct {
	pool      Pool[S]
	logger    *logging.Logger
	enlisting singleflight.Group

	mu       sync.Mutex
	bindings map[bindingKey]*binding[S]
}

// NewDataSource creates a data source over p.
func NewDataSource[S Conn](p Pool[S], logger *logging.Logger) *DataSource[S] {
	if logger == nil {
		logger = logging.Discard()
	}
	return &DataSource[S]{
		pool:     p,
		logger:   logger.WithField("component", "txn"),
		bindings: make(map[bindingKey]*binding[S]),
	}
}

// Acquire returns a lease on a session for cred.
func (d *DataSource[S]) Acquire(ctx context.Context, cred models.Credential) (*Lease[S], error) {
	tx := FromContext(ctx)
	if tx == nil || tx.Done() {
		s, err := d.pool.Acquire(ctx, cred)
		if err != nil {
			return nil, err
		}
		return &Lease[S]{ds: d, session: s, cred: cred}, nil
	}

	key := bindingKey{key: cred.Fingerprint(), xid: tx.Xid()}
	// Concurrent first acquires for one key share a single enlistment.
	v, err, _ := d.enlisting.Do(key.String(), func() (interface{}, error) {
		d.mu.Lock()
		b, ok := d.bindings[key]
		d.mu.Unlock()
		if ok {
			return b, nil
		}
		return d.enlist(ctx, tx, key, cred)
	})
	if err != nil {
		return nil, err
	}
	b := v.(*binding[S])
	return &Lease[S]{ds: d, session: b.session, cred: cred, binding: b}, nil
}

// enlist borrows a session for key and binds it to tx.
func (d *DataSource[S]) enlist(ctx context.Context, tx *Transaction, key bindingKey, cred models.Credential) (*binding[S], error) {
	s, err := d.pool.Acquire(ctx, cred)
	if err != nil {
		return nil, err
	}
	b := &binding[S]{session: s, cred: cred, adapter: NewAdapter(s)}
	if err := tx.Enlist(ctx, b.adapter); err != nil {
		d.logger.Warn("Enlistment failed, returning session", map[string]interface{}{
			"xid":   tx.Xid().String(),
			"key":   cred.Label(),
			"error": err,
		})
		if rerr := d.pool.Release(ctx, cred, s); rerr != nil {
			d.logger.Warn("Failed to return session", map[string]interface{}{"key": cred.Label(), "error": rerr})
		}
		return nil, err
	}

	d.mu.Lock()
	d.bindings[key] = b
	d.mu.Unlock()
	tx.OnCompletion(func(outcome Outcome) {
		d.complete(context.WithoutCancel(ctx), key, b, outcome)
	})
	return b, nil
}

func (d *DataSource[S]) complete(ctx context.Context, key bindingKey, b *binding[S], outcome Outcome) {
	d.mu.Lock()
	delete(d.bindings, key)
	d.mu.Unlock()
	if err := d.pool.Release(ctx, b.cred, b.session); err != nil {
		d.logger.Warn("Failed to return session after completion", map[string]interface{}{
			"xid":     key.xid.String(),
			"outcome": outcome.String(),
			"error":   err,
		})
	}
}

// Bindings returns the number of live transaction bindings.
func (d *DataSource[S]) Bindings() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.bindings)
}

// Adapter returns the adapter bound to cred in the ambient transaction.
func (d *DataSource[S]) Adapter(ctx context.Context, cred models.Credential) (*Adapter, bool) {
	tx := FromContext(ctx)
	if tx == nil {
		return nil, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.bindings[bindingKey{key: cred.Fingerprint(), xid: tx.Xid()}]
	if !ok {
		return nil, false
	}
	return b.adapter, true
}

// Lease is a borrowed session. An enlisted lease belongs to its
// transaction: commit and rollback are the coordinator's, and the session
// returns to the pool when the transaction completes.
type Lease[S Conn] struct {
	ds      *DataSource[S]
	session S
	cred    models.Credential
	binding *binding[S]
	closed  atomic.Bool
}

// Session returns the underlying session.
func (l *Lease[S]) Session() S {
	return l.session
}

// Enlisted reports whether the lease is bound to a transaction.
func (l *Lease[S]) Enlisted() bool {
	return l.binding != nil
}

func (l *Lease[S]) usable(op string) error {
	if l.closed.Load() {
		return faults.New(faults.SessionInvalidState, op, "lease is closed")
	}
	return nil
}

// Call runs an operation on the session.
func (l *Lease[S]) Call(ctx context.Context, op string, args ...string) (models.CallResult, error) {
	if err := l.usable(op); err != nil {
		return models.CallResult{}, err
	}
	return l.session.Call(ctx, op, args...)
}

// Begin starts a backend transaction on a lease outside any transaction.
func (l *Lease[S]) Begin(ctx context.Context) error {
	if err := l.local("begin"); err != nil {
		return err
	}
	return l.session.Begin(ctx)
}

// Commit commits directly on the backend.
func (l *Lease[S]) Commit(ctx context.Context) error {
	if err := l.local("commit"); err != nil {
		return err
	}
	return l.session.Commit(ctx)
}

// Rollback rolls back directly on the backend.
func (l *Lease[S]) Rollback(ctx context.Context) error {
	if err := l.local("rollback"); err != nil {
		return err
	}
	return l.session.Rollback(ctx)
}

func (l *Lease[S]) local(op string) error {
	if err := l.usable(op); err != nil {
		return err
	}
	if l.Enlisted() {
		return faults.New(faults.SessionInvalidState, op, "session is enlisted; its transaction decides the outcome")
	}
	return nil
}

// Close gives the session back. An enlisted session stays bound until its
// transaction completes. Close is idempotent.
func (l *Lease[S]) Close(ctx context.Context) error {
	if l.closed.Swap(true) || l.Enlisted() {
		return nil
	}
	return l.ds.pool.Release(ctx, l.cred, l.session)
}
