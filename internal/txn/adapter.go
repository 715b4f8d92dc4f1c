package txn

import (
	"context"
	"sync"

	"github.com/psantana5/backendpool/pkg/faults"
	"github.com/psantana5/backendpool/pkg/models"
)

// TxSession is a session with backend-local transactions.
type TxSession interface {
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// AdapterStats counts calls that reached the backend.
type AdapterStats struct {
	Begins          int
	Commits         int
	OnePhaseCommits int
	Rollbacks       int
}

// Adapter makes a TxSession a Participant. It is bound to at most one
// transaction at a time; Prepare is a no-op since the backend has no
// two-phase protocol.
type Adapter struct {
	sess TxSession

	mu    sync.Mutex
	xid   models.Xid
	stats AdapterStats
}

// NewAdapter wraps sess.
func NewAdapter(sess TxSession) *Adapter {
	return &Adapter{sess: sess}
}

// Xid returns the bound transaction, if any.
func (a *Adapter) Xid() models.Xid {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.xid
}

// Stats returns the call counters.
func (a *Adapter) Stats() AdapterStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// check requires xid to be the bound transaction. Callers hold mu.
func (a *Adapter) check(op string, xid models.Xid) error {
	if xid.IsZero() {
		return faults.New(faults.TransactionProtocolFault, op, "no transaction identity given")
	}
	if a.xid.IsZero() {
		return faults.Newf(faults.TransactionProtocolFault, op, "not associated with a transaction, got %s", xid)
	}
	if a.xid != xid {
		return faults.Newf(faults.TransactionProtocolFault, op, "associated with %s, got %s", a.xid, xid)
	}
	return nil
}

// Begin starts a backend transaction and binds xid.
func (a *Adapter) Begin(ctx context.Context, xid models.Xid) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if xid.IsZero() {
		return faults.New(faults.TransactionProtocolFault, "start", "no transaction identity given")
	}
	if !a.xid.IsZero() {
		return faults.Newf(faults.TransactionProtocolFault, "start", "already associated with %s", a.xid)
	}
	if err := a.sess.Begin(ctx); err != nil {
		return err
	}
	a.stats.Begins++
	a.xid = xid
	return nil
}

// End checks that xid is the bound transaction.
func (a *Adapter) End(ctx context.Context, xid models.Xid) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.check("end", xid)
}

// PrepareOneShot always votes to commit.
func (a *Adapter) PrepareOneShot(ctx context.Context, xid models.Xid) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.check("prepare", xid)
}

// Commit commits the backend transaction. The binding is dropped whatever
// the backend answers.
func (a *Adapter) Commit(ctx context.Context, xid models.Xid, onePhase bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.check("commit", xid); err != nil {
		return err
	}
	a.stats.Commits++
	if onePhase {
		a.stats.OnePhaseCommits++
	}
	a.xid = ""
	return a.sess.Commit(ctx)
}

// Rollback rolls the backend transaction back.
func (a *Adapter) Rollback(ctx context.Context, xid models.Xid) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.check("rollback", xid); err != nil {
		return err
	}
	a.stats.Rollbacks++
	a.xid = ""
	return a.sess.Rollback(ctx)
}
