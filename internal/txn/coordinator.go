// Package txn enlists pooled sessions in local transactions.
//
// A Coordinator runs one-phase or prepare-then-commit completion over
// Participants. The Adapter turns a backend session into a Participant and
// DataSource binds one session per credential to each transaction.
package txn

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/psantana5/backendpool/pkg/faults"
	"github.com/psantana5/backendpool/pkg/logging"
	"github.com/psantana5/backendpool/pkg/models"
)

// Participant is a resource that takes part in a transaction.
type Participant interface {
	Begin(ctx context.Context, xid models.Xid) error
	End(ctx context.Context, xid models.Xid) error
	PrepareOneShot(ctx context.Context, xid models.Xid) error
	Commit(ctx context.Context, xid models.Xid, onePhase bool) error
	Rollback(ctx context.Context, xid models.Xid) error
}

// Outcome is how a transaction finished.
type Outcome int

const (
	Committed Outcome = iota
	RolledBack
)

func (o Outcome) String() string {
	if o == Committed {
		return "committed"
	}
	return "rolled_back"
}

// Status of a transaction.
type Status int

const (
	StatusActive Status = iota
	StatusMarkedRollback
	StatusCommitted
	StatusRolledBack
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusMarkedRollback:
		return "marked_rollback"
	case StatusCommitted:
		return "committed"
	case StatusRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

type ctxKey struct{}

// FromContext returns the ambient transaction, or nil.
func FromContext(ctx context.Context) *Transaction {
	tx, _ := ctx.Value(ctxKey{}).(*Transaction)
	return tx
}

// Coordinator starts local transactions.
type Coordinator struct {
	logger *logging.Logger

	begun      atomic.Uint64
	committed  atomic.Uint64
	rolledBack atomic.Uint64
}

// NewCoordinator creates a coordinator.
func NewCoordinator(logger *logging.Logger) *Coordinator {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Coordinator{logger: logger.WithField("component", "txn")}
}

// Begin starts a transaction and returns a context carrying it. Nested
// transactions are not supported.
func (c *Coordinator) Begin(ctx context.Context) (context.Context, *Transaction, error) {
	if tx := FromContext(ctx); tx != nil && !tx.Done() {
		return ctx, nil, faults.Newf(faults.TransactionProtocolFault, "begin", "transaction %s already active", tx.Xid())
	}
	tx := &Transaction{xid: models.NewXid(), coord: c}
	c.begun.Add(1)
	c.logger.Debug("Transaction started", map[string]interface{}{"xid": tx.xid.String()})
	return context.WithValue(ctx, ctxKey{}, tx), tx, nil
}

// Run executes fn inside a new transaction. It commits when fn succeeds and
// rolls back otherwise.
func (c *Coordinator) Run(ctx context.Context, fn func(ctx context.Context) error) (models.Xid, error) {
	txCtx, tx, err := c.Begin(ctx)
	if err != nil {
		return "", err
	}
	if err := fn(txCtx); err != nil {
		return tx.Xid(), errors.Join(err, tx.Rollback(ctx))
	}
	return tx.Xid(), tx.Commit(ctx)
}

// Stats returns transaction counters.
func (c *Coordinator) Stats() (begun, committed, rolledBack uint64) {
	return c.begun.Load(), c.committed.Load(), c.rolledBack.Load()
}

// Transaction is one local transaction.
type Transaction struct {
	xid   models.Xid
	coord *Coordinator

	mu           sync.Mutex
	status       Status
	participants []Participant
	callbacks    []func(Outcome)
	cause        error
	completing   bool
}

// Xid returns the transaction identity.
func (t *Transaction) Xid() models.Xid {
	return t.xid
}

// Status returns the current status.
func (t *Transaction) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Done reports whether the transaction has completed.
func (t *Transaction) Done() bool {
	s := t.Status()
	return s == StatusCommitted || s == StatusRolledBack
}

// RollbackOnly reports whether the transaction can only roll back.
func (t *Transaction) RollbackOnly() bool {
	return t.Status() == StatusMarkedRollback
}

// SetRollbackOnly marks the transaction so that Commit rolls back.
func (t *Transaction) SetRollbackOnly(cause error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusActive {
		return
	}
	t.status = StatusMarkedRollback
	t.cause = cause
	t.coord.logger.Warn("Transaction marked rollback-only", map[string]interface{}{"xid": t.xid.String(), "cause": cause})
}

// Enlist starts p on this transaction. A failed start marks the
// transaction rollback-only.
func (t *Transaction) Enlist(ctx context.Context, p Participant) error {
	t.mu.Lock()
	if t.status != StatusActive || t.completing {
		status := t.status
		t.mu.Unlock()
		return faults.Newf(faults.TransactionProtocolFault, "enlist", "transaction %s is %s", t.xid, status)
	}
	t.mu.Unlock()

	if err := p.Begin(ctx, t.xid); err != nil {
		t.SetRollbackOnly(err)
		return err
	}

	t.mu.Lock()
	t.participants = append(t.participants, p)
	t.mu.Unlock()
	return nil
}

// OnCompletion registers fn to run after commit or rollback.
func (t *Transaction) OnCompletion(fn func(Outcome)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, fn)
}

// finish claims the transaction for completion.
func (t *Transaction) finish(op string) ([]Participant, Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.status {
	case StatusCommitted, StatusRolledBack:
		return nil, t.status, faults.Newf(faults.TransactionProtocolFault, op, "transaction %s already %s", t.xid, t.status)
	}
	if t.completing {
		return nil, t.status, faults.Newf(faults.TransactionProtocolFault, op, "transaction %s is completing", t.xid)
	}
	t.completing = true
	return t.participants, t.status, nil
}

// Commit completes the transaction. A single participant commits in one
// phase; several are prepared first. A rollback-only transaction is rolled
// back and Commit reports why.
func (t *Transaction) Commit(ctx context.Context) error {
	participants, status, err := t.finish("commit")
	if err != nil {
		return err
	}
	if status == StatusMarkedRollback {
		rbErr := t.rollback(ctx, participants)
		t.mu.Lock()
		cause := t.cause
		t.mu.Unlock()
		return errors.Join(faults.Wrap(faults.TransactionProtocolFault, "commit", cause, "transaction marked rollback-only"), rbErr)
	}

	var errs []error
	for _, p := range participants {
		if err := p.End(ctx, t.xid); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(append(errs, t.rollback(ctx, participants))...)
	}

	onePhase := len(participants) == 1
	if !onePhase {
		for _, p := range participants {
			if err := p.PrepareOneShot(ctx, t.xid); err != nil {
				return errors.Join(err, t.rollback(ctx, participants))
			}
		}
	}
	for _, p := range participants {
		if err := p.Commit(ctx, t.xid, onePhase); err != nil {
			errs = append(errs, err)
		}
	}
	t.complete(StatusCommitted)
	return errors.Join(errs...)
}

// Rollback rolls every participant back.
func (t *Transaction) Rollback(ctx context.Context) error {
	participants, _, err := t.finish("rollback")
	if err != nil {
		return err
	}
	var errs []error
	for _, p := range participants {
		if err := p.End(ctx, t.xid); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(append(errs, t.rollback(ctx, participants))...)
}

func (t *Transaction) rollback(ctx context.Context, participants []Participant) error {
	var errs []error
	for _, p := range participants {
		if err := p.Rollback(ctx, t.xid); err != nil {
			errs = append(errs, err)
		}
	}
	t.complete(StatusRolledBack)
	return errors.Join(errs...)
}

func (t *Transaction) complete(status Status) {
	t.mu.Lock()
	t.status = status
	callbacks := t.callbacks
	t.callbacks = nil
	t.mu.Unlock()

	outcome := Committed
	if status == StatusRolledBack {
		outcome = RolledBack
		t.coord.rolledBack.Add(1)
	} else {
		t.coord.committed.Add(1)
	}
	t.coord.logger.Debug("Transaction completed", map[string]interface{}{"xid": t.xid.String(), "outcome": outcome.String()})
	for _, fn := range callbacks {
		fn(outcome)
	}
}
