// Package enlistment binds pooled resources to ambient transactions.
//
// The Coordinator gives every enlisted entry a tracking participant that
// enforces the per-entry branch state machine. Resources without a
// two-phase participant are enlisted through a local transaction shim that
// toggles auto-commit. Errors raised by resources are classified once;
// fatal ones roll back the open branch (when the classifier asks for it)
// and doom the entry so the pool destroys it on return.
package enlistment

import (
	"context"
	"database/sql/driver"
	"io"
	"net"

	"go.uber.org/zap"

	"github.com/ajitpratap0/txpool/pkg/errors"
	"github.com/ajitpratap0/txpool/pkg/logger"
	"github.com/ajitpratap0/txpool/pkg/pool"
	"github.com/ajitpratap0/txpool/pkg/resource"
)

// Enlister is the part of a transaction the coordinator drives
type Enlister interface {
	EnlistResource(p resource.Participant) error
	DelistResource(p resource.Participant, flag resource.EndFlag) error
}

// ExceptionClassifier decides which resource errors are fatal.
// Backend-specific code tables live behind it.
type ExceptionClassifier interface {
	IsFatal(err error) bool
	RollbackOnFatal() bool
}

// DefaultClassifier treats broken connections as fatal and asks for a
// rollback before the entry is destroyed
type DefaultClassifier struct{}

// IsFatal implements ExceptionClassifier
func (DefaultClassifier) IsFatal(err error) bool {
	return errors.IsFatal(err) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

// RollbackOnFatal implements ExceptionClassifier
func (DefaultClassifier) RollbackOnFatal() bool { return true }

// Coordinator enlists pool entries into transactions
type Coordinator struct {
	factory        resource.Factory
	classifier     ExceptionClassifier
	explicitCommit bool
	logger         *zap.Logger
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithClassifier replaces DefaultClassifier
func WithClassifier(c ExceptionClassifier) Option {
	return func(co *Coordinator) { co.classifier = c }
}

// WithExplicitCommit makes the local shim issue an explicit commit before
// re-enabling auto-commit
func WithExplicitCommit(on bool) Option {
	return func(co *Coordinator) { co.explicitCommit = on }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(co *Coordinator) { co.logger = l }
}

// NewCoordinator creates a coordinator for resources made by factory
func NewCoordinator(factory resource.Factory, opts ...Option) *Coordinator {
	c := &Coordinator{
		factory:    factory,
		classifier: DefaultClassifier{},
		logger:     logger.Get(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("component", "enlistment"))
	return c
}

// Enlist binds the entry's resource to tx. Enlisting an entry whose branch
// is already open is a no-op. On failure the entry is marked evicted so it
// is destroyed when returned.
func (c *Coordinator) Enlist(tx Enlister, e *pool.Entry) error {
	t, err := c.participantFor(e)
	if err != nil {
		e.MarkEvicted()
		return err
	}
	if state, _ := t.current(); state != NotEnlisted {
		return nil
	}

	if err := tx.EnlistResource(t); err != nil {
		e.MarkEvicted()
		c.logger.Warn("failed to enlist resource", zap.Uint64("entry", e.ID()), zap.Error(err))
		if errors.IsType(err, errors.ErrorTypeEnlistment) {
			return err
		}
		return errors.Wrap(err, errors.ErrorTypeEnlistment, "failed to enlist resource").
			WithDetail("entry", e.ID())
	}
	c.logger.Debug("enlisted resource", zap.Uint64("entry", e.ID()), zap.Bool("local", t.local))
	return nil
}

// Delist ends the entry's association with tx. Entries that are not
// enlisted are skipped.
func (c *Coordinator) Delist(tx Enlister, e *pool.Entry, success bool) error {
	t, ok := e.Enlistment().(*tracked)
	if !ok {
		return nil
	}
	if state, _ := t.current(); state != Enlisted {
		return nil
	}
	flag := resource.EndSuccess
	if !success {
		flag = resource.EndFail
	}
	if err := tx.DelistResource(t, flag); err != nil {
		e.MarkEvicted()
		if errors.IsType(err, errors.ErrorTypeEnlistment) || errors.IsFatal(err) {
			return err
		}
		return errors.Wrap(err, errors.ErrorTypeEnlistment, "failed to delist resource").
			WithDetail("entry", e.ID())
	}
	return nil
}

// Settle detaches the entry from its finished transaction. A branch the
// transaction manager left open is rolled back and the entry is marked
// evicted, since the backend state is unknown. It reports whether the entry
// was cleanly settled.
func (c *Coordinator) Settle(ctx context.Context, e *pool.Entry) bool {
	t, ok := e.SwapEnlistment(nil).(*tracked)
	if !ok {
		return true
	}
	open, err := t.abort(ctx)
	if !open {
		return true
	}
	e.MarkEvicted()
	c.logger.Warn("transaction completed with branch still open",
		zap.Uint64("entry", e.ID()), zap.Error(err))
	return false
}

// StateOf returns the enlistment state of an entry
func (c *Coordinator) StateOf(e *pool.Entry) State {
	t, ok := e.Enlistment().(*tracked)
	if !ok {
		return NotEnlisted
	}
	state, _ := t.current()
	return state
}

// HandleError classifies an error raised while using the entry. A fatal
// error rolls back the open branch when the classifier asks for it and
// marks the entry fatal, which forces its destruction on return.
func (c *Coordinator) HandleError(ctx context.Context, e *pool.Entry, err error) error {
	tagged, fatal := c.classify(err, "use", errors.ErrorTypeInternal)
	if !fatal {
		return tagged
	}
	if t, ok := e.Enlistment().(*tracked); ok && c.classifier.RollbackOnFatal() {
		if _, rbErr := t.abort(ctx); rbErr != nil {
			c.logger.Debug("best-effort rollback failed", zap.Uint64("entry", e.ID()), zap.Error(rbErr))
		}
	}
	e.MarkFatal()
	return tagged
}

// classify tags err once and reports whether it is fatal
func (c *Coordinator) classify(err error, op string, fallback errors.ErrorType) (error, bool) {
	tagged := errors.Classify(err, c.classifier, fallback)
	fatal := errors.IsFatal(tagged)
	if fatal {
		c.logger.Warn("fatal resource error", zap.String("op", op), zap.Error(err))
	}
	return tagged, fatal
}

// participantFor returns the tracking participant stored on the entry,
// creating it on first enlistment
func (c *Coordinator) participantFor(e *pool.Entry) (*tracked, error) {
	if t, ok := e.Enlistment().(*tracked); ok {
		return t, nil
	}

	t := &tracked{coord: c, entry: e}
	if provider, ok := c.factory.(resource.ParticipantProvider); ok {
		if p, ok := provider.TwoPhaseParticipant(e.Resource()); ok {
			t.inner = p
		}
	}
	if t.inner == nil {
		lt, ok := e.Resource().(resource.LocalTransactional)
		if !ok {
			return nil, errors.New(errors.ErrorTypeEnlistment, "resource supports neither two-phase nor local transactions").
				WithDetail("entry", e.ID())
		}
		t.inner = &localParticipant{res: lt, entry: e, explicitCommit: c.explicitCommit}
		t.local = true
	}

	if !e.CompareAndSwapEnlistment(nil, t) {
		if existing, ok := e.Enlistment().(*tracked); ok {
			return existing, nil
		}
		return nil, errors.New(errors.ErrorTypeInternal, "enlistment slot holds a foreign value").
			WithDetail("entry", e.ID())
	}
	return t, nil
}
