package enlistment

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/txpool/pkg/errors"
	"github.com/ajitpratap0/txpool/pkg/pool"
	"github.com/ajitpratap0/txpool/pkg/resource"
)

// State is the enlistment state of one entry
type State int

const (
	// NotEnlisted means the entry is not bound to a transaction branch
	NotEnlisted State = iota
	// Enlisted means Start has been called and End has not
	Enlisted
	// Ended means the association has ended and the branch awaits its outcome
	Ended
	// Prepared means the branch voted to commit in phase one
	Prepared
)

func (s State) String() string {
	switch s {
	case NotEnlisted:
		return "not_enlisted"
	case Enlisted:
		return "enlisted"
	case Ended:
		return "ended"
	case Prepared:
		return "prepared"
	default:
		return "unknown"
	}
}

// tracked wraps the participant of one entry and enforces the per-entry
// state machine:
//
//	NotEnlisted -Start-> Enlisted -End-> Ended -Commit|Rollback-> NotEnlisted
//
// with an optional Prepare between End and Commit. Only one Start/End
// pairing may be open at a time.
type tracked struct {
	coord *Coordinator
	entry *pool.Entry
	inner resource.Participant
	local bool

	mu    sync.Mutex
	state State
	xid   resource.Xid
}

var _ resource.Participant = (*tracked)(nil)

func (t *tracked) current() (State, resource.Xid) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, t.xid
}

// Start implements resource.Participant
func (t *tracked) Start(ctx context.Context, xid resource.Xid) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != NotEnlisted {
		return t.protocolError("start", xid)
	}
	if err := t.inner.Start(ctx, xid); err != nil {
		return t.failLocked(ctx, err, "start")
	}
	t.state, t.xid = Enlisted, xid
	return nil
}

// End implements resource.Participant
func (t *tracked) End(ctx context.Context, xid resource.Xid, flag resource.EndFlag) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Enlisted || t.xid != xid {
		return t.protocolError("end", xid)
	}
	if err := t.inner.End(ctx, xid, flag); err != nil {
		return t.failLocked(ctx, err, "end")
	}
	t.state = Ended
	return nil
}

// Prepare implements resource.Participant
func (t *tracked) Prepare(ctx context.Context, xid resource.Xid) (resource.Vote, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Ended || t.xid != xid {
		return resource.VoteCommit, t.protocolError("prepare", xid)
	}
	vote, err := t.inner.Prepare(ctx, xid)
	if err != nil {
		return vote, t.failLocked(ctx, err, "prepare")
	}
	if vote == resource.VoteReadOnly {
		t.settleLocked()
		return vote, nil
	}
	t.state = Prepared
	return vote, nil
}

// Commit implements resource.Participant
func (t *tracked) Commit(ctx context.Context, xid resource.Xid, onePhase bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.xid != xid || !(t.state == Ended || t.state == Prepared) || (onePhase && t.state == Prepared) {
		return t.protocolError("commit", xid)
	}
	err := t.inner.Commit(ctx, xid, onePhase)
	t.settleLocked()
	if err != nil {
		return t.failLocked(ctx, err, "commit")
	}
	return nil
}

// Rollback implements resource.Participant
func (t *tracked) Rollback(ctx context.Context, xid resource.Xid) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == NotEnlisted || t.xid != xid {
		return t.protocolError("rollback", xid)
	}
	err := t.inner.Rollback(ctx, xid)
	t.settleLocked()
	if err != nil {
		return t.failLocked(ctx, err, "rollback")
	}
	return nil
}

// abort rolls back whatever branch is open, ignoring protocol order. It
// reports whether a branch was open.
func (t *tracked) abort(ctx context.Context) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == NotEnlisted {
		return false, nil
	}
	err := t.inner.Rollback(ctx, t.xid)
	t.settleLocked()
	return true, err
}

// failLocked classifies an error raised by the inner participant. A fatal
// error rolls back the open branch when the classifier asks for it and
// dooms the entry.
func (t *tracked) failLocked(ctx context.Context, err error, op string) error {
	tagged, fatal := t.coord.classify(err, op, errors.ErrorTypeEnlistment)
	if !fatal {
		return tagged
	}
	if t.state != NotEnlisted && t.coord.classifier.RollbackOnFatal() {
		if rbErr := t.inner.Rollback(ctx, t.xid); rbErr != nil {
			t.coord.logger.Debug("best-effort rollback failed", zap.Uint64("entry", t.entry.ID()), zap.Error(rbErr))
		}
		t.settleLocked()
	}
	t.entry.MarkFatal()
	return tagged
}

func (t *tracked) settleLocked() {
	t.state = NotEnlisted
	t.xid = resource.Xid{}
}

func (t *tracked) protocolError(op string, xid resource.Xid) error {
	return errors.Newf(errors.ErrorTypeEnlistment, "%s is not allowed in state %s", op, t.state).
		WithDetail("entry", t.entry.ID()).
		WithDetail("xid", xid.String())
}
