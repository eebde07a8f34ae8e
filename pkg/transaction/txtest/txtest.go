// Package txtest provides an in-memory transaction manager for tests.
// It drives participants the way a real manager would: Start on enlist,
// End on delist, one-phase commit for a single participant and
// prepare-then-commit for several.
package txtest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ajitpratap0/txpool/pkg/errors"
	"github.com/ajitpratap0/txpool/pkg/resource"
	"github.com/ajitpratap0/txpool/pkg/transaction"
)

var nextID atomic.Uint64

// Tx is a fake transaction
type Tx struct {
	id  string
	xid resource.Xid

	mu           sync.Mutex
	active       bool
	participants []resource.Participant
	delisted     map[resource.Participant]bool
	syncs        []transaction.Synchronization

	// EnlistErr, when set, fails every EnlistResource call
	EnlistErr error
	// SyncErr, when set, fails RegisterSynchronization
	SyncErr error
}

var _ transaction.Transaction = (*Tx)(nil)

// Begin starts a fake transaction and returns a context carrying it
func Begin(ctx context.Context) (context.Context, *Tx) {
	n := nextID.Add(1)
	tx := &Tx{
		id:       fmt.Sprintf("tx-%d", n),
		xid:      resource.Xid{FormatID: 1, GlobalID: fmt.Sprintf("g%d", n)},
		active:   true,
		delisted: make(map[resource.Participant]bool),
	}
	return transaction.NewContext(ctx, tx), tx
}

// ID implements transaction.Transaction
func (t *Tx) ID() string { return t.id }

// Xid returns the branch id handed to participants
func (t *Tx) Xid() resource.Xid { return t.xid }

// IsActive implements transaction.Transaction
func (t *Tx) IsActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// EnlistResource implements transaction.Transaction
func (t *Tx) EnlistResource(p resource.Participant) error {
	if t.EnlistErr != nil {
		return t.EnlistErr
	}
	if err := p.Start(context.Background(), t.xid); err != nil {
		return err
	}
	t.mu.Lock()
	t.participants = append(t.participants, p)
	t.mu.Unlock()
	return nil
}

// DelistResource implements transaction.Transaction
func (t *Tx) DelistResource(p resource.Participant, flag resource.EndFlag) error {
	if err := p.End(context.Background(), t.xid, flag); err != nil {
		return err
	}
	t.mu.Lock()
	t.delisted[p] = true
	t.mu.Unlock()
	return nil
}

// RegisterSynchronization implements transaction.Transaction
func (t *Tx) RegisterSynchronization(s transaction.Synchronization) error {
	if t.SyncErr != nil {
		return t.SyncErr
	}
	t.mu.Lock()
	t.syncs = append(t.syncs, s)
	t.mu.Unlock()
	return nil
}

// Participants returns the enlisted participants
func (t *Tx) Participants() []resource.Participant {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]resource.Participant(nil), t.participants...)
}

// Commit completes the transaction. A single participant is committed in
// one phase; several are prepared first. Any failure rolls back the rest.
func (t *Tx) Commit() error {
	for _, s := range t.synchronizations() {
		s.BeforeCompletion()
	}
	syncs, parts := t.finish()

	ctx := context.Background()
	err := t.endAll(ctx, parts, resource.EndSuccess)
	if err == nil {
		err = t.commitParticipants(ctx, parts)
	} else {
		for _, p := range parts {
			_ = p.Rollback(ctx, t.xid)
		}
	}
	status := transaction.StatusCommitted
	if err != nil {
		status = transaction.StatusRolledBack
	}
	for _, s := range syncs {
		s.AfterCompletion(status)
	}
	return err
}

func (t *Tx) commitParticipants(ctx context.Context, parts []resource.Participant) error {
	if len(parts) == 1 {
		return parts[0].Commit(ctx, t.xid, true)
	}

	var prepared []resource.Participant
	for i, p := range parts {
		vote, err := p.Prepare(ctx, t.xid)
		if err != nil {
			for _, other := range append(prepared, parts[i:]...) {
				_ = other.Rollback(ctx, t.xid)
			}
			return errors.Wrap(err, errors.ErrorTypeTransaction, "prepare failed")
		}
		if vote == resource.VoteCommit {
			prepared = append(prepared, p)
		}
	}
	var errs []error
	for _, p := range prepared {
		if err := p.Commit(ctx, t.xid, false); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Rollback rolls the transaction back
func (t *Tx) Rollback() error {
	syncs, parts := t.finish()
	ctx := context.Background()
	var errs []error
	if err := t.endAll(ctx, parts, resource.EndFail); err != nil {
		errs = append(errs, err)
	}
	for _, p := range parts {
		if err := p.Rollback(ctx, t.xid); err != nil {
			errs = append(errs, err)
		}
	}
	for _, s := range syncs {
		s.AfterCompletion(transaction.StatusRolledBack)
	}
	return errors.Join(errs...)
}

// endAll ends the association of every participant not yet delisted
func (t *Tx) endAll(ctx context.Context, parts []resource.Participant, flag resource.EndFlag) error {
	var errs []error
	for _, p := range parts {
		t.mu.Lock()
		done := t.delisted[p]
		t.delisted[p] = true
		t.mu.Unlock()
		if done {
			continue
		}
		if err := p.End(ctx, t.xid, flag); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *Tx) synchronizations() []transaction.Synchronization {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]transaction.Synchronization(nil), t.syncs...)
}

func (t *Tx) finish() ([]transaction.Synchronization, []resource.Participant) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = false
	return append([]transaction.Synchronization(nil), t.syncs...),
		append([]resource.Participant(nil), t.participants...)
}
