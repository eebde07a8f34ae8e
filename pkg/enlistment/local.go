package enlistment

import (
	"context"
	"fmt"

	"github.com/ajitpratap0/txpool/pkg/errors"
	"github.com/ajitpratap0/txpool/pkg/pool"
	"github.com/ajitpratap0/txpool/pkg/resource"
)

// localParticipant presents a resource with only local transactions as a
// participant. It can commit in one phase only. Resource errors are passed
// up untagged so the tracking participant classifies them once.
//
// A resource left with auto-commit off would run the next borrower's work
// inside a transaction nobody ends, so failing to restore it dooms the entry
// whatever the classifier says.
type localParticipant struct {
	res            resource.LocalTransactional
	entry          *pool.Entry
	explicitCommit bool
}

func (l *localParticipant) restoreAutoCommit(ctx context.Context) error {
	if err := l.res.SetAutoCommit(ctx, true); err != nil {
		l.entry.MarkFatal()
		return err
	}
	return nil
}

func (l *localParticipant) Start(ctx context.Context, _ resource.Xid) error {
	if err := l.res.SetAutoCommit(ctx, false); err != nil {
		return fmt.Errorf("begin local transaction: %w", err)
	}
	return nil
}

func (l *localParticipant) End(context.Context, resource.Xid, resource.EndFlag) error {
	return nil
}

func (l *localParticipant) Prepare(context.Context, resource.Xid) (resource.Vote, error) {
	return resource.VoteCommit, errors.New(errors.ErrorTypeTransaction, "local transactions cannot be prepared")
}

// Commit commits, then re-enables auto-commit. Some backends commit
// implicitly when auto-commit is re-enabled; others need both steps.
func (l *localParticipant) Commit(ctx context.Context, _ resource.Xid, onePhase bool) error {
	if !onePhase {
		return errors.New(errors.ErrorTypeTransaction, "local transactions only support one-phase commit")
	}
	if l.explicitCommit {
		if err := l.res.Commit(ctx); err != nil {
			return fmt.Errorf("commit local transaction: %w", err)
		}
	}
	if err := l.restoreAutoCommit(ctx); err != nil {
		return fmt.Errorf("re-enable auto-commit after commit: %w", err)
	}
	return nil
}

// Rollback rolls back, then re-enables auto-commit
func (l *localParticipant) Rollback(ctx context.Context, _ resource.Xid) error {
	rbErr := l.res.Rollback(ctx)
	if err := l.restoreAutoCommit(ctx); err != nil {
		return fmt.Errorf("re-enable auto-commit after rollback: %w", errors.Join(err, rbErr))
	}
	if rbErr != nil {
		return fmt.Errorf("roll back local transaction: %w", rbErr)
	}
	return nil
}
