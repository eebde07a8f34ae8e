// Package resource defines the contract between the pool and the backends it
// pools: how physical resources are created, destroyed and checked, and the
// optional transactional capabilities a resource may expose.
//
// Backend adapters live in sub-packages (postgres, sqldb, mongodb, kafka).
package resource

import (
	"context"
	"fmt"
)

// Resource is an opaque backend connection. It is owned by at most one pool
// entry at a time and is created and destroyed only through a Factory.
type Resource interface {
	Close() error
}

// Credentials identify the principal a resource is opened for
type Credentials struct {
	User     string
	Password string
}

// RequestDescriptor carries request properties that can select a partition.
// It must stay comparable so it can be part of a map key.
type RequestDescriptor struct {
	Database string
	Options  string
}

// Factory creates and destroys physical resources.
//
// Create failures should be returned as-is; the pool tags them as
// allocation failures and retries within the caller's budget.
type Factory interface {
	Create(ctx context.Context, creds *Credentials, desc RequestDescriptor) (Resource, error)
	Destroy(r Resource) error
}

// Validator is implemented by factories that can check a resource for liveness
type Validator interface {
	IsValid(ctx context.Context, r Resource) bool
}

// ParticipantProvider is implemented by factories whose resources can take
// part in a two-phase commit. ok is false when this particular resource
// cannot, in which case the local transaction shim is used.
type ParticipantProvider interface {
	TwoPhaseParticipant(r Resource) (p Participant, ok bool)
}

// LocalTransactional is implemented by resources that support local
// transactions through auto-commit toggling.
type LocalTransactional interface {
	SetAutoCommit(ctx context.Context, on bool) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Xid identifies one transaction branch
type Xid struct {
	FormatID int32
	GlobalID string
	BranchID string
}

// String renders the xid in a form backends accept as an identifier
func (x Xid) String() string {
	if x.BranchID == "" {
		return fmt.Sprintf("%d-%s", x.FormatID, x.GlobalID)
	}
	return fmt.Sprintf("%d-%s-%s", x.FormatID, x.GlobalID, x.BranchID)
}

// EndFlag tells a participant why its association with a branch ends
type EndFlag int

const (
	// EndSuccess ends the association normally
	EndSuccess EndFlag = iota
	// EndFail marks the branch rollback-only
	EndFail
	// EndSuspend suspends the association so it can be resumed later
	EndSuspend
)

// Vote is a participant's answer to Prepare
type Vote int

const (
	// VoteCommit means the branch is prepared
	VoteCommit Vote = iota
	// VoteReadOnly means the branch made no changes and is already complete
	VoteReadOnly
)

// Participant is the two-phase-commit interface of a resource. The engine
// never drives it itself; an external transaction manager does.
type Participant interface {
	Start(ctx context.Context, xid Xid) error
	End(ctx context.Context, xid Xid, flag EndFlag) error
	Prepare(ctx context.Context, xid Xid) (Vote, error)
	Commit(ctx context.Context, xid Xid, onePhase bool) error
	Rollback(ctx context.Context, xid Xid) error
}
