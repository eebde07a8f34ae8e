package transaction

import (
	"context"

	"github.com/ajitpratap0/txpool/pkg/resource"
)

// Status is the outcome reported to AfterCompletion
type Status int

const (
	// StatusCommitted means the transaction committed
	StatusCommitted Status = iota
	// StatusRolledBack means the transaction rolled back
	StatusRolledBack
	// StatusUnknown means the outcome could not be determined
	StatusUnknown
)

func (s Status) String() string {
	switch s {
	case StatusCommitted:
		return "committed"
	case StatusRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// Synchronization receives completion callbacks from a transaction
type Synchronization interface {
	BeforeCompletion()
	AfterCompletion(status Status)
}

// Transaction is the ambient transaction as seen by the cache. It is
// implemented by an external transaction manager; the engine never
// coordinates two-phase commit itself.
type Transaction interface {
	// ID identifies the transaction; records are keyed by it
	ID() string
	IsActive() bool
	EnlistResource(p resource.Participant) error
	DelistResource(p resource.Participant, flag resource.EndFlag) error
	RegisterSynchronization(s Synchronization) error
}

// Manager resolves the transaction active for a request
type Manager interface {
	Current(ctx context.Context) (Transaction, bool)
}

type contextKey struct{}

// NewContext returns a context carrying tx
func NewContext(ctx context.Context, tx Transaction) context.Context {
	return context.WithValue(ctx, contextKey{}, tx)
}

// FromContext returns the transaction carried by ctx
func FromContext(ctx context.Context) (Transaction, bool) {
	tx, ok := ctx.Value(contextKey{}).(Transaction)
	return tx, ok && tx != nil
}

// ContextManager is a Manager that finds the transaction in the request
// context, where NewContext put it
type ContextManager struct{}

// Current implements Manager
func (ContextManager) Current(ctx context.Context) (Transaction, bool) {
	return FromContext(ctx)
}
