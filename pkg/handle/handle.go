// Package handle hands out the user-facing objects bound to pool entries.
//
// A Dispenser runs each request through an ordered chain of stages built
// once with a Builder:
//
//	d := handle.NewBuilder().
//	    Use(handle.NewTracingStage(tracer)).
//	    Use(handle.NewTransactionStage(cache, coord)).
//	    Build(handle.NewPoolStage(p, coord))
//
//	h, err := d.Get(ctx, handle.Request{Shareable: true})
//	if err != nil {
//	    return err
//	}
//	defer h.Close()
package handle

import (
	"context"
	"sync/atomic"

	"github.com/ajitpratap0/txpool/pkg/enlistment"
	"github.com/ajitpratap0/txpool/pkg/errors"
	"github.com/ajitpratap0/txpool/pkg/pool"
	"github.com/ajitpratap0/txpool/pkg/resource"
	"github.com/ajitpratap0/txpool/pkg/transaction"
)

// Handle is a checked out resource as seen by application code. Closing it
// gives the entry back: to the pool, or to the transaction that holds it.
type Handle struct {
	entry *pool.Entry
	lease uint64
	pool  *pool.Pool
	cache *transaction.Cache
	coord *enlistment.Coordinator

	closed atomic.Bool
}

func newHandle(e *pool.Entry, p *pool.Pool, cache *transaction.Cache, coord *enlistment.Coordinator) *Handle {
	return &Handle{
		entry: e,
		lease: e.Lease(),
		pool:  p,
		cache: cache,
		coord: coord,
	}
}

// Resource returns the physical resource
func (h *Handle) Resource() resource.Resource { return h.entry.Resource() }

// Entry returns the pool entry behind the handle
func (h *Handle) Entry() *pool.Entry { return h.entry }

// Transactional reports whether the handle was issued inside a transaction
func (h *Handle) Transactional() bool { return h.cache != nil }

// Closed reports whether Close has been called
func (h *Handle) Closed() bool { return h.closed.Load() }

// Fail reports an error raised while using the resource and returns it
// classified. A fatal error dooms the entry: it is destroyed instead of
// recycled when the handle (or its transaction) gives it back.
func (h *Handle) Fail(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if h.coord != nil {
		return h.coord.HandleError(ctx, h.entry, err)
	}
	tagged := errors.Classify(err, enlistment.DefaultClassifier{}, errors.ErrorTypeInternal)
	if errors.IsFatal(tagged) {
		h.entry.MarkFatal()
	}
	return tagged
}

// Close releases the handle. Inside a transaction the entry stays with the
// transaction until it completes; otherwise it goes back to the pool.
// Close is idempotent.
func (h *Handle) Close() error {
	if h.closed.Swap(true) {
		return nil
	}
	if h.cache != nil && h.cache.Release(h.entry) {
		return nil
	}
	action := pool.ActionReturn
	if h.entry.Fatal() {
		action = pool.ActionDestroy
	}
	h.pool.ReturnLease(h.entry, h.lease, action)
	return nil
}
