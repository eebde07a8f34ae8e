// Package transaction keeps the pool entries used inside one ambient
// transaction together until the transaction completes.
//
// Requests made while a transaction is active are resolved against a
// per-transaction record: shareable requests reuse one entry per
// partition, unshareable requests get entries of their own. Every entry in
// a record is enlisted into the transaction and returned to the pool by the
// completion callback the record registers when it is created. Without an
// active transaction the cache passes straight through to the pool.
package transaction

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/txpool/pkg/enlistment"
	"github.com/ajitpratap0/txpool/pkg/errors"
	"github.com/ajitpratap0/txpool/pkg/logger"
	"github.com/ajitpratap0/txpool/pkg/pool"
	"github.com/ajitpratap0/txpool/pkg/resource"
)

// Request describes one connection request
type Request struct {
	Credentials *resource.Credentials
	Descriptor  resource.RequestDescriptor
	// Shareable requests may reuse the transaction's shared entry
	Shareable bool
	// Prior is the entry the caller already holds, if any
	Prior *pool.Entry
}

type held struct {
	entry *pool.Entry
	lease uint64
	// shareable marks an unshared entry borrowed for a shareable request
	// because the shared slot belongs to another partition
	shareable bool
}

// record tracks the entries of one transaction. At most one entry is shared.
type record struct {
	tx Transaction

	mu       sync.Mutex
	shared   *held
	unshared []held
	done     bool
}

func (r *record) tracks(e *pool.Entry) bool {
	if r.shared != nil && r.shared.entry == e {
		return true
	}
	return r.tracksUnshared(e)
}

// reusable returns the entry a shareable request on partition key can
// reuse: the shared entry, or one borrowed earlier for a shareable request
// on the same partition
func (r *record) reusable(key pool.PartitionKey) *pool.Entry {
	if r.shared != nil && r.shared.entry.PartitionKey() == key {
		return r.shared.entry
	}
	for _, h := range r.unshared {
		if h.shareable && h.entry.PartitionKey() == key {
			return h.entry
		}
	}
	return nil
}

func (r *record) tracksUnshared(e *pool.Entry) bool {
	for _, h := range r.unshared {
		if h.entry == e {
			return true
		}
	}
	return false
}

func (r *record) entries() []held {
	out := make([]held, 0, len(r.unshared)+1)
	if r.shared != nil {
		out = append(out, *r.shared)
	}
	return append(out, r.unshared...)
}

// Cache resolves requests against per-transaction records
type Cache struct {
	pool   *pool.Pool
	tm     Manager
	coord  *enlistment.Coordinator
	logger *zap.Logger

	mu      sync.RWMutex
	records map[string]*record
	owners  map[*pool.Entry]string
}

// Option configures a Cache
type Option func(*Cache)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// NewCache creates a cache over p. tm finds the active transaction and
// coord enlists the entries handed out inside it.
func NewCache(p *pool.Pool, tm Manager, coord *enlistment.Coordinator, opts ...Option) *Cache {
	c := &Cache{
		pool:    p,
		tm:      tm,
		coord:   coord,
		logger:  logger.Get(),
		records: make(map[string]*record),
		owners:  make(map[*pool.Entry]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("component", "transaction_cache"), zap.String("pool", p.Name()))
	return c
}

// Pool returns the pool the cache borrows from
func (c *Cache) Pool() *pool.Pool { return c.pool }

// Active returns the transaction active for ctx, if any
func (c *Cache) Active(ctx context.Context) (Transaction, bool) {
	if c.tm == nil {
		return nil, false
	}
	tx, ok := c.tm.Current(ctx)
	if !ok || tx == nil || !tx.IsActive() {
		return nil, false
	}
	return tx, true
}

// Get returns an entry for req. Inside an active transaction the entry is
// tracked and enlisted and must not be returned to the pool by the caller;
// the transaction's completion returns it.
func (c *Cache) Get(ctx context.Context, req Request) (*pool.Entry, error) {
	tx, ok := c.Active(ctx)
	if !ok {
		return c.pool.Borrow(ctx, req.Credentials, req.Descriptor)
	}

	ctx = context.WithValue(ctx, logger.TransactionIDKey, tx.ID())
	rec, err := c.recordFor(tx)
	if err != nil {
		return nil, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.done {
		return nil, errors.New(errors.ErrorTypeEnlistment, "transaction is completing").
			WithDetail("transaction_id", tx.ID())
	}

	if !req.Shareable {
		if req.Prior != nil && rec.tracksUnshared(req.Prior) {
			return req.Prior, nil
		}
		return c.borrowInto(ctx, tx, rec, req, false, false)
	}

	if req.Prior != nil && !rec.tracks(req.Prior) {
		c.promote(tx, rec, req.Prior)
	}
	if e := rec.reusable(c.pool.KeyFor(req.Credentials, req.Descriptor)); e != nil {
		return e, nil
	}
	return c.borrowInto(ctx, tx, rec, req, rec.shared == nil, true)
}

// borrowInto borrows an entry, enlists it and tracks it in rec. The caller
// holds rec.mu.
func (c *Cache) borrowInto(ctx context.Context, tx Transaction, rec *record, req Request, shared, shareable bool) (*pool.Entry, error) {
	e, err := c.pool.Borrow(ctx, req.Credentials, req.Descriptor)
	if err != nil {
		return nil, err
	}
	lease := e.Lease()
	if err := c.coord.Enlist(tx, e); err != nil {
		c.coord.Settle(ctx, e)
		c.pool.ReturnLease(e, lease, pool.ActionDestroy)
		return nil, err
	}

	h := held{entry: e, lease: lease, shareable: shareable}
	if shared {
		rec.shared = &h
	} else {
		rec.unshared = append(rec.unshared, h)
	}
	c.setOwner(e, tx.ID())
	c.logger.With(logger.ContextFields(ctx)...).Debug("entry joined transaction",
		zap.Uint64("entry", e.ID()), zap.Bool("shared", shared))
	return e, nil
}

// promote tracks an entry the caller obtained before the transaction
// started, so it goes back to the pool with the transaction's other
// entries instead of leaking. The caller holds rec.mu.
func (c *Cache) promote(tx Transaction, rec *record, e *pool.Entry) {
	if e.State() != pool.StateInUse {
		return
	}
	c.mu.RLock()
	_, owned := c.owners[e]
	c.mu.RUnlock()
	if owned {
		return
	}
	rec.unshared = append(rec.unshared, held{entry: e, lease: e.Lease()})
	c.setOwner(e, tx.ID())
	c.logger.Debug("promoted prior entry to unshared",
		zap.String("transaction_id", tx.ID()), zap.Uint64("entry", e.ID()))
}

// Release is called when a handle over e is closed. It reports whether the
// entry stays held by an unfinished transaction, in which case the handle
// must not return it to the pool.
func (c *Cache) Release(e *pool.Entry) bool {
	c.mu.RLock()
	txID, ok := c.owners[e]
	rec := c.records[txID]
	c.mu.RUnlock()
	if !ok || rec == nil {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return !rec.done && rec.tracks(e)
}

// Held returns the entries held by a transaction, shared entry first
func (c *Cache) Held(txID string) []*pool.Entry {
	c.mu.RLock()
	rec := c.records[txID]
	c.mu.RUnlock()
	if rec == nil {
		return nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	var out []*pool.Entry
	for _, h := range rec.entries() {
		out = append(out, h.entry)
	}
	return out
}

// Shared returns the shared entry of a transaction, if any
func (c *Cache) Shared(txID string) *pool.Entry {
	c.mu.RLock()
	rec := c.records[txID]
	c.mu.RUnlock()
	if rec == nil {
		return nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.shared == nil {
		return nil
	}
	return rec.shared.entry
}

// Records returns the number of live transaction records
func (c *Cache) Records() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// recordFor returns the record of tx, creating it and registering the
// completion callback on first use
func (c *Cache) recordFor(tx Transaction) (*record, error) {
	id := tx.ID()
	c.mu.RLock()
	rec := c.records[id]
	c.mu.RUnlock()
	if rec != nil {
		return rec, nil
	}

	c.mu.Lock()
	if rec = c.records[id]; rec != nil {
		c.mu.Unlock()
		return rec, nil
	}
	rec = &record{tx: tx}
	c.records[id] = rec
	c.mu.Unlock()

	if err := tx.RegisterSynchronization(&completion{cache: c, rec: rec}); err != nil {
		c.mu.Lock()
		delete(c.records, id)
		c.mu.Unlock()
		return nil, errors.Wrap(err, errors.ErrorTypeEnlistment, "failed to register transaction completion").
			WithDetail("transaction_id", id)
	}
	c.logger.Debug("created transaction record", zap.String("transaction_id", id))
	return rec, nil
}

func (c *Cache) setOwner(e *pool.Entry, txID string) {
	c.mu.Lock()
	c.owners[e] = txID
	c.mu.Unlock()
}

// completion is the Synchronization registered for one record
type completion struct {
	cache *Cache
	rec   *record
}

// BeforeCompletion ends every open association with the transaction
func (s *completion) BeforeCompletion() {
	s.rec.mu.Lock()
	entries := s.rec.entries()
	s.rec.mu.Unlock()

	for _, h := range entries {
		if err := s.cache.coord.Delist(s.rec.tx, h.entry, true); err != nil {
			s.cache.logger.Warn("failed to delist entry before completion",
				zap.String("transaction_id", s.rec.tx.ID()), zap.Uint64("entry", h.entry.ID()), zap.Error(err))
		}
	}
}

// AfterCompletion returns the shared entry, then the unshared entries, to
// the pool and drops the record. Fatal entries are destroyed.
func (s *completion) AfterCompletion(status Status) {
	c := s.cache
	txID := s.rec.tx.ID()

	s.rec.mu.Lock()
	if s.rec.done {
		s.rec.mu.Unlock()
		return
	}
	s.rec.done = true
	entries := s.rec.entries()
	s.rec.shared, s.rec.unshared = nil, nil
	s.rec.mu.Unlock()

	c.mu.Lock()
	delete(c.records, txID)
	for _, h := range entries {
		delete(c.owners, h.entry)
	}
	c.mu.Unlock()

	ctx := context.Background()
	for _, h := range entries {
		c.coord.Settle(ctx, h.entry)
		action := pool.ActionReturn
		if h.entry.Fatal() {
			action = pool.ActionDestroy
		}
		c.pool.ReturnLease(h.entry, h.lease, action)
	}
	c.logger.Debug("transaction completed",
		zap.String("transaction_id", txID), zap.Stringer("status", status), zap.Int("entries", len(entries)))
}
