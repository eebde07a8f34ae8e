// Package pool implements the connection pooling engine: bounded, partitioned
// sets of entries with fair admission control, idle and lifetime eviction,
// background validation and refill, and live resizing.
//
// Borrow, Return and housekeeping hold the pool lock in shared mode and run
// concurrently; Resize holds it exclusively. Entries change state only by
// compare-and-swap, so a resource is never handed to two borrowers.
package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/txpool/internal/scheduler"
	"github.com/ajitpratap0/txpool/pkg/config"
	"github.com/ajitpratap0/txpool/pkg/errors"
	"github.com/ajitpratap0/txpool/pkg/logger"
	"github.com/ajitpratap0/txpool/pkg/metrics"
	"github.com/ajitpratap0/txpool/pkg/resource"
)

// nowFunc returns the current time; it's overridden in tests.
var nowFunc = time.Now

// Action tells Return what to do with an entry
type Action int

const (
	// ActionReturn recycles a healthy entry
	ActionReturn Action = iota
	// ActionDestroy destroys the entry and its resource
	ActionDestroy
)

// Pool is a partitioned pool of physical resources
type Pool struct {
	id        uint64
	name      string
	factory   resource.Factory
	validator resource.Validator
	logger    *zap.Logger
	metrics   *metrics.PoolMetrics

	// rw is shared by borrow, return and housekeeping, exclusive for resize
	rw  sync.RWMutex
	cfg config.PoolConfig

	partsMu    sync.Mutex
	partitions map[PartitionKey]*partition

	nextID    atomic.Uint64
	destroyed atomic.Bool
	closing   chan struct{}
	lifeCtx   context.Context
	cancel    context.CancelFunc

	fillers   errgroup.Group
	scheduler *scheduler.Scheduler

	// wall clock seen by the previous housekeeping pass
	lastWall atomic.Int64

	borrowed atomic.Uint64
	timedOut atomic.Uint64
	created  atomic.Uint64
	removed  atomic.Uint64
}

// Option configures a Pool
type Option func(*Pool)

// WithLogger sets the logger; the default is the global logger
func WithLogger(l *zap.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithMetrics records pool activity into m
func WithMetrics(m *metrics.PoolMetrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// New validates cfg, creates the pool and starts its scheduler. When
// MinSize is positive the default partition is prefilled in the background.
func New(factory resource.Factory, cfg config.PoolConfig, opts ...Option) (*Pool, error) {
	if factory == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "resource factory is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxSize > permitCeiling {
		return nil, errors.Newf(errors.ErrorTypeConfig, "max_size cannot exceed %d", permitCeiling)
	}

	p := &Pool{
		name:       cfg.Name,
		factory:    factory,
		cfg:        cfg,
		partitions: make(map[PartitionKey]*partition),
		closing:    make(chan struct{}),
		logger:     logger.Get(),
	}
	p.validator, _ = factory.(resource.Validator)
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(zap.String("component", "pool"), zap.String("pool", cfg.Name))
	p.lifeCtx, p.cancel = context.WithCancel(context.Background())
	p.fillers.SetLimit(cfg.FillWorkers)
	p.lastWall.Store(nowFunc().Round(0).UnixNano())

	register(p)

	p.scheduler = scheduler.New(p.logger)
	p.scheduler.Every("housekeeping", cfg.HousekeepingPeriod, func(context.Context) { p.Housekeep() })
	if cfg.ValidationPeriod > 0 {
		p.scheduler.Every("validation", cfg.ValidationPeriod, p.Validate)
	}
	p.scheduler.Start(p.lifeCtx)

	if cfg.MinSize > 0 && cfg.Partitioning == config.PartitionNone {
		p.partitionFor(nil, resource.RequestDescriptor{})
	}

	p.logger.Info("pool created",
		zap.Int("min_size", cfg.MinSize),
		zap.Int("max_size", cfg.MaxSize),
		zap.Duration("blocking_timeout", cfg.BlockingTimeout),
		zap.String("partitioning", string(cfg.Partitioning)))
	return p, nil
}

// Name returns the configured pool name
func (p *Pool) Name() string { return p.name }

// Config returns a copy of the current configuration
func (p *Pool) Config() config.PoolConfig {
	p.rw.RLock()
	defer p.rw.RUnlock()
	return p.cfg
}

// Borrow dispenses an entry for the partition selected by creds and desc.
//
// The wait is bounded by ctx's deadline, or BlockingTimeout when ctx has
// none. Liveness and allocation failures are retried within that budget;
// when it runs out Borrow fails with ErrorTypePoolExhausted.
func (p *Pool) Borrow(ctx context.Context, creds *resource.Credentials, desc resource.RequestDescriptor) (*Entry, error) {
	if p.destroyed.Load() {
		return nil, p.shutdownError()
	}

	// Use configured timeout if context has no deadline
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Config().BlockingTimeout)
		defer cancel()
	}

	start := time.Now()
	part := p.partitionFor(creds, desc)
	bo := newBackoff(p.Config().CreateBackoff)
	var lastErr error

	for {
		if p.destroyed.Load() {
			return nil, p.shutdownError()
		}
		if ctx.Err() != nil {
			return nil, p.exhausted(part, start, lastErr)
		}

		p.rw.RLock()
		e, permit, w := part.acquire()
		p.rw.RUnlock()

		if w != nil {
			g, ok := p.await(ctx, part, w)
			switch {
			case g.entry != nil:
				return p.dispense(g.entry, start), nil
			case !ok && p.destroyed.Load():
				return nil, p.shutdownError()
			case !ok:
				return nil, p.exhausted(part, start, lastErr)
			}
			permit = true
		}

		switch {
		case e != nil:
			if !p.alive(ctx, e) {
				p.remove(e, "validation")
				lastErr = errors.New(errors.ErrorTypeValidation, "idle entry failed liveness check").
					WithDetail("entry", e.id)
				continue
			}
			return p.dispense(e, start), nil

		case permit:
			e, err := p.create(ctx, part, creds, desc)
			if err != nil {
				lastErr = err
				if !p.sleep(ctx, bo.Next()) {
					return nil, p.exhausted(part, start, lastErr)
				}
				continue
			}
			e.checkout(StateCreating)
			return p.dispense(e, start), nil
		}
	}
}

// await parks on w until it is granted an entry or a permit. It reports
// false when ctx ends or the pool shuts down first; a grant that arrives
// after that is passed on so the next waiter is not left behind.
func (p *Pool) await(ctx context.Context, part *partition, w *waiter) (grant, bool) {
	select {
	case g := <-w.ch:
		if g.entry == nil && g.permit && ctx.Err() != nil {
			p.abandon(part, g)
			return grant{}, false
		}
		return g, g.entry != nil || g.permit
	case <-ctx.Done():
	case <-p.closing:
	}
	if !part.cancel(w) {
		p.abandon(part, <-w.ch)
	}
	return grant{}, false
}

// abandon gives back a grant its waiter no longer wants
func (p *Pool) abandon(part *partition, g grant) {
	switch {
	case g.entry != nil:
		p.Return(g.entry, ActionReturn)
	case g.permit:
		p.releasePermit(part, true)
	}
}

// Return hands an entry back using its current lease.
// Returning an entry that is not checked out is a no-op.
func (p *Pool) Return(e *Entry, action Action) bool {
	if e == nil {
		return false
	}
	return p.ReturnLease(e, e.Lease(), action)
}

// ReturnLease hands an entry back on behalf of the holder of lease. It reports
// whether this call performed the return; a stale lease or a duplicate call
// changes nothing.
func (p *Pool) ReturnLease(e *Entry, lease uint64, action Action) bool {
	if e == nil {
		return false
	}
	if !e.casLease(lease, StateInUse, StateReserved) {
		p.logger.Debug("ignoring return of entry that is not checked out",
			zap.Uint64("entry", e.id), zap.Stringer("state", e.State()))
		return false
	}
	e.touch(nowFunc())

	p.rw.RLock()
	defer p.rw.RUnlock()

	switch {
	case action == ActionDestroy:
		p.remove(e, "destroy_requested")
	case e.Fatal():
		p.remove(e, "fatal")
	default:
		p.recycle(e)
	}
	return true
}

// recycle makes a reserved or freshly created entry available: straight to
// the oldest waiter, else to the idle list. Entries that must not come back
// are destroyed instead.
func (p *Pool) recycle(e *Entry) {
	part := e.part
	part.mu.Lock()
	reason := ""
	switch {
	case p.destroyed.Load():
		reason = "shutdown"
	case e.Evicted():
		reason = "evicted"
	case part.shrinkLater > 0:
		reason = "shrink"
	case len(part.idle) >= part.maxSize:
		reason = "idle_cap"
	}
	if reason != "" {
		part.mu.Unlock()
		p.remove(e, reason)
		return
	}

	if w := part.popWaiterLocked(); w != nil {
		e.checkout(e.State())
		w.ch <- grant{entry: e}
		part.mu.Unlock()
		return
	}
	e.set(StateIdle)
	part.idle = append(part.idle, e)
	part.mu.Unlock()
}

// create opens a new resource while the caller holds an admission permit.
// On failure the permit is given back.
func (p *Pool) create(ctx context.Context, part *partition, creds *resource.Credentials, desc resource.RequestDescriptor) (*Entry, error) {
	now := nowFunc()
	e := &Entry{
		id:      p.nextID.Add(1),
		part:    part,
		created: now,
	}
	e.set(StateCreating)
	e.touch(now)
	part.register(e)

	if creds == nil {
		creds = part.creds
	}
	r, err := p.factory.Create(ctx, creds, desc)
	if err != nil {
		e.set(StateRemoved)
		p.releasePermit(part, part.unregister(e))
		p.metrics.CreateFailed(p.name)
		p.logger.Debug("resource creation failed", zap.String("partition", part.key.String()), zap.Error(err))
		return nil, errors.Wrap(err, errors.ErrorTypeAllocation, "failed to create resource").
			WithDetail("partition", part.key.String())
	}
	e.resource = r
	p.scheduleLifetime(e)
	p.created.Add(1)
	p.metrics.Created(p.name)
	p.logger.Debug("created resource", zap.Uint64("entry", e.id), zap.String("partition", part.key.String()))
	return e, nil
}

// remove destroys a reserved or creating entry and frees (or retires) its permit
func (p *Pool) remove(e *Entry, reason string) {
	e.set(StateRemoved)
	e.evicted.Store(true)
	e.stopTimer()
	part := e.part
	release := part.unregister(e)

	if e.resource != nil {
		if err := p.factory.Destroy(e.resource); err != nil {
			p.logger.Warn("failed to destroy resource",
				zap.Uint64("entry", e.id), zap.String("reason", reason), zap.Error(err))
		}
	}
	p.removed.Add(1)
	p.metrics.Destroyed(p.name, reason)
	p.logger.Debug("destroyed entry", zap.Uint64("entry", e.id), zap.String("reason", reason))

	p.releasePermit(part, release)
}

func (p *Pool) releasePermit(part *partition, release bool) {
	if !release {
		return
	}
	part.permits.Release(1)
	part.grantPermits()
}

func (p *Pool) dispense(e *Entry, start time.Time) *Entry {
	now := nowFunc()
	e.uses.Add(1)
	e.lastBorrowed.Store(now.UnixNano())
	e.touch(now)
	p.borrowed.Add(1)
	p.metrics.Borrowed(p.name, time.Since(start))
	return e
}

// alive checks an entry that has been idle longer than AliveBypassWindow
func (p *Pool) alive(ctx context.Context, e *Entry) bool {
	if p.validator == nil {
		return true
	}
	if e.idleFor(nowFunc()) <= p.Config().AliveBypassWindow {
		return true
	}
	return p.validator.IsValid(ctx, e.resource)
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-p.closing:
		return false
	}
}

func (p *Pool) exhausted(part *partition, start time.Time, cause error) error {
	p.timedOut.Add(1)
	p.metrics.TimedOut(p.name)
	waited := time.Since(start)
	var err *errors.Error
	if cause != nil {
		err = errors.Wrap(cause, errors.ErrorTypePoolExhausted, "no entry became available")
	} else {
		err = errors.New(errors.ErrorTypePoolExhausted, "no entry became available")
	}
	return err.WithDetail("partition", part.key.String()).WithDetail("waited", waited.String())
}

func (p *Pool) shutdownError() error {
	return errors.New(errors.ErrorTypeShutdown, "pool is shut down").WithDetail("pool", p.name)
}

// partitionFor returns the partition for a request, creating it on first use
func (p *Pool) partitionFor(creds *resource.Credentials, desc resource.RequestDescriptor) *partition {
	p.rw.RLock()
	defer p.rw.RUnlock()
	key := partitionKey(p.cfg.Partitioning, creds, desc)

	p.partsMu.Lock()
	defer p.partsMu.Unlock()
	part, ok := p.partitions[key]
	if !ok {
		part = newPartition(key, creds, desc, p.cfg.MinSize, p.cfg.MaxSize)
		p.partitions[key] = part
		p.logger.Debug("created partition", zap.String("partition", key.String()))
		if part.minSize > 0 {
			p.fill(part)
		}
	}
	return part
}

// KeyFor returns the key of the partition a request would be served from
func (p *Pool) KeyFor(creds *resource.Credentials, desc resource.RequestDescriptor) PartitionKey {
	p.rw.RLock()
	defer p.rw.RUnlock()
	return partitionKey(p.cfg.Partitioning, creds, desc)
}

func (p *Pool) partitionByKey(key PartitionKey) *partition {
	p.partsMu.Lock()
	defer p.partsMu.Unlock()
	return p.partitions[key]
}

func (p *Pool) snapshot() []*partition {
	p.partsMu.Lock()
	defer p.partsMu.Unlock()
	out := make([]*partition, 0, len(p.partitions))
	for _, part := range p.partitions {
		out = append(out, part)
	}
	return out
}
