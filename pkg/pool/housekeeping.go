package pool

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// clockJumpTolerance is how far the wall clock may move backwards between
// two housekeeping passes before every entry is considered suspect
const clockJumpTolerance = 128 * time.Millisecond

// FlushMode selects what Flush evicts
type FlushMode int

const (
	// FlushIdle destroys idle entries only
	FlushIdle FlushMode = iota
	// FlushAll also soft-evicts checked out entries
	FlushAll
)

// Housekeep runs one maintenance pass: clock jump detection, idle eviction
// above MinSize and an asynchronous refill toward MinSize. The scheduler
// calls it every HousekeepingPeriod.
func (p *Pool) Housekeep() {
	if p.destroyed.Load() {
		return
	}
	p.rw.RLock()
	defer p.rw.RUnlock()

	now := nowFunc().Round(0)
	prev := time.Unix(0, p.lastWall.Swap(now.UnixNano()))
	if now.Add(clockJumpTolerance).Before(prev) {
		p.logger.Warn("wall clock moved backwards, evicting all entries",
			zap.Duration("jump", prev.Sub(now)))
		for _, part := range p.snapshot() {
			p.flushPartition(part, FlushAll, "clock_jump")
		}
	}

	idleTimeout := p.cfg.IdleTimeout
	for _, part := range p.snapshot() {
		if idleTimeout > 0 {
			for _, e := range part.expiredIdle(now, idleTimeout) {
				p.remove(e, "idle_timeout")
			}
		}
		p.fill(part)
	}
}

// expiredIdle reserves idle entries unused for longer than timeout, oldest
// first, without taking the partition below its minimum size
func (part *partition) expiredIdle(now time.Time, timeout time.Duration) []*Entry {
	part.mu.Lock()
	defer part.mu.Unlock()

	var out []*Entry
	live := len(part.entries)
	for i := 0; i < len(part.idle) && live > part.minSize; {
		e := part.idle[i]
		if e.idleFor(now) > timeout && part.takeIdleLocked(i) {
			out = append(out, e)
			live--
			continue
		}
		i++
	}
	return out
}

// Flush evicts idle entries, and with FlushAll marks checked out entries so
// they are destroyed on return
func (p *Pool) Flush(mode FlushMode) {
	p.rw.RLock()
	defer p.rw.RUnlock()
	for _, part := range p.snapshot() {
		p.flushPartition(part, mode, "flush")
	}
	p.logger.Info("pool flushed", zap.Bool("all", mode == FlushAll))
}

func (p *Pool) flushPartition(part *partition, mode FlushMode, reason string) {
	part.mu.Lock()
	if mode == FlushAll {
		for _, e := range part.entries {
			e.MarkEvicted()
		}
	}
	victims := part.drainIdleLocked()
	part.mu.Unlock()

	for _, e := range victims {
		p.remove(e, reason)
	}
}

// Validate checks every idle entry. Each one is reserved while it is checked,
// so borrowers never see it, and destroyed when the check fails. Checked out
// entries are left to the liveness check at their next reuse.
func (p *Pool) Validate(ctx context.Context) {
	if p.validator == nil || p.destroyed.Load() {
		return
	}
	for _, part := range p.snapshot() {
		part.mu.Lock()
		candidates := append([]*Entry(nil), part.idle...)
		part.mu.Unlock()

		for _, e := range candidates {
			if ctx.Err() != nil {
				return
			}
			part.mu.Lock()
			reserved := part.removeIdleLocked(e)
			part.mu.Unlock()
			if !reserved {
				continue
			}

			if !p.validator.IsValid(ctx, e.resource) {
				p.logger.Info("idle entry failed validation", zap.Uint64("entry", e.id))
				p.remove(e, "validation")
				continue
			}
			p.rw.RLock()
			p.recycle(e)
			p.rw.RUnlock()
		}
		p.fill(part)
	}
}

// fill tops the partition up to MinSize in the background. At most one fill
// runs per partition, and the fill workers are bounded by FillWorkers; when
// they are all busy the next housekeeping pass tries again.
func (p *Pool) fill(part *partition) {
	if p.destroyed.Load() || !part.filling.CompareAndSwap(false, true) {
		return
	}
	started := p.fillers.TryGo(func() error {
		defer part.filling.Store(false)
		p.fillLoop(part)
		return nil
	})
	if !started {
		part.filling.Store(false)
	}
}

func (p *Pool) fillLoop(part *partition) {
	bo := newBackoff(p.Config().CreateBackoff)
	for !p.destroyed.Load() {
		part.mu.Lock()
		need := part.minSize - len(part.entries)
		part.mu.Unlock()
		if need <= 0 || !part.permits.TryAcquire(1) {
			return
		}

		e, err := p.create(p.lifeCtx, part, nil, part.desc)
		if err != nil {
			if !p.sleep(p.lifeCtx, bo.Next()) {
				return
			}
			continue
		}
		bo.Reset()

		p.rw.RLock()
		p.recycle(e)
		p.rw.RUnlock()
	}
}
