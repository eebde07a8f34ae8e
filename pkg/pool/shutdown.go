package pool

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Shutdown destroys the pool. New borrows and parked waiters fail with a
// shutdown error, idle entries are destroyed, and checked out entries are
// destroyed as they come back. Shutdown waits for them up to ShutdownGrace
// or until ctx is done, then abandons the rest with a warning. Destroy
// errors are logged, never returned. Calling Shutdown twice is a no-op.
func (p *Pool) Shutdown(ctx context.Context) error {
	if !p.destroyed.CompareAndSwap(false, true) {
		return nil
	}
	p.logger.Info("shutting down pool")

	close(p.closing)
	p.scheduler.Stop()
	p.cancel()
	unregister(p)

	parts := p.snapshot()
	for _, part := range parts {
		part.mu.Lock()
		for _, e := range part.entries {
			e.stopTimer()
			e.MarkEvicted()
		}
		idle := part.drainIdleLocked()
		part.mu.Unlock()

		for _, e := range idle {
			p.remove(e, "shutdown")
		}
		part.failWaiters()
	}
	_ = p.fillers.Wait()

	grace := time.NewTimer(p.Config().ShutdownGrace)
	defer grace.Stop()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		remaining := p.live()
		if remaining == 0 {
			p.logger.Info("pool shut down")
			return nil
		}
		select {
		case <-ticker.C:
		case <-grace.C:
			p.logger.Warn("abandoning checked out entries", zap.Int("count", remaining))
			return nil
		case <-ctx.Done():
			p.logger.Warn("abandoning checked out entries", zap.Int("count", remaining), zap.Error(ctx.Err()))
			return ctx.Err()
		}
	}
}

// Close shuts the pool down without an outer deadline
func (p *Pool) Close() error {
	return p.Shutdown(context.Background())
}

// Destroyed reports whether Shutdown has been called
func (p *Pool) Destroyed() bool { return p.destroyed.Load() }

func (p *Pool) live() int {
	n := 0
	for _, part := range p.snapshot() {
		part.mu.Lock()
		n += len(part.entries)
		part.mu.Unlock()
	}
	return n
}
