package pool

import (
	"go.uber.org/zap"

	"github.com/ajitpratap0/txpool/pkg/errors"
)

// Resize changes MaxSize for every partition. Growing takes effect at once
// and wakes waiters. Shrinking first retires free admission permits, then
// destroys idle entries, and defers the remainder: that many checked out
// entries are destroyed as they come back. Checked out entries are never
// interrupted. MinSize is clamped to the new maximum.
func (p *Pool) Resize(newMax int) error {
	if newMax < 1 || newMax > permitCeiling {
		return errors.Newf(errors.ErrorTypeConfig, "max_size must be between 1 and %d", permitCeiling).
			WithDetail("field", "max_size").
			WithDetail("value", newMax)
	}
	if p.destroyed.Load() {
		return p.shutdownError()
	}

	var (
		victims []*Entry
		wake    []*partition
	)

	p.rw.Lock()
	oldMax := p.cfg.MaxSize
	p.cfg.MaxSize = newMax
	if p.cfg.MinSize > newMax {
		p.cfg.MinSize = newMax
	}
	minSize := p.cfg.MinSize
	for _, part := range p.snapshot() {
		v, freed := part.resize(newMax, minSize)
		victims = append(victims, v...)
		if freed > 0 {
			wake = append(wake, part)
		}
	}
	p.rw.Unlock()

	for _, e := range victims {
		p.remove(e, "shrink")
	}
	for _, part := range wake {
		part.grantPermits()
	}

	p.logger.Info("pool resized",
		zap.Int("old_max_size", oldMax),
		zap.Int("new_max_size", newMax),
		zap.Int("destroyed_idle", len(victims)))
	return nil
}

// resize applies new bounds to the partition. It returns the idle entries
// to destroy (reserved) and how many admission permits became free.
//
// retired+shrinkLater always equals permitCeiling-maxSize.
func (part *partition) resize(newMax, newMin int) (victims []*Entry, freed int) {
	part.mu.Lock()
	defer part.mu.Unlock()

	oldMax := part.maxSize
	part.maxSize = newMax
	part.minSize = newMin

	switch {
	case newMax > oldMax:
		grow := newMax - oldMax
		cancelled := min(grow, part.shrinkLater)
		part.shrinkLater -= cancelled
		grow -= cancelled
		if grow > 0 {
			part.retired -= int64(grow)
			part.permits.Release(int64(grow))
			freed = grow
		}

	case newMax < oldMax:
		shrink := oldMax - newMax
		for shrink > 0 && part.permits.TryAcquire(1) {
			part.retired++
			shrink--
		}
		// unregister turns each pending shrink into a retired permit as the
		// entries go away, idle victims included
		part.shrinkLater += shrink
		for shrink > 0 && len(part.idle) > 0 {
			e := part.idle[0]
			if !part.takeIdleLocked(0) {
				break
			}
			victims = append(victims, e)
			shrink--
		}
	}
	return victims, freed
}
