package pool

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// registry maps pool ids to live pools. Lifetime timers hold only ids and
// resolve them here when they fire, so a timer never keeps a shut down pool
// or a destroyed entry reachable.
var registry = struct {
	sync.RWMutex
	next  uint64
	pools map[uint64]*Pool
}{pools: make(map[uint64]*Pool)}

func register(p *Pool) {
	registry.Lock()
	defer registry.Unlock()
	registry.next++
	p.id = registry.next
	registry.pools[p.id] = p
}

func unregister(p *Pool) {
	registry.Lock()
	defer registry.Unlock()
	delete(registry.pools, p.id)
}

func lookupPool(id uint64) *Pool {
	registry.RLock()
	defer registry.RUnlock()
	return registry.pools[id]
}

// scheduleLifetime arms the max-lifetime timer of a new entry
func (p *Pool) scheduleLifetime(e *Entry) {
	maxLifetime := p.Config().MaxLifetime
	if maxLifetime <= 0 {
		return
	}
	d := maxLifetime - lifetimeJitter(maxLifetime)
	poolID, key, entryID := p.id, e.part.key, e.id
	t := time.AfterFunc(d, func() { expire(poolID, key, entryID) })
	if old := e.timer.Swap(t); old != nil {
		old.Stop()
	}
}

// expire soft-evicts an entry whose lifetime ran out. An idle entry is
// destroyed now; a checked out one is destroyed when it comes back.
func expire(poolID uint64, key PartitionKey, entryID uint64) {
	p := lookupPool(poolID)
	if p == nil || p.destroyed.Load() {
		return
	}
	part := p.partitionByKey(key)
	if part == nil {
		return
	}

	p.rw.RLock()
	defer p.rw.RUnlock()

	part.mu.Lock()
	e := part.entries[entryID]
	if e == nil {
		part.mu.Unlock()
		return
	}
	e.timer.Store(nil)
	e.MarkEvicted()
	idle := part.removeIdleLocked(e)
	part.mu.Unlock()

	p.logger.Debug("entry reached max lifetime",
		zap.Uint64("entry", entryID), zap.Bool("idle", idle), zap.String("partition", key.String()))
	if idle {
		p.remove(e, "lifetime")
		p.fill(part)
	}
}
