package pool

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/ajitpratap0/txpool/pkg/config"
	"github.com/ajitpratap0/txpool/pkg/resource"
)

// permitCeiling is the largest MaxSize a partition supports. The admission
// semaphore is sized to it and the partition keeps the permits above MaxSize
// retired.
const permitCeiling = 1 << 20

// PartitionKey identifies one partition of a pool
type PartitionKey struct {
	User       string
	Descriptor resource.RequestDescriptor
}

func (k PartitionKey) String() string {
	if k == (PartitionKey{}) {
		return "default"
	}
	return fmt.Sprintf("%s/%s/%s", k.User, k.Descriptor.Database, k.Descriptor.Options)
}

func partitionKey(strategy config.PartitionStrategy, creds *resource.Credentials, desc resource.RequestDescriptor) PartitionKey {
	var user string
	if creds != nil {
		user = creds.User
	}
	switch strategy {
	case config.PartitionByCredentials:
		return PartitionKey{User: user}
	case config.PartitionByDescriptor:
		return PartitionKey{User: user, Descriptor: desc}
	default:
		return PartitionKey{}
	}
}

// grant is what a parked borrower receives: an entry handed off in
// StateInUse, or an admission permit already taken on its behalf. The zero
// grant means the pool is shutting down.
type grant struct {
	entry  *Entry
	permit bool
}

// waiter is a borrower parked in the FIFO queue
type waiter struct {
	ch chan grant
}

// partition is the bounded set of entries for one PartitionKey.
//
// One admission permit stands for one live entry (creating, idle, in use or
// reserved). Permits are only released when an entry is destroyed.
type partition struct {
	key   PartitionKey
	creds *resource.Credentials
	desc  resource.RequestDescriptor

	permits *semaphore.Weighted
	filling atomic.Bool

	mu          sync.Mutex
	entries     map[uint64]*Entry
	idle        []*Entry // oldest return first
	waiters     []*waiter
	maxSize     int
	minSize     int
	retired     int64
	shrinkLater int
}

func newPartition(key PartitionKey, creds *resource.Credentials, desc resource.RequestDescriptor, minSize, maxSize int) *partition {
	part := &partition{
		key:     key,
		desc:    desc,
		permits: semaphore.NewWeighted(permitCeiling),
		entries: make(map[uint64]*Entry),
		maxSize: maxSize,
		minSize: minSize,
		retired: int64(permitCeiling - maxSize),
	}
	if creds != nil {
		c := *creds
		part.creds = &c
	}
	part.permits.TryAcquire(part.retired)
	return part
}

// acquire takes an idle entry, or an admission permit for a new one, or
// parks the caller. Exactly one of the results is non-zero.
func (part *partition) acquire() (e *Entry, permit bool, w *waiter) {
	part.mu.Lock()
	defer part.mu.Unlock()

	for n := len(part.idle); n > 0; n = len(part.idle) {
		e = part.idle[n-1]
		part.idle[n-1] = nil
		part.idle = part.idle[:n-1]
		if e.checkout(StateIdle) {
			return e, false, nil
		}
	}

	// parked borrowers are served first
	if len(part.waiters) == 0 && part.permits.TryAcquire(1) {
		return nil, true, nil
	}

	w = &waiter{ch: make(chan grant, 1)}
	part.waiters = append(part.waiters, w)
	return nil, false, w
}

// cancel removes w from the queue. It returns false when w was already
// dequeued, in which case a grant is waiting on w.ch.
func (part *partition) cancel(w *waiter) bool {
	part.mu.Lock()
	defer part.mu.Unlock()
	for i, other := range part.waiters {
		if other == w {
			part.waiters = append(part.waiters[:i], part.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (part *partition) popWaiterLocked() *waiter {
	if len(part.waiters) == 0 {
		return nil
	}
	w := part.waiters[0]
	part.waiters[0] = nil
	part.waiters = part.waiters[1:]
	return w
}

// grantPermits takes free admission permits and hands them to waiters in
// queue order
func (part *partition) grantPermits() {
	part.mu.Lock()
	defer part.mu.Unlock()
	for len(part.waiters) > 0 && part.permits.TryAcquire(1) {
		part.popWaiterLocked().ch <- grant{permit: true}
	}
}

// failWaiters wakes every waiter; used at shutdown
func (part *partition) failWaiters() {
	part.mu.Lock()
	defer part.mu.Unlock()
	for w := part.popWaiterLocked(); w != nil; w = part.popWaiterLocked() {
		w.ch <- grant{}
	}
}

func (part *partition) register(e *Entry) {
	part.mu.Lock()
	part.entries[e.id] = e
	part.mu.Unlock()
}

func (part *partition) lookup(id uint64) *Entry {
	part.mu.Lock()
	defer part.mu.Unlock()
	return part.entries[id]
}

// unregister drops e and reports whether its permit must be released. While
// a shrink is pending the permit is retired instead.
func (part *partition) unregister(e *Entry) (release bool) {
	part.mu.Lock()
	defer part.mu.Unlock()
	if _, ok := part.entries[e.id]; !ok {
		return false
	}
	delete(part.entries, e.id)
	if part.shrinkLater > 0 {
		part.shrinkLater--
		part.retired++
		return false
	}
	return true
}

// takeIdleLocked reserves the idle entry at index i and removes it from the
// idle list. It reports false if the entry was concurrently taken.
func (part *partition) takeIdleLocked(i int) bool {
	e := part.idle[i]
	if !e.cas(StateIdle, StateReserved) {
		return false
	}
	part.idle = append(part.idle[:i], part.idle[i+1:]...)
	return true
}

// removeIdleLocked reserves e if it is idle and unlinks it from the idle list
func (part *partition) removeIdleLocked(e *Entry) bool {
	for i, other := range part.idle {
		if other == e {
			return part.takeIdleLocked(i)
		}
	}
	return false
}

// drainIdleLocked reserves and unlinks every idle entry
func (part *partition) drainIdleLocked() []*Entry {
	var out []*Entry
	for _, e := range part.idle {
		if e.cas(StateIdle, StateReserved) {
			out = append(out, e)
		}
	}
	part.idle = part.idle[:0]
	return out
}

// PartitionStats is a point-in-time view of one partition
type PartitionStats struct {
	Key         string `json:"key"`
	MinSize     int    `json:"min_size"`
	MaxSize     int    `json:"max_size"`
	Total       int    `json:"total"`
	Idle        int    `json:"idle"`
	InUse       int    `json:"in_use"`
	Waiters     int    `json:"waiters"`
	ShrinkLater int    `json:"shrink_later"`
}

func (part *partition) stats() PartitionStats {
	part.mu.Lock()
	defer part.mu.Unlock()
	s := PartitionStats{
		Key:         part.key.String(),
		MinSize:     part.minSize,
		MaxSize:     part.maxSize,
		Total:       len(part.entries),
		Idle:        len(part.idle),
		Waiters:     len(part.waiters),
		ShrinkLater: part.shrinkLater,
	}
	for _, e := range part.entries {
		if e.State() == StateInUse {
			s.InUse++
		}
	}
	return s
}
