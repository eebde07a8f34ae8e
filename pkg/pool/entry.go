package pool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ajitpratap0/txpool/pkg/resource"
)

// State is the lifecycle state of an Entry
type State int32

const (
	// StateCreating means the physical resource is being opened
	StateCreating State = iota
	// StateIdle means the entry sits in the idle list ready for reuse
	StateIdle
	// StateInUse means exactly one borrower holds the entry
	StateInUse
	// StateReserved means a pool task owns the entry transiently
	// (return in progress, validation check, eviction)
	StateReserved
	// StateRemoved is terminal; the resource has been destroyed
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateCreating:
		return "creating"
	case StateIdle:
		return "idle"
	case StateInUse:
		return "in_use"
	case StateReserved:
		return "reserved"
	case StateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Entry wraps one physical resource with the bookkeeping the pool needs.
// State transitions only happen through compare-and-swap, so an entry can
// never be dispensed to two borrowers at once.
type Entry struct {
	id       uint64
	part     *partition
	resource resource.Resource
	created  time.Time

	// word packs the lease (high bits) with the State (low byte) so that a
	// return can check both in a single compare-and-swap
	word         atomic.Uint64
	lastAccessed atomic.Int64 // unix nanos
	lastBorrowed atomic.Int64 // unix nanos
	evicted      atomic.Bool
	fatal        atomic.Bool
	uses         atomic.Int64
	timer        atomic.Pointer[time.Timer]

	enlistMu   sync.Mutex
	enlistment any
}

// ID returns the pool-unique id of the entry
func (e *Entry) ID() uint64 { return e.id }

// Resource returns the physical resource
func (e *Entry) Resource() resource.Resource { return e.resource }

// State returns the current state
func (e *Entry) State() State { return State(e.word.Load() & stateMask) }

// Created returns when the entry was created
func (e *Entry) Created() time.Time { return e.created }

// LastAccessed returns when the entry was last dispensed or returned
func (e *Entry) LastAccessed() time.Time { return time.Unix(0, e.lastAccessed.Load()) }

// LastBorrowed returns when the entry was last dispensed
func (e *Entry) LastBorrowed() time.Time { return time.Unix(0, e.lastBorrowed.Load()) }

// Lease returns the dispense generation. It changes on every borrow, so a
// holder that remembers it can return the entry at most once.
func (e *Entry) Lease() uint64 { return e.word.Load() >> stateBits }

// UseCount returns how many times the entry has been dispensed
func (e *Entry) UseCount() int64 { return e.uses.Load() }

// Evicted reports whether the entry is scheduled for destruction.
// Once set it stays set.
func (e *Entry) Evicted() bool { return e.evicted.Load() }

// MarkEvicted soft-evicts the entry: current use continues, and the entry is
// destroyed instead of recycled when it comes back.
func (e *Entry) MarkEvicted() { e.evicted.Store(true) }

// Fatal reports whether a fatal resource error was recorded
func (e *Entry) Fatal() bool { return e.fatal.Load() }

// MarkFatal records a fatal resource error; the entry is destroyed on return
func (e *Entry) MarkFatal() {
	e.fatal.Store(true)
	e.evicted.Store(true)
}

// PartitionKey returns the key of the partition owning the entry
func (e *Entry) PartitionKey() PartitionKey { return e.part.key }

// Enlistment returns the enlistment slot. The slot belongs to the enlistment
// coordinator; the pool never reads it.
func (e *Entry) Enlistment() any {
	e.enlistMu.Lock()
	defer e.enlistMu.Unlock()
	return e.enlistment
}

// SwapEnlistment replaces the enlistment slot and returns the previous value
func (e *Entry) SwapEnlistment(v any) any {
	e.enlistMu.Lock()
	defer e.enlistMu.Unlock()
	prev := e.enlistment
	e.enlistment = v
	return prev
}

// CompareAndSwapEnlistment sets the slot to v only if it currently holds old
func (e *Entry) CompareAndSwapEnlistment(old, v any) bool {
	e.enlistMu.Lock()
	defer e.enlistMu.Unlock()
	if e.enlistment != old {
		return false
	}
	e.enlistment = v
	return true
}

const (
	stateBits = 8
	stateMask = 1<<stateBits - 1
)

func pack(lease uint64, s State) uint64 { return lease<<stateBits | uint64(s) }

// cas moves the entry from one state to another, keeping the lease
func (e *Entry) cas(from, to State) bool {
	for {
		w := e.word.Load()
		if State(w&stateMask) != from {
			return false
		}
		if e.word.CompareAndSwap(w, w&^stateMask|uint64(to)) {
			return true
		}
	}
}

// casLease is cas restricted to the holder of lease
func (e *Entry) casLease(lease uint64, from, to State) bool {
	return e.word.CompareAndSwap(pack(lease, from), pack(lease, to))
}

// checkout moves the entry from one state to StateInUse under a new lease
func (e *Entry) checkout(from State) bool {
	for {
		w := e.word.Load()
		if State(w&stateMask) != from {
			return false
		}
		if e.word.CompareAndSwap(w, pack(w>>stateBits+1, StateInUse)) {
			return true
		}
	}
}

// set stores a state unconditionally; only the current owner may call it
func (e *Entry) set(s State) {
	for {
		w := e.word.Load()
		if e.word.CompareAndSwap(w, w&^stateMask|uint64(s)) {
			return
		}
	}
}

func (e *Entry) touch(now time.Time) { e.lastAccessed.Store(now.UnixNano()) }

func (e *Entry) idleFor(now time.Time) time.Duration {
	return now.Sub(e.LastAccessed())
}

func (e *Entry) stopTimer() {
	if t := e.timer.Swap(nil); t != nil {
		t.Stop()
	}
}
