// Package pool implements a bounded, partitioned pool of backend resources
// with blocking admission, eviction, live resizing and graceful shutdown.
//
// Architecture
//
// A Pool owns one partition per PartitionKey. Each partition admits at most
// MaxSize live entries through a weighted semaphore: one permit stands for
// one live entry, whether it is being created, idle, checked out or
// reserved by a pool task. Borrowers that find neither an idle entry nor a
// free permit park in a FIFO queue and are served by direct handoff when
// an entry is returned.
//
// Core Types:
//
//   - Pool: borrow, return, resize, flush, validate, shutdown
//   - Entry: one physical resource plus its state word and timestamps
//   - PartitionKey: the credentials and descriptor a partition serves
//   - Stats: point-in-time sizes and counters
//
// Entry States
//
// Every entry moves through Creating, Idle, InUse, Reserved and Removed.
// Transitions are compare-and-swap on a word that packs the state with a
// lease counter. The lease changes on every checkout, so a holder returning
// a stale lease changes nothing and a double return is a no-op.
//
// Eviction
//
// Entries leave the pool when they fail a liveness check, exceed
// IdleTimeout while the partition holds more than MinSize entries, reach
// MaxLifetime (with jitter), are flushed, or are marked evicted or fatal
// by the caller. Entries in use are only marked; they are destroyed when
// they come back.
//
// Housekeeping runs on one scheduler goroutine per pool. It detects
// backward clock jumps and then evicts every entry, expires idle entries
// and refills partitions to MinSize through a bounded worker group with
// exponential backoff.
//
// Usage Patterns
//
//	p, err := pool.New(factory, config.NewPoolConfig("orders-db"))
//	if err != nil {
//	    return err
//	}
//	defer p.Close()
//
//	e, err := p.Borrow(ctx, creds, resource.RequestDescriptor{})
//	if err != nil {
//	    return err
//	}
//	defer p.Return(e, pool.ActionReturn)
//
// Thread Safety
//
// All Pool methods are safe for concurrent use. Resize takes the pool lock
// exclusively; borrow, return and housekeeping share it and never hold it
// while waiting.
package pool
