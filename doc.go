// Package txpool provides transactional pooling of backend resources:
// database connections, document store clients and message producers.
//
// A pool keeps a bounded set of physical resources per partition, admits
// borrowers in FIFO order, and evicts resources that are broken, idle for
// too long or past their lifetime. Inside an ambient transaction, resources
// are kept together per transaction and enlisted with it, either as
// two-phase participants or through a local transaction shim, and go back
// to the pool when the transaction completes.
//
// # Architecture
//
// The module is split into small packages that build on each other:
//
//   - pkg/resource: the factory and participant contracts backends implement
//   - pkg/pool: bounded partitions, admission, eviction, resize, shutdown
//   - pkg/enlistment: per-entry branch state machine and local shim
//   - pkg/transaction: the per-transaction cache of entries
//   - pkg/handle: the stage chain that hands out user-facing handles
//   - pkg/resource/...: pgx, database/sql (mysql, sqlite3, snowflake),
//     mongo and sarama backends
//
// # Quick Start
//
//	factory, err := postgres.NewFactory(os.Getenv("DATABASE_URL"))
//	if err != nil {
//	    return err
//	}
//	p, err := pool.New(factory, config.NewPoolConfig("orders-db"))
//	if err != nil {
//	    return err
//	}
//	defer p.Close()
//
//	coord := enlistment.NewCoordinator(factory, enlistment.WithClassifier(postgres.Classifier{}))
//	cache := transaction.NewCache(p, transaction.ContextManager{}, coord)
//	d := handle.NewBuilder().
//	    Use(handle.NewTransactionStage(cache, coord)).
//	    Build(handle.NewPoolStage(p, coord))
//
//	h, err := d.Get(ctx, handle.Request{Shareable: true})
//	if err != nil {
//	    return err
//	}
//	defer h.Close()
//
// # Command Line
//
// The txpool command prints the effective configuration and load tests a
// pool against any configured backend:
//
//	txpool config --config pool.yaml
//	txpool bench --config pool.yaml --workers 64 --duration 30s
package txpool
