package main

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/txpool/pkg/config"
	"github.com/ajitpratap0/txpool/pkg/enlistment"
	"github.com/ajitpratap0/txpool/pkg/errors"
	"github.com/ajitpratap0/txpool/pkg/resource"
	"github.com/ajitpratap0/txpool/pkg/resource/kafka"
	"github.com/ajitpratap0/txpool/pkg/resource/mongodb"
	"github.com/ajitpratap0/txpool/pkg/resource/postgres"
	"github.com/ajitpratap0/txpool/pkg/resource/sqldb"
)

// newFactory builds the resource factory and error classifier for the
// configured backend
func newFactory(cfg config.BackendConfig, log *zap.Logger) (resource.Factory, enlistment.ExceptionClassifier, error) {
	switch cfg.Driver {
	case "", "memory":
		return &memoryFactory{latency: cfg.ConnectTimeout / 100}, enlistment.DefaultClassifier{}, nil
	case "postgres":
		f, err := postgres.NewFactory(cfg.DSN, postgres.WithLogger(log))
		return f, postgres.Classifier{}, err
	case sqldb.DriverMySQL, sqldb.DriverSQLite, sqldb.DriverSnowflake, sqldb.DriverPostgres:
		f, err := sqldb.NewFactory(cfg.Driver, cfg.DSN, sqldb.WithLogger(log))
		return f, enlistment.DefaultClassifier{}, err
	case "mongodb":
		f, err := mongodb.NewFactory(cfg.DSN, mongodb.WithLogger(log))
		return f, enlistment.DefaultClassifier{}, err
	case "kafka":
		f, err := kafka.NewFactory(cfg.Brokers, cfg.TransactionalID, kafka.WithLogger(log))
		return f, kafka.Classifier{}, err
	default:
		return nil, nil, errors.Newf(errors.ErrorTypeConfig, "unknown backend driver %q", cfg.Driver)
	}
}

// memoryFactory creates in-process resources so the pool itself can be
// load tested without a backend
type memoryFactory struct {
	latency time.Duration
	seq     atomic.Int64
}

type memoryResource struct {
	id     int64
	closed atomic.Bool
}

func (r *memoryResource) Close() error {
	r.closed.Store(true)
	return nil
}

func (r *memoryResource) SetAutoCommit(context.Context, bool) error { return nil }
func (r *memoryResource) Commit(context.Context) error              { return nil }
func (r *memoryResource) Rollback(context.Context) error            { return nil }

func (f *memoryFactory) Create(ctx context.Context, _ *resource.Credentials, _ resource.RequestDescriptor) (resource.Resource, error) {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &memoryResource{id: f.seq.Add(1)}, nil
}

func (f *memoryFactory) Destroy(r resource.Resource) error {
	return r.Close()
}

func (f *memoryFactory) IsValid(_ context.Context, r resource.Resource) bool {
	m, ok := r.(*memoryResource)
	return ok && !m.closed.Load()
}
