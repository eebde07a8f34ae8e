package handle

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ajitpratap0/txpool/pkg/enlistment"
	"github.com/ajitpratap0/txpool/pkg/errors"
	"github.com/ajitpratap0/txpool/pkg/pool"
	"github.com/ajitpratap0/txpool/pkg/transaction"
)

const tracerName = "github.com/ajitpratap0/txpool/pkg/handle"

// PoolStage is the terminal stage: it borrows straight from the pool
type PoolStage struct {
	pool  *pool.Pool
	coord *enlistment.Coordinator
}

// NewPoolStage creates the terminal stage. coord may be nil, in which case
// handle errors are classified with enlistment.DefaultClassifier.
func NewPoolStage(p *pool.Pool, coord *enlistment.Coordinator) *PoolStage {
	return &PoolStage{pool: p, coord: coord}
}

// Process implements Stage
func (s *PoolStage) Process(ctx context.Context, req *Request, _ Next) (*Handle, error) {
	e, err := s.pool.Borrow(ctx, req.Credentials, req.Descriptor)
	if err != nil {
		return nil, err
	}
	return newHandle(e, s.pool, nil, s.coord), nil
}

// TransactionStage serves requests made inside an active transaction from
// the transaction cache and passes the others on
type TransactionStage struct {
	cache *transaction.Cache
	coord *enlistment.Coordinator
}

// NewTransactionStage creates a transaction stage over cache
func NewTransactionStage(cache *transaction.Cache, coord *enlistment.Coordinator) *TransactionStage {
	return &TransactionStage{cache: cache, coord: coord}
}

// Process implements Stage
func (s *TransactionStage) Process(ctx context.Context, req *Request, next Next) (*Handle, error) {
	if _, ok := s.cache.Active(ctx); !ok {
		return next(ctx, req)
	}

	var prior *pool.Entry
	if req.Prior != nil && !req.Prior.Closed() {
		prior = req.Prior.Entry()
	}
	e, err := s.cache.Get(ctx, transaction.Request{
		Credentials: req.Credentials,
		Descriptor:  req.Descriptor,
		Shareable:   req.Shareable,
		Prior:       prior,
	})
	if err != nil {
		return nil, err
	}
	return newHandle(e, s.cache.Pool(), s.cache, s.coord), nil
}

// TracingStage records a span around each acquisition
type TracingStage struct {
	tracer trace.Tracer
}

// NewTracingStage creates a tracing stage. A nil tracer uses the global
// tracer provider.
func NewTracingStage(tracer trace.Tracer) *TracingStage {
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &TracingStage{tracer: tracer}
}

// Process implements Stage
func (s *TracingStage) Process(ctx context.Context, req *Request, next Next) (*Handle, error) {
	ctx, span := s.tracer.Start(ctx, "txpool.acquire",
		trace.WithAttributes(
			attribute.Bool("txpool.shareable", req.Shareable),
			attribute.String("txpool.database", req.Descriptor.Database),
		))
	defer span.End()

	h, err := next(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String("txpool.error_type", string(errors.TypeOf(err))))
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int64("txpool.entry_id", int64(h.Entry().ID())),
		attribute.Bool("txpool.transactional", h.Transactional()),
	)
	return h, nil
}
