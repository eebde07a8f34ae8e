package handle_test

import (
	"context"
	"database/sql/driver"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ajitpratap0/txpool/pkg/enlistment"
	"github.com/ajitpratap0/txpool/pkg/errors"
	"github.com/ajitpratap0/txpool/pkg/handle"
	"github.com/ajitpratap0/txpool/pkg/pool"
	"github.com/ajitpratap0/txpool/pkg/testutil"
	"github.com/ajitpratap0/txpool/pkg/transaction"
	"github.com/ajitpratap0/txpool/pkg/transaction/txtest"
)

type stack struct {
	factory *testutil.FakeFactory
	pool    *pool.Pool
	coord   *enlistment.Coordinator
	cache   *transaction.Cache
}

func newStack(t *testing.T) *stack {
	t.Helper()
	f := testutil.NewFakeFactory()
	f.TwoPhase = true
	log := testutil.TestLogger(t)

	p, err := pool.New(f, testutil.PoolConfig(t.Name()), pool.WithLogger(log))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	coord := enlistment.NewCoordinator(f, enlistment.WithLogger(log))
	return &stack{
		factory: f,
		pool:    p,
		coord:   coord,
		cache:   transaction.NewCache(p, transaction.ContextManager{}, coord, transaction.WithLogger(log)),
	}
}

func (s *stack) dispenser(stages ...handle.Stage) *handle.Dispenser {
	return handle.NewBuilder().
		Use(stages...).
		Use(handle.NewTransactionStage(s.cache, s.coord)).
		Build(handle.NewPoolStage(s.pool, s.coord))
}

func TestBuilderRunsStagesInOrder(t *testing.T) {
	var order []string
	record := func(name string) handle.Stage {
		return handle.StageFunc(func(ctx context.Context, req *handle.Request, next handle.Next) (*handle.Handle, error) {
			order = append(order, name)
			return next(ctx, req)
		})
	}
	terminal := handle.StageFunc(func(context.Context, *handle.Request, handle.Next) (*handle.Handle, error) {
		order = append(order, "terminal")
		return nil, nil
	})

	d := handle.NewBuilder().Use(record("first"), record("second")).Use(record("third")).Build(terminal)
	_, err := d.Get(context.Background(), handle.Request{})
	require.NoError(t, err)

	assert.Equal(t, []string{"first", "second", "third", "terminal"}, order)
	assert.Equal(t, 4, d.Stages())
}

func TestStageCanShortCircuit(t *testing.T) {
	refuse := handle.StageFunc(func(context.Context, *handle.Request, handle.Next) (*handle.Handle, error) {
		return nil, errors.New(errors.ErrorTypeValidation, "refused")
	})
	called := false
	terminal := handle.StageFunc(func(context.Context, *handle.Request, handle.Next) (*handle.Handle, error) {
		called = true
		return nil, nil
	})

	_, err := handle.NewBuilder().Use(refuse).Build(terminal).Get(context.Background(), handle.Request{})
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	assert.False(t, called)
}

func TestTerminalMustNotDelegate(t *testing.T) {
	terminal := handle.StageFunc(func(ctx context.Context, req *handle.Request, next handle.Next) (*handle.Handle, error) {
		return next(ctx, req)
	})
	_, err := handle.NewBuilder().Build(terminal).Get(context.Background(), handle.Request{})
	assert.True(t, errors.IsType(err, errors.ErrorTypeInternal))
}

func TestCloseReturnsEntryOnce(t *testing.T) {
	s := newStack(t)
	d := s.dispenser()

	h, err := d.Get(context.Background(), handle.Request{})
	require.NoError(t, err)
	assert.False(t, h.Transactional())
	assert.Equal(t, pool.StateInUse, h.Entry().State())

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	assert.True(t, h.Closed())
	assert.Equal(t, 1, s.pool.Stats().Idle)

	// closing the old handle again must not take the entry from its new holder
	h2, err := d.Get(context.Background(), handle.Request{})
	require.NoError(t, err)
	assert.Same(t, h.Entry(), h2.Entry())
	require.NoError(t, h.Close())
	assert.Equal(t, pool.StateInUse, h2.Entry().State())
	require.NoError(t, h2.Close())
}

func TestHandlesInsideTransaction(t *testing.T) {
	s := newStack(t)
	d := s.dispenser()
	ctx, tx := txtest.Begin(context.Background())

	h1, err := d.Get(ctx, handle.Request{Shareable: true})
	require.NoError(t, err)
	h2, err := d.Get(ctx, handle.Request{Shareable: true})
	require.NoError(t, err)
	h3, err := d.Get(ctx, handle.Request{})
	require.NoError(t, err)

	assert.True(t, h1.Transactional())
	assert.Same(t, h1.Entry(), h2.Entry())
	assert.NotSame(t, h1.Entry(), h3.Entry())

	require.NoError(t, h1.Close())
	require.NoError(t, h3.Close())
	assert.Equal(t, pool.StateInUse, h1.Entry().State())
	assert.Equal(t, pool.StateInUse, h3.Entry().State())
	assert.Equal(t, 0, s.pool.Stats().Idle)

	require.NoError(t, tx.Commit())
	assert.Equal(t, 2, s.pool.Stats().Idle)

	require.NoError(t, h2.Close())
	assert.Equal(t, 2, s.pool.Stats().Idle)
	assert.Equal(t, 0, s.factory.Destroyed())
}

func TestUnshareableReusesPriorHandle(t *testing.T) {
	s := newStack(t)
	d := s.dispenser()
	ctx, tx := txtest.Begin(context.Background())

	h1, err := d.Get(ctx, handle.Request{})
	require.NoError(t, err)
	h2, err := d.Get(ctx, handle.Request{Prior: h1})
	require.NoError(t, err)
	assert.Same(t, h1.Entry(), h2.Entry())

	require.NoError(t, tx.Rollback())
	assert.Equal(t, 1, s.pool.Stats().Idle)
}

func TestFailFatalDestroysEntry(t *testing.T) {
	s := newStack(t)
	d := s.dispenser()

	h, err := d.Get(context.Background(), handle.Request{})
	require.NoError(t, err)

	err = h.Fail(context.Background(), driver.ErrBadConn)
	assert.True(t, errors.IsFatal(err))
	assert.True(t, h.Entry().Fatal())

	require.NoError(t, h.Close())
	assert.Equal(t, pool.StateRemoved, h.Entry().State())
	assert.Equal(t, 1, s.factory.Destroyed())
}

func TestFailWithoutCoordinator(t *testing.T) {
	s := newStack(t)
	d := handle.NewBuilder().Build(handle.NewPoolStage(s.pool, nil))

	h, err := d.Get(context.Background(), handle.Request{})
	require.NoError(t, err)

	assert.Nil(t, h.Fail(context.Background(), nil))
	err = h.Fail(context.Background(), testutil.ErrInjected)
	assert.True(t, errors.IsType(err, errors.ErrorTypeInternal))
	assert.False(t, h.Entry().Fatal())

	err = h.Fail(context.Background(), driver.ErrBadConn)
	assert.True(t, errors.IsFatal(err))
	assert.True(t, h.Entry().Fatal())
	require.NoError(t, h.Close())
}

func TestTracingStage(t *testing.T) {
	s := newStack(t)
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	d := s.dispenser(handle.NewTracingStage(tp.Tracer("test")))
	ctx, tx := txtest.Begin(context.Background())

	h, err := d.Get(ctx, handle.Request{Shareable: true})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.NoError(t, h.Close())

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "txpool.acquire", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.Bool("txpool.shareable", true))
	assert.Contains(t, spans[0].Attributes(), attribute.Bool("txpool.transactional", true))
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
}

func TestTracingStageRecordsFailure(t *testing.T) {
	s := newStack(t)
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	d := s.dispenser(handle.NewTracingStage(tp.Tracer("test")))
	require.NoError(t, s.pool.Close())

	_, err := d.Get(context.Background(), handle.Request{})
	require.Error(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Contains(t, spans[0].Attributes(), attribute.String("txpool.error_type", "shutdown"))
}
