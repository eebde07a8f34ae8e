package enlistment_test

import (
	"context"
	"database/sql/driver"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/txpool/pkg/enlistment"
	"github.com/ajitpratap0/txpool/pkg/errors"
	"github.com/ajitpratap0/txpool/pkg/pool"
	"github.com/ajitpratap0/txpool/pkg/resource"
	"github.com/ajitpratap0/txpool/pkg/testutil"
	"github.com/ajitpratap0/txpool/pkg/transaction/txtest"
)

func setup(t *testing.T, f resource.Factory, opts ...enlistment.Option) (*pool.Pool, *enlistment.Coordinator) {
	t.Helper()
	p, err := pool.New(f, testutil.PoolConfig(t.Name()), pool.WithLogger(testutil.TestLogger(t)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	opts = append([]enlistment.Option{enlistment.WithLogger(testutil.TestLogger(t))}, opts...)
	return p, enlistment.NewCoordinator(f, opts...)
}

func borrow(t *testing.T, p *pool.Pool) *pool.Entry {
	t.Helper()
	e, err := p.Borrow(context.Background(), nil, resource.RequestDescriptor{})
	require.NoError(t, err)
	return e
}

func TestLocalShimCommit(t *testing.T) {
	f := testutil.NewFakeFactory()
	p, coord := setup(t, f)
	e := borrow(t, p)
	res := e.Resource().(*testutil.FakeResource)

	_, tx := txtest.Begin(context.Background())
	require.NoError(t, coord.Enlist(tx, e))
	assert.Equal(t, enlistment.Enlisted, coord.StateOf(e))
	assert.False(t, res.AutoCommit())

	// enlisting an open branch again changes nothing
	require.NoError(t, coord.Enlist(tx, e))
	assert.Len(t, tx.Participants(), 1)

	require.NoError(t, tx.Commit())
	assert.Equal(t, enlistment.NotEnlisted, coord.StateOf(e))
	assert.True(t, res.AutoCommit())
	assert.Equal(t, []string{"autocommit=false", "autocommit=true"}, res.Calls())
	assert.True(t, coord.Settle(context.Background(), e))
}

func TestLocalShimExplicitCommit(t *testing.T) {
	f := testutil.NewFakeFactory()
	p, coord := setup(t, f, enlistment.WithExplicitCommit(true))
	e := borrow(t, p)
	res := e.Resource().(*testutil.FakeResource)

	_, tx := txtest.Begin(context.Background())
	require.NoError(t, coord.Enlist(tx, e))
	require.NoError(t, tx.Commit())
	assert.Equal(t, []string{"autocommit=false", "commit", "autocommit=true"}, res.Calls())
}

func TestLocalShimRollback(t *testing.T) {
	f := testutil.NewFakeFactory()
	p, coord := setup(t, f)
	e := borrow(t, p)
	res := e.Resource().(*testutil.FakeResource)

	_, tx := txtest.Begin(context.Background())
	require.NoError(t, coord.Enlist(tx, e))
	require.NoError(t, tx.Rollback())
	assert.Equal(t, []string{"autocommit=false", "rollback", "autocommit=true"}, res.Calls())
	assert.Equal(t, enlistment.NotEnlisted, coord.StateOf(e))
}

func TestLocalShimRollbackSurfacesAutoCommitFailure(t *testing.T) {
	f := testutil.NewFakeFactory()
	p, coord := setup(t, f)
	e := borrow(t, p)
	res := e.Resource().(*testutil.FakeResource)
	on := true
	res.FailAutoCommitOn = &on

	_, tx := txtest.Begin(context.Background())
	require.NoError(t, coord.Enlist(tx, e))
	err := tx.Rollback()
	require.Error(t, err)
	assert.ErrorIs(t, err, testutil.ErrInjected)
	assert.Equal(t, enlistment.NotEnlisted, coord.StateOf(e))
	assert.True(t, e.Fatal())
}

func TestLocalShimCommitAutoCommitFailureDoomsEntry(t *testing.T) {
	f := testutil.NewFakeFactory()
	p, coord := setup(t, f)
	e := borrow(t, p)
	res := e.Resource().(*testutil.FakeResource)
	on := true
	res.FailAutoCommitOn = &on

	_, tx := txtest.Begin(context.Background())
	require.NoError(t, coord.Enlist(tx, e))
	err := tx.Commit()
	require.Error(t, err)
	assert.ErrorIs(t, err, testutil.ErrInjected)
	assert.False(t, res.AutoCommit())
	assert.True(t, e.Fatal())

	require.True(t, p.Return(e, pool.ActionReturn))
	assert.Equal(t, pool.StateRemoved, e.State())
	assert.Equal(t, 1, f.Destroyed())
}

func TestLocalShimRefusesPrepare(t *testing.T) {
	f := testutil.NewFakeFactory()
	p, coord := setup(t, f)
	e1, e2 := borrow(t, p), borrow(t, p)

	_, tx := txtest.Begin(context.Background())
	require.NoError(t, coord.Enlist(tx, e1))
	require.NoError(t, coord.Enlist(tx, e2))

	err := tx.Commit()
	require.Error(t, err)
	assert.True(t, errors.HasType(err, errors.ErrorTypeTransaction))
	assert.Equal(t, enlistment.NotEnlisted, coord.StateOf(e1))
	assert.Equal(t, enlistment.NotEnlisted, coord.StateOf(e2))
}

func TestTwoPhaseParticipant(t *testing.T) {
	f := testutil.NewFakeFactory()
	f.TwoPhase = true
	p, coord := setup(t, f)
	e1, e2 := borrow(t, p), borrow(t, p)

	_, tx := txtest.Begin(context.Background())
	require.NoError(t, coord.Enlist(tx, e1))
	require.NoError(t, coord.Enlist(tx, e2))
	require.NoError(t, coord.Delist(tx, e1, true))
	assert.Equal(t, enlistment.Ended, coord.StateOf(e1))
	assert.Equal(t, enlistment.Enlisted, coord.StateOf(e2))

	require.NoError(t, tx.Commit())

	want := []string{"start", "end", "prepare", "commit"}
	assert.Equal(t, want, f.Participant(e1.Resource()).Calls())
	assert.Equal(t, want, f.Participant(e2.Resource()).Calls())
	assert.Equal(t, enlistment.NotEnlisted, coord.StateOf(e1))
}

func TestTwoPhaseReadOnlyVoteSettles(t *testing.T) {
	f := testutil.NewFakeFactory()
	f.TwoPhase = true
	p, coord := setup(t, f)
	e1, e2 := borrow(t, p), borrow(t, p)
	f.TwoPhaseParticipant(e1.Resource())
	f.Participant(e1.Resource()).ReadOnly = true

	_, tx := txtest.Begin(context.Background())
	require.NoError(t, coord.Enlist(tx, e1))
	require.NoError(t, coord.Enlist(tx, e2))
	require.NoError(t, tx.Commit())

	assert.Equal(t, []string{"start", "end", "prepare"}, f.Participant(e1.Resource()).Calls())
	assert.Equal(t, enlistment.NotEnlisted, coord.StateOf(e1))
}

func TestProtocolViolations(t *testing.T) {
	f := testutil.NewFakeFactory()
	f.TwoPhase = true
	p, coord := setup(t, f)
	e := borrow(t, p)

	_, tx := txtest.Begin(context.Background())
	require.NoError(t, coord.Enlist(tx, e))
	part := tx.Participants()[0]
	ctx := context.Background()

	err := part.Start(ctx, tx.Xid())
	assert.True(t, errors.IsType(err, errors.ErrorTypeEnlistment))

	_, err = part.Prepare(ctx, tx.Xid())
	assert.True(t, errors.IsType(err, errors.ErrorTypeEnlistment))

	err = part.End(ctx, resource.Xid{GlobalID: "other"}, resource.EndSuccess)
	assert.True(t, errors.IsType(err, errors.ErrorTypeEnlistment))

	require.NoError(t, part.End(ctx, tx.Xid(), resource.EndSuccess))
	err = part.End(ctx, tx.Xid(), resource.EndSuccess)
	assert.True(t, errors.IsType(err, errors.ErrorTypeEnlistment))

	require.NoError(t, part.Commit(ctx, tx.Xid(), true))
	err = part.Commit(ctx, tx.Xid(), true)
	assert.True(t, errors.IsType(err, errors.ErrorTypeEnlistment))
}

func TestEnlistFailureMarksEntry(t *testing.T) {
	f := testutil.NewFakeFactory()
	p, coord := setup(t, f)
	e := borrow(t, p)

	_, tx := txtest.Begin(context.Background())
	tx.EnlistErr = testutil.ErrInjected
	err := coord.Enlist(tx, e)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeEnlistment))
	assert.True(t, e.Evicted())

	p.Return(e, pool.ActionReturn)
	assert.Equal(t, pool.StateRemoved, e.State())
}

type bareResource struct{}

func (bareResource) Close() error { return nil }

type bareFactory struct{}

func (bareFactory) Create(context.Context, *resource.Credentials, resource.RequestDescriptor) (resource.Resource, error) {
	return bareResource{}, nil
}

func (bareFactory) Destroy(resource.Resource) error { return nil }

func TestEnlistRequiresTransactionalResource(t *testing.T) {
	p, coord := setup(t, bareFactory{})
	e := borrow(t, p)

	_, tx := txtest.Begin(context.Background())
	err := coord.Enlist(tx, e)
	assert.True(t, errors.IsType(err, errors.ErrorTypeEnlistment))
	assert.True(t, e.Evicted())
}

func TestHandleErrorFatalRollsBack(t *testing.T) {
	f := testutil.NewFakeFactory()
	p, coord := setup(t, f)
	e := borrow(t, p)
	res := e.Resource().(*testutil.FakeResource)

	_, tx := txtest.Begin(context.Background())
	require.NoError(t, coord.Enlist(tx, e))

	err := coord.HandleError(context.Background(), e, driver.ErrBadConn)
	assert.True(t, errors.IsFatal(err))
	assert.ErrorIs(t, err, driver.ErrBadConn)
	assert.True(t, e.Fatal())
	assert.Contains(t, res.Calls(), "rollback")
	assert.Equal(t, enlistment.NotEnlisted, coord.StateOf(e))

	p.Return(e, pool.ActionReturn)
	assert.True(t, res.Closed())
}

func TestHandleErrorNonFatal(t *testing.T) {
	f := testutil.NewFakeFactory()
	p, coord := setup(t, f)
	e := borrow(t, p)

	err := coord.HandleError(context.Background(), e, testutil.ErrInjected)
	assert.False(t, errors.IsFatal(err))
	assert.True(t, errors.IsType(err, errors.ErrorTypeInternal))
	assert.False(t, e.Fatal())
}

type noRollbackClassifier struct{}

func (noRollbackClassifier) IsFatal(err error) bool { return errors.Is(err, testutil.ErrInjected) }
func (noRollbackClassifier) RollbackOnFatal() bool  { return false }

func TestCustomClassifierWithoutRollback(t *testing.T) {
	f := testutil.NewFakeFactory()
	p, coord := setup(t, f, enlistment.WithClassifier(noRollbackClassifier{}))
	e := borrow(t, p)
	res := e.Resource().(*testutil.FakeResource)

	_, tx := txtest.Begin(context.Background())
	require.NoError(t, coord.Enlist(tx, e))

	err := coord.HandleError(context.Background(), e, testutil.ErrInjected)
	assert.True(t, errors.IsFatal(err))
	assert.True(t, e.Fatal())
	assert.NotContains(t, res.Calls(), "rollback")
	assert.Equal(t, enlistment.Enlisted, coord.StateOf(e))
}

func TestSettleRollsBackOpenBranch(t *testing.T) {
	f := testutil.NewFakeFactory()
	p, coord := setup(t, f)
	e := borrow(t, p)
	res := e.Resource().(*testutil.FakeResource)

	_, tx := txtest.Begin(context.Background())
	require.NoError(t, coord.Enlist(tx, e))

	assert.False(t, coord.Settle(context.Background(), e))
	assert.True(t, e.Evicted())
	assert.Contains(t, res.Calls(), "rollback")
	assert.Nil(t, e.Enlistment())
}
