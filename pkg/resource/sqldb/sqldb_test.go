package sqldb_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/ajitpratap0/txpool/pkg/enlistment"
	"github.com/ajitpratap0/txpool/pkg/errors"
	"github.com/ajitpratap0/txpool/pkg/pool"
	"github.com/ajitpratap0/txpool/pkg/resource"
	"github.com/ajitpratap0/txpool/pkg/resource/sqldb"
	"github.com/ajitpratap0/txpool/pkg/testutil"
	"github.com/ajitpratap0/txpool/pkg/transaction/txtest"
)

func TestNewFactoryValidation(t *testing.T) {
	_, err := sqldb.NewFactory("oracle", "whatever")
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	_, err = sqldb.NewFactory(sqldb.DriverMySQL, "not a dsn")
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	_, err = sqldb.NewFactory(sqldb.DriverSQLite, ":memory:", sqldb.WithXA(true))
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	f, err := sqldb.NewFactory(sqldb.DriverMySQL, "user:pass@tcp(localhost:3306)/orders", sqldb.WithXA(true))
	require.NoError(t, err)
	assert.Equal(t, sqldb.DriverMySQL, f.Driver())
}

type SQLiteSuite struct {
	testutil.IntegrationTestSuite
	factory *sqldb.Factory
	pool    *pool.Pool
	coord   *enlistment.Coordinator
}

func TestSQLiteSuite(t *testing.T) {
	testutil.IntegrationTest(t)
	suite.Run(t, new(SQLiteSuite))
}

func (s *SQLiteSuite) SetupTest() {
	log := testutil.TestLogger(s.T())
	dsn := filepath.Join(s.TempDir(), filepath.Base(s.T().Name())+".db")

	f, err := sqldb.NewFactory(sqldb.DriverSQLite, dsn, sqldb.WithLogger(log))
	s.Require().NoError(err)
	s.factory = f

	p, err := pool.New(f, testutil.PoolConfig("sqlite"), pool.WithLogger(log))
	s.Require().NoError(err)
	s.pool = p
	s.coord = enlistment.NewCoordinator(f, enlistment.WithLogger(log))

	e := s.borrow()
	_, err = s.conn(e).ExecContext(s.Context(), "CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT)")
	s.Require().NoError(err)
	s.pool.Return(e, pool.ActionReturn)
}

func (s *SQLiteSuite) TearDownTest() {
	s.Require().NoError(s.pool.Close())
}

func (s *SQLiteSuite) borrow() *pool.Entry {
	e, err := s.pool.Borrow(s.Context(), nil, resource.RequestDescriptor{})
	s.Require().NoError(err)
	return e
}

func (s *SQLiteSuite) conn(e *pool.Entry) *sqldb.Conn {
	return e.Resource().(*sqldb.Conn)
}

func (s *SQLiteSuite) count() int {
	e := s.borrow()
	defer s.pool.Return(e, pool.ActionReturn)
	var n int
	s.Require().NoError(s.conn(e).QueryRowContext(s.Context(), "SELECT count(*) FROM items").Scan(&n))
	return n
}

func (s *SQLiteSuite) TestRollbackDiscardsWork() {
	ctx, tx := txtest.Begin(s.Context())
	e := s.borrow()
	s.Require().NoError(s.coord.Enlist(tx, e))

	_, err := s.conn(e).ExecContext(ctx, "INSERT INTO items (name) VALUES ('a')")
	s.Require().NoError(err)
	s.Require().NoError(tx.Rollback())
	s.True(s.coord.Settle(ctx, e))
	s.pool.Return(e, pool.ActionReturn)

	s.Equal(0, s.count())
}

func (s *SQLiteSuite) TestCommitKeepsWork() {
	ctx, tx := txtest.Begin(s.Context())
	e := s.borrow()
	s.Require().NoError(s.coord.Enlist(tx, e))

	_, err := s.conn(e).ExecContext(ctx, "INSERT INTO items (name) VALUES ('a')")
	s.Require().NoError(err)
	_, err = s.conn(e).ExecContext(ctx, "INSERT INTO items (name) VALUES ('b')")
	s.Require().NoError(err)
	s.Require().NoError(tx.Commit())
	s.coord.Settle(ctx, e)
	s.pool.Return(e, pool.ActionReturn)

	s.Equal(2, s.count())
}

func (s *SQLiteSuite) TestExplicitCommit() {
	coord := enlistment.NewCoordinator(s.factory, enlistment.WithExplicitCommit(true))
	ctx, tx := txtest.Begin(s.Context())
	e := s.borrow()
	s.Require().NoError(coord.Enlist(tx, e))

	_, err := s.conn(e).ExecContext(ctx, "INSERT INTO items (name) VALUES ('a')")
	s.Require().NoError(err)
	s.Require().NoError(tx.Commit())
	coord.Settle(ctx, e)
	s.pool.Return(e, pool.ActionReturn)

	s.Equal(1, s.count())
}

func (s *SQLiteSuite) TestValidity() {
	e := s.borrow()
	s.True(s.factory.IsValid(s.Context(), e.Resource()))
	s.pool.Return(e, pool.ActionDestroy)
	s.False(s.factory.IsValid(context.Background(), e.Resource()))

	_, ok := s.factory.TwoPhaseParticipant(e.Resource())
	s.False(ok)
}
