// Package sqldb pools single database/sql connections for the mysql,
// pgx, snowflake and sqlite3 drivers.
//
// Every resource pins one physical connection: the *sql.DB behind it is
// capped at a single open connection so the pool, not database/sql, owns
// the connection lifecycle. MySQL connections can take part in two-phase
// commit through XA statements; every driver supports the local shim.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/snowflakedb/gosnowflake"
	"go.uber.org/zap"

	"github.com/ajitpratap0/txpool/pkg/errors"
	"github.com/ajitpratap0/txpool/pkg/logger"
	"github.com/ajitpratap0/txpool/pkg/resource"
)

// Supported driver names
const (
	DriverMySQL     = "mysql"
	DriverPostgres  = "pgx"
	DriverSnowflake = "snowflake"
	DriverSQLite    = "sqlite3"
)

// Querier is implemented by both *sql.Conn and *sql.Tx
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Conn is one pinned database connection
type Conn struct {
	db   *sql.DB
	conn *sql.Conn

	mu sync.Mutex
	tx *sql.Tx
}

var _ resource.LocalTransactional = (*Conn)(nil)

// Querier returns the open local transaction, or the bare connection when
// auto-commit is on
func (c *Conn) Querier() Querier {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx != nil {
		return c.tx
	}
	return c.conn
}

// ExecContext runs a statement through Querier
func (c *Conn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.Querier().ExecContext(ctx, query, args...)
}

// QueryContext runs a query through Querier
func (c *Conn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.Querier().QueryContext(ctx, query, args...)
}

// QueryRowContext runs a single-row query through Querier
func (c *Conn) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.Querier().QueryRowContext(ctx, query, args...)
}

// Close implements resource.Resource
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.tx != nil {
		_ = c.tx.Rollback()
		c.tx = nil
	}
	c.mu.Unlock()
	return errors.Join(c.conn.Close(), c.db.Close())
}

// SetAutoCommit implements resource.LocalTransactional. Turning auto-commit
// off begins a transaction; turning it on commits the open one.
func (c *Conn) SetAutoCommit(ctx context.Context, on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		if c.tx == nil {
			return nil
		}
		tx := c.tx
		c.tx = nil
		return tx.Commit()
	}
	if c.tx != nil {
		return nil
	}
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	c.tx = tx
	return nil
}

// Commit implements resource.LocalTransactional
func (c *Conn) Commit(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx == nil {
		return nil
	}
	tx := c.tx
	c.tx = nil
	return tx.Commit()
}

// Rollback implements resource.LocalTransactional
func (c *Conn) Rollback(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx == nil {
		return nil
	}
	tx := c.tx
	c.tx = nil
	return tx.Rollback()
}

// Factory opens pinned connections for one driver
type Factory struct {
	driver   string
	dsn      string
	twoPhase bool
	logger   *zap.Logger
	opened   atomic.Int64
}

var (
	_ resource.Factory             = (*Factory)(nil)
	_ resource.Validator           = (*Factory)(nil)
	_ resource.ParticipantProvider = (*Factory)(nil)
)

// Option configures a Factory
type Option func(*Factory)

// WithXA enables XA participants; only the mysql driver supports it
func WithXA(on bool) Option {
	return func(f *Factory) { f.twoPhase = on }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(f *Factory) { f.logger = l }
}

// NewFactory creates a factory. The DSN is validated up front for the
// drivers that can parse it.
func NewFactory(driverName, dsn string, opts ...Option) (*Factory, error) {
	f := &Factory{driver: driverName, dsn: dsn, logger: logger.Get()}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With(zap.String("component", "sqldb_factory"), zap.String("driver", driverName))

	if f.twoPhase && driverName != DriverMySQL {
		return nil, errors.Newf(errors.ErrorTypeConfig, "driver %s does not support XA", driverName)
	}
	db, err := f.open(nil, resource.RequestDescriptor{})
	if err != nil {
		return nil, err
	}
	_ = db.Close()
	return f, nil
}

// open returns a *sql.DB for creds and desc without connecting
func (f *Factory) open(creds *resource.Credentials, desc resource.RequestDescriptor) (*sql.DB, error) {
	switch f.driver {
	case DriverMySQL:
		cfg, err := mysql.ParseDSN(f.dsn)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid mysql dsn")
		}
		if creds != nil {
			cfg.User, cfg.Passwd = creds.User, creds.Password
		}
		if desc.Database != "" {
			cfg.DBName = desc.Database
		}
		connector, err := mysql.NewConnector(cfg)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid mysql config")
		}
		return sql.OpenDB(connector), nil

	case DriverPostgres:
		cfg, err := pgx.ParseConfig(f.dsn)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid postgres dsn")
		}
		if creds != nil {
			cfg.User, cfg.Password = creds.User, creds.Password
		}
		if desc.Database != "" {
			cfg.Database = desc.Database
		}
		return sql.OpenDB(stdlib.GetConnector(*cfg)), nil

	case DriverSnowflake:
		cfg, err := gosnowflake.ParseDSN(f.dsn)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid snowflake dsn")
		}
		if creds != nil {
			cfg.User, cfg.Password = creds.User, creds.Password
		}
		if desc.Database != "" {
			cfg.Database = desc.Database
		}
		return sql.OpenDB(gosnowflake.NewConnector(gosnowflake.SnowflakeDriver{}, *cfg)), nil

	case DriverSQLite:
		// sqlite has no principals; the descriptor may name another file
		dsn := f.dsn
		if desc.Database != "" {
			dsn = desc.Database
		}
		db, err := sql.Open(DriverSQLite, dsn)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid sqlite dsn")
		}
		return db, nil

	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported driver %q", f.driver)
	}
}

// Create implements resource.Factory
func (f *Factory) Create(ctx context.Context, creds *resource.Credentials, desc resource.RequestDescriptor) (resource.Resource, error) {
	db, err := f.open(creds, desc)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	n := f.opened.Add(1)
	f.logger.Debug("opened connection", zap.Int64("opened", n))
	return &Conn{db: db, conn: conn}, nil
}

// Destroy implements resource.Factory
func (f *Factory) Destroy(r resource.Resource) error {
	return r.Close()
}

// IsValid implements resource.Validator
func (f *Factory) IsValid(ctx context.Context, r resource.Resource) bool {
	c, ok := r.(*Conn)
	if !ok {
		return false
	}
	return c.conn.PingContext(ctx) == nil
}

// TwoPhaseParticipant implements resource.ParticipantProvider
func (f *Factory) TwoPhaseParticipant(r resource.Resource) (resource.Participant, bool) {
	c, ok := r.(*Conn)
	if !f.twoPhase || !ok {
		return nil, false
	}
	return &xaParticipant{conn: c}, true
}

// Driver returns the driver name
func (f *Factory) Driver() string { return f.driver }

// xaParticipant drives one MySQL XA branch
type xaParticipant struct {
	conn *Conn

	mu       sync.Mutex
	active   bool
	prepared bool
}

func (p *xaParticipant) exec(ctx context.Context, format string, xid resource.Xid) error {
	_, err := p.conn.conn.ExecContext(ctx, fmt.Sprintf(format, xaID(xid)))
	return err
}

func (p *xaParticipant) Start(ctx context.Context, xid resource.Xid) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.exec(ctx, "XA START %s", xid); err != nil {
		return err
	}
	p.active, p.prepared = true, false
	return nil
}

func (p *xaParticipant) End(ctx context.Context, xid resource.Xid, _ resource.EndFlag) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.endLocked(ctx, xid)
}

func (p *xaParticipant) endLocked(ctx context.Context, xid resource.Xid) error {
	if !p.active {
		return nil
	}
	if err := p.exec(ctx, "XA END %s", xid); err != nil {
		return err
	}
	p.active = false
	return nil
}

func (p *xaParticipant) Prepare(ctx context.Context, xid resource.Xid) (resource.Vote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.exec(ctx, "XA PREPARE %s", xid); err != nil {
		return resource.VoteCommit, err
	}
	p.prepared = true
	return resource.VoteCommit, nil
}

func (p *xaParticipant) Commit(ctx context.Context, xid resource.Xid, onePhase bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if onePhase {
		if err := p.endLocked(ctx, xid); err != nil {
			return err
		}
		return p.exec(ctx, "XA COMMIT %s ONE PHASE", xid)
	}
	p.prepared = false
	return p.exec(ctx, "XA COMMIT %s", xid)
}

func (p *xaParticipant) Rollback(ctx context.Context, xid resource.Xid) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.endLocked(ctx, xid); err != nil {
		return err
	}
	p.prepared = false
	return p.exec(ctx, "XA ROLLBACK %s", xid)
}

// xaID renders an xid in MySQL's gtrid,bqual,formatID form using hex
// literals so no quoting is needed
func xaID(xid resource.Xid) string {
	id := fmt.Sprintf("X'%x'", xid.GlobalID)
	if xid.BranchID != "" {
		id += fmt.Sprintf(",X'%x'", xid.BranchID)
	} else {
		id += ",''"
	}
	return fmt.Sprintf("%s,%d", id, xid.FormatID)
}
