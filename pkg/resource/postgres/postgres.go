// Package postgres pools native pgx connections.
//
// Connections take part in transactions in one of two ways. By default they
// are enlisted through the local transaction shim (BEGIN, COMMIT, ROLLBACK).
// With WithTwoPhase the factory hands out a participant that prepares the
// branch with PREPARE TRANSACTION, which requires max_prepared_transactions
// to be non-zero on the server.
package postgres

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/ajitpratap0/txpool/pkg/enlistment"
	"github.com/ajitpratap0/txpool/pkg/errors"
	"github.com/ajitpratap0/txpool/pkg/logger"
	"github.com/ajitpratap0/txpool/pkg/resource"
)

// Conn is a pooled PostgreSQL connection
type Conn struct {
	conn *pgx.Conn

	mu         sync.Mutex
	autoCommit bool
}

var _ resource.LocalTransactional = (*Conn)(nil)

// Raw returns the underlying pgx connection
func (c *Conn) Raw() *pgx.Conn { return c.conn }

// Exec runs a statement on the connection
func (c *Conn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return c.conn.Exec(ctx, sql, args...)
}

// Query runs a query on the connection
func (c *Conn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return c.conn.Query(ctx, sql, args...)
}

// QueryRow runs a query expected to return at most one row
func (c *Conn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return c.conn.QueryRow(ctx, sql, args...)
}

// Close implements resource.Resource
func (c *Conn) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.conn.Close(ctx)
}

// inTransaction reports whether the server considers a transaction open
// (including a failed one awaiting rollback)
func (c *Conn) inTransaction() bool {
	return c.conn.PgConn().TxStatus() != 'I'
}

// SetAutoCommit implements resource.LocalTransactional. Turning auto-commit
// off opens a transaction; turning it back on commits the open one.
func (c *Conn) SetAutoCommit(ctx context.Context, on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on == c.autoCommit {
		return nil
	}
	if on {
		if c.inTransaction() {
			if _, err := c.conn.Exec(ctx, "COMMIT"); err != nil {
				return err
			}
		}
	} else if _, err := c.conn.Exec(ctx, "BEGIN"); err != nil {
		return err
	}
	c.autoCommit = on
	return nil
}

// Commit implements resource.LocalTransactional
func (c *Conn) Commit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.inTransaction() {
		return nil
	}
	_, err := c.conn.Exec(ctx, "COMMIT")
	return err
}

// Rollback implements resource.LocalTransactional
func (c *Conn) Rollback(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.inTransaction() {
		return nil
	}
	_, err := c.conn.Exec(ctx, "ROLLBACK")
	return err
}

// Factory opens pgx connections
type Factory struct {
	config   *pgx.ConnConfig
	twoPhase bool
	logger   *zap.Logger
}

var (
	_ resource.Factory             = (*Factory)(nil)
	_ resource.Validator           = (*Factory)(nil)
	_ resource.ParticipantProvider = (*Factory)(nil)
)

// Option configures a Factory
type Option func(*Factory)

// WithTwoPhase makes the factory hand out PREPARE TRANSACTION participants
func WithTwoPhase(on bool) Option {
	return func(f *Factory) { f.twoPhase = on }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(f *Factory) { f.logger = l }
}

// NewFactory creates a factory for the given connection string
func NewFactory(dsn string, opts ...Option) (*Factory, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid postgres connection string")
	}
	f := &Factory{config: cfg, logger: logger.Get()}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With(zap.String("component", "postgres_factory"))
	return f, nil
}

// Create implements resource.Factory. Credentials and the descriptor's
// database override the ones in the connection string.
func (f *Factory) Create(ctx context.Context, creds *resource.Credentials, desc resource.RequestDescriptor) (resource.Resource, error) {
	cfg := f.config.Copy()
	if creds != nil {
		cfg.User = creds.User
		cfg.Password = creds.Password
	}
	if desc.Database != "" {
		cfg.Database = desc.Database
	}
	if desc.Options != "" {
		if cfg.RuntimeParams == nil {
			cfg.RuntimeParams = make(map[string]string)
		}
		cfg.RuntimeParams["options"] = desc.Options
	}

	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	f.logger.Debug("opened connection",
		zap.String("host", cfg.Host), zap.String("database", cfg.Database), zap.Uint32("pid", conn.PgConn().PID()))
	return &Conn{conn: conn, autoCommit: true}, nil
}

// Destroy implements resource.Factory
func (f *Factory) Destroy(r resource.Resource) error {
	return r.Close()
}

// IsValid implements resource.Validator
func (f *Factory) IsValid(ctx context.Context, r resource.Resource) bool {
	c, ok := r.(*Conn)
	if !ok || c.conn.IsClosed() {
		return false
	}
	return c.conn.Ping(ctx) == nil
}

// TwoPhaseParticipant implements resource.ParticipantProvider
func (f *Factory) TwoPhaseParticipant(r resource.Resource) (resource.Participant, bool) {
	c, ok := r.(*Conn)
	if !f.twoPhase || !ok {
		return nil, false
	}
	return &participant{conn: c}, true
}

// participant drives one branch with PREPARE TRANSACTION
type participant struct {
	conn *Conn

	mu           sync.Mutex
	prepared     bool
	rollbackOnly bool
}

func (p *participant) exec(ctx context.Context, stmt string) error {
	_, err := p.conn.conn.Exec(ctx, stmt)
	return err
}

func (p *participant) Start(ctx context.Context, _ resource.Xid) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prepared, p.rollbackOnly = false, false
	return p.exec(ctx, "BEGIN")
}

func (p *participant) End(_ context.Context, _ resource.Xid, flag resource.EndFlag) error {
	if flag == resource.EndFail {
		p.mu.Lock()
		p.rollbackOnly = true
		p.mu.Unlock()
	}
	return nil
}

func (p *participant) Prepare(ctx context.Context, xid resource.Xid) (resource.Vote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rollbackOnly {
		_ = p.exec(ctx, "ROLLBACK")
		return resource.VoteCommit, errors.New(errors.ErrorTypeTransaction, "branch is marked rollback-only").
			WithDetail("xid", xid.String())
	}
	if err := p.exec(ctx, "PREPARE TRANSACTION "+quoteLiteral(xid.String())); err != nil {
		return resource.VoteCommit, err
	}
	p.prepared = true
	return resource.VoteCommit, nil
}

func (p *participant) Commit(ctx context.Context, xid resource.Xid, onePhase bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if onePhase {
		return p.exec(ctx, "COMMIT")
	}
	if !p.prepared {
		return errors.New(errors.ErrorTypeTransaction, "two-phase commit of an unprepared branch").
			WithDetail("xid", xid.String())
	}
	p.prepared = false
	return p.exec(ctx, "COMMIT PREPARED "+quoteLiteral(xid.String()))
}

func (p *participant) Rollback(ctx context.Context, xid resource.Xid) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.prepared {
		p.prepared = false
		return p.exec(ctx, "ROLLBACK PREPARED "+quoteLiteral(xid.String()))
	}
	return p.exec(ctx, "ROLLBACK")
}

// quoteLiteral renders s as a SQL string literal
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// Classifier recognizes the PostgreSQL errors that leave a connection
// unusable: connection exceptions (class 08), operator intervention
// shutdowns and crash recovery.
type Classifier struct {
	enlistment.DefaultClassifier
}

var _ enlistment.ExceptionClassifier = Classifier{}

var fatalCodes = map[string]bool{
	"57P01": true, // admin_shutdown
	"57P02": true, // crash_shutdown
	"57P03": true, // cannot_connect_now
}

// IsFatal implements enlistment.ExceptionClassifier
func (c Classifier) IsFatal(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "08") || fatalCodes[pgErr.Code]
	}
	if pgconn.Timeout(err) {
		return false
	}
	return c.DefaultClassifier.IsFatal(err)
}
