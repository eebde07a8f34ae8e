// Package mongodb pools MongoDB clients.
//
// Each resource is a client limited to a single server connection. Local
// transactions run in a client session: turning auto-commit off starts a
// session transaction, and operations join it through Context.
package mongodb

import (
	"context"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/ajitpratap0/txpool/pkg/errors"
	"github.com/ajitpratap0/txpool/pkg/logger"
	"github.com/ajitpratap0/txpool/pkg/resource"
)

// Conn is a pooled MongoDB client bound to one database
type Conn struct {
	client   *mongo.Client
	database string

	mu      sync.Mutex
	session mongo.Session
}

var _ resource.LocalTransactional = (*Conn)(nil)

// Client returns the underlying client
func (c *Conn) Client() *mongo.Client { return c.client }

// Database returns the database the connection was opened for
func (c *Conn) Database() *mongo.Database { return c.client.Database(c.database) }

// Context returns ctx joined to the open session transaction, or ctx
// itself when auto-commit is on
func (c *Conn) Context(ctx context.Context) context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ctx
	}
	return mongo.NewSessionContext(ctx, c.session)
}

// Close implements resource.Resource
func (c *Conn) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.mu.Lock()
	if c.session != nil {
		_ = c.session.AbortTransaction(ctx)
		c.session.EndSession(ctx)
		c.session = nil
	}
	c.mu.Unlock()
	return c.client.Disconnect(ctx)
}

// SetAutoCommit implements resource.LocalTransactional
func (c *Conn) SetAutoCommit(ctx context.Context, on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		if c.session == nil {
			return nil
		}
		err := c.session.CommitTransaction(ctx)
		c.endLocked(ctx)
		return err
	}
	if c.session != nil {
		return nil
	}
	sess, err := c.client.StartSession()
	if err != nil {
		return err
	}
	if err := sess.StartTransaction(); err != nil {
		sess.EndSession(ctx)
		return err
	}
	c.session = sess
	return nil
}

// Commit implements resource.LocalTransactional
func (c *Conn) Commit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	err := c.session.CommitTransaction(ctx)
	c.endLocked(ctx)
	return err
}

// Rollback implements resource.LocalTransactional
func (c *Conn) Rollback(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	err := c.session.AbortTransaction(ctx)
	c.endLocked(ctx)
	return err
}

func (c *Conn) endLocked(ctx context.Context) {
	c.session.EndSession(ctx)
	c.session = nil
}

// Factory connects MongoDB clients
type Factory struct {
	uri      string
	database string
	logger   *zap.Logger
}

var (
	_ resource.Factory   = (*Factory)(nil)
	_ resource.Validator = (*Factory)(nil)
)

// Option configures a Factory
type Option func(*Factory)

// WithDatabase sets the database used when the request names none
func WithDatabase(name string) Option {
	return func(f *Factory) { f.database = name }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(f *Factory) { f.logger = l }
}

// NewFactory creates a factory for uri
func NewFactory(uri string, opts ...Option) (*Factory, error) {
	f := &Factory{uri: uri, database: "test", logger: logger.Get()}
	for _, opt := range opts {
		opt(f)
	}
	if err := f.clientOptions(nil).Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid mongodb uri")
	}
	f.logger = f.logger.With(zap.String("component", "mongodb_factory"))
	return f, nil
}

func (f *Factory) clientOptions(creds *resource.Credentials) *options.ClientOptions {
	opts := options.Client().
		ApplyURI(f.uri).
		SetMaxPoolSize(1).
		SetMinPoolSize(0)
	if creds != nil {
		opts.SetAuth(options.Credential{Username: creds.User, Password: creds.Password})
	}
	return opts
}

// Create implements resource.Factory
func (f *Factory) Create(ctx context.Context, creds *resource.Credentials, desc resource.RequestDescriptor) (resource.Resource, error) {
	client, err := mongo.Connect(ctx, f.clientOptions(creds))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	db := f.database
	if desc.Database != "" {
		db = desc.Database
	}
	f.logger.Debug("opened client", zap.String("database", db))
	return &Conn{client: client, database: db}, nil
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
	return c.client.Ping(ctx, readpref.Primary()) == nil
}
