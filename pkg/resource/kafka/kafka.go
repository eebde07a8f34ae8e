// Package kafka pools transactional sarama producers.
//
// Every producer gets its own transactional id, derived from the factory's
// prefix. Producers join transactions through the local shim: turning
// auto-commit off begins a Kafka transaction, committing it makes the sent
// messages visible to read-committed consumers, and rollback aborts it.
package kafka

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/ajitpratap0/txpool/pkg/errors"
	"github.com/ajitpratap0/txpool/pkg/logger"
	"github.com/ajitpratap0/txpool/pkg/resource"
)

// txnProducer is the part of sarama.SyncProducer a Producer drives
type txnProducer interface {
	SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error)
	BeginTxn() error
	CommitTxn() error
	AbortTxn() error
	TxnStatus() sarama.ProducerTxnStatusFlag
	Close() error
}

// Producer is a pooled transactional producer
type Producer struct {
	id       string
	client   sarama.Client
	producer txnProducer

	mu sync.Mutex
}

var _ resource.LocalTransactional = (*Producer)(nil)

// TransactionalID returns the producer's transactional id
func (p *Producer) TransactionalID() string { return p.id }

// Send publishes one message; inside a transaction it becomes visible on
// commit
func (p *Producer) Send(_ context.Context, topic string, key, value []byte) (int32, int64, error) {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(value),
	}
	if key != nil {
		msg.Key = sarama.ByteEncoder(key)
	}
	return p.producer.SendMessage(msg)
}

// Close implements resource.Resource
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inTxn() {
		_ = p.producer.AbortTxn()
	}
	err := p.producer.Close()
	if p.client != nil && !p.client.Closed() {
		err = errors.Join(err, p.client.Close())
	}
	return err
}

func (p *Producer) inTxn() bool {
	return p.producer.TxnStatus()&sarama.ProducerTxnFlagInTransaction != 0
}

// SetAutoCommit implements resource.LocalTransactional
func (p *Producer) SetAutoCommit(_ context.Context, on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if on {
		if !p.inTxn() {
			return nil
		}
		return p.producer.CommitTxn()
	}
	if p.inTxn() {
		return nil
	}
	return p.producer.BeginTxn()
}

// Commit implements resource.LocalTransactional
func (p *Producer) Commit(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inTxn() {
		return nil
	}
	return p.producer.CommitTxn()
}

// Rollback implements resource.LocalTransactional
func (p *Producer) Rollback(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inTxn() {
		return nil
	}
	return p.producer.AbortTxn()
}

// Factory creates transactional producers
type Factory struct {
	brokers []string
	prefix  string
	version sarama.KafkaVersion
	logger  *zap.Logger
	seq     atomic.Int64
}

var (
	_ resource.Factory   = (*Factory)(nil)
	_ resource.Validator = (*Factory)(nil)
)

// Option configures a Factory
type Option func(*Factory)

// WithVersion sets the protocol version; transactions need 0.11 or later
func WithVersion(v sarama.KafkaVersion) Option {
	return func(f *Factory) { f.version = v }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(f *Factory) { f.logger = l }
}

// NewFactory creates a factory producing to brokers. prefix is combined
// with a sequence number into each producer's transactional id.
func NewFactory(brokers []string, prefix string, opts ...Option) (*Factory, error) {
	if len(brokers) == 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "at least one broker is required")
	}
	if prefix == "" {
		prefix = "txpool"
	}
	f := &Factory{brokers: brokers, prefix: prefix, version: sarama.V2_6_0_0, logger: logger.Get()}
	for _, opt := range opts {
		opt(f)
	}
	if !f.version.IsAtLeast(sarama.V0_11_0_0) {
		return nil, errors.Newf(errors.ErrorTypeConfig, "kafka version %s does not support transactions", f.version)
	}
	f.logger = f.logger.With(zap.String("component", "kafka_factory"))
	return f, nil
}

// config builds the producer configuration for one transactional id
func (f *Factory) config(id string, creds *resource.Credentials) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = f.version
	cfg.ClientID = id
	cfg.Producer.Idempotent = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Transaction.ID = id
	cfg.Net.MaxOpenRequests = 1

	if creds != nil && creds.User != "" {
		cfg.Net.SASL.Enable = true
		cfg.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		cfg.Net.SASL.User = creds.User
		cfg.Net.SASL.Password = creds.Password
	}
	return cfg
}

// Create implements resource.Factory. The descriptor's Database, when set,
// replaces the transactional id prefix.
func (f *Factory) Create(_ context.Context, creds *resource.Credentials, desc resource.RequestDescriptor) (resource.Resource, error) {
	prefix := f.prefix
	if desc.Database != "" {
		prefix = desc.Database
	}
	id := fmt.Sprintf("%s-%d", prefix, f.seq.Add(1))

	cfg := f.config(id, creds)
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid producer config")
	}
	client, err := sarama.NewClient(f.brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	f.logger.Debug("opened producer", zap.String("transactional_id", id))
	return &Producer{id: id, client: client, producer: producer}, nil
}

// Destroy implements resource.Factory
func (f *Factory) Destroy(r resource.Resource) error {
	return r.Close()
}

// IsValid implements resource.Validator. A producer whose transaction
// manager entered a fatal error state can never be used again.
func (f *Factory) IsValid(_ context.Context, r resource.Resource) bool {
	p, ok := r.(*Producer)
	if !ok {
		return false
	}
	if p.client != nil && p.client.Closed() {
		return false
	}
	return p.producer.TxnStatus()&sarama.ProducerTxnFlagFatalError == 0
}

// Classifier marks producer errors that poison the transactional id as
// fatal
type Classifier struct{}

// IsFatal implements enlistment.ExceptionClassifier
func (Classifier) IsFatal(err error) bool {
	return errors.Is(err, sarama.ErrProducerFenced) ||
		errors.Is(err, sarama.ErrClosedClient) ||
		errors.Is(err, sarama.ErrTransactionalIDAuthorizationFailed)
}

// RollbackOnFatal implements enlistment.ExceptionClassifier. A fenced
// producer cannot abort, so no rollback is attempted.
func (Classifier) RollbackOnFatal() bool { return false }
