package kafka

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/txpool/pkg/enlistment"
	"github.com/ajitpratap0/txpool/pkg/errors"
	"github.com/ajitpratap0/txpool/pkg/resource"
	"github.com/ajitpratap0/txpool/pkg/testutil"
)

// fakeProducer models the producer transaction state machine
type fakeProducer struct {
	mu        sync.Mutex
	status    sarama.ProducerTxnStatusFlag
	pending   []string
	committed []string
	closed    bool
}

func newFakeProducer() *fakeProducer {
	return &fakeProducer{status: sarama.ProducerTxnFlagReady}
}

func (f *fakeProducer) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, _ := msg.Value.Encode()
	if f.status&sarama.ProducerTxnFlagInTransaction == 0 {
		return 0, 0, sarama.ErrTransactionNotReady
	}
	f.pending = append(f.pending, string(b))
	return 0, int64(len(f.pending)), nil
}

func (f *fakeProducer) BeginTxn() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = sarama.ProducerTxnFlagInTransaction
	return nil
}

func (f *fakeProducer) CommitTxn() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, f.pending...)
	f.pending = nil
	f.status = sarama.ProducerTxnFlagReady
	return nil
}

func (f *fakeProducer) AbortTxn() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = nil
	f.status = sarama.ProducerTxnFlagReady
	return nil
}

func (f *fakeProducer) TxnStatus() sarama.ProducerTxnStatusFlag {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeProducer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeProducer) Committed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.committed...)
}

func TestProducerLocalTransactions(t *testing.T) {
	ctx := context.Background()
	fp := newFakeProducer()
	p := &Producer{id: "txpool-1", producer: fp}

	require.NoError(t, p.SetAutoCommit(ctx, false))
	_, _, err := p.Send(ctx, "orders", nil, []byte("a"))
	require.NoError(t, err)
	require.NoError(t, p.Rollback(ctx))
	require.NoError(t, p.SetAutoCommit(ctx, true))
	assert.Empty(t, fp.Committed())

	require.NoError(t, p.SetAutoCommit(ctx, false))
	require.NoError(t, p.SetAutoCommit(ctx, false))
	_, _, err = p.Send(ctx, "orders", []byte("k"), []byte("b"))
	require.NoError(t, err)
	require.NoError(t, p.SetAutoCommit(ctx, true))
	assert.Equal(t, []string{"b"}, fp.Committed())

	require.NoError(t, p.Commit(ctx))
	require.NoError(t, p.Close())
	assert.True(t, fp.closed)
}

func TestCloseAbortsOpenTransaction(t *testing.T) {
	ctx := context.Background()
	fp := newFakeProducer()
	p := &Producer{id: "txpool-1", producer: fp}

	require.NoError(t, p.SetAutoCommit(ctx, false))
	_, _, err := p.Send(ctx, "orders", nil, []byte("a"))
	require.NoError(t, err)
	require.NoError(t, p.Close())
	assert.Empty(t, fp.Committed())
	assert.Equal(t, sarama.ProducerTxnFlagReady, fp.TxnStatus())
}

func TestIsValid(t *testing.T) {
	f, err := NewFactory([]string{"localhost:9092"}, "", WithLogger(testutil.TestLogger(t)))
	require.NoError(t, err)
	fp := newFakeProducer()
	p := &Producer{producer: fp}

	assert.True(t, f.IsValid(context.Background(), p))
	fp.status = sarama.ProducerTxnFlagInError | sarama.ProducerTxnFlagFatalError
	assert.False(t, f.IsValid(context.Background(), p))
	assert.False(t, f.IsValid(context.Background(), &testutil.FakeResource{}))
}

func TestNewFactory(t *testing.T) {
	_, err := NewFactory(nil, "orders")
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	_, err = NewFactory([]string{"localhost:9092"}, "orders", WithVersion(sarama.V0_10_2_0))
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	f, err := NewFactory([]string{"localhost:9092"}, "")
	require.NoError(t, err)
	assert.Equal(t, "txpool", f.prefix)
}

func TestProducerConfig(t *testing.T) {
	f, err := NewFactory([]string{"localhost:9092"}, "orders")
	require.NoError(t, err)

	cfg := f.config("orders-1", &resource.Credentials{User: "app", Password: "secret"})
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "orders-1", cfg.Producer.Transaction.ID)
	assert.True(t, cfg.Producer.Idempotent)
	assert.True(t, cfg.Net.SASL.Enable)
	assert.Equal(t, "app", cfg.Net.SASL.User)

	cfg = f.config("orders-2", nil)
	assert.False(t, cfg.Net.SASL.Enable)
}

func TestClassifier(t *testing.T) {
	var c enlistment.ExceptionClassifier = Classifier{}
	assert.True(t, c.IsFatal(fmt.Errorf("commit: %w", sarama.ErrProducerFenced)))
	assert.True(t, c.IsFatal(sarama.ErrClosedClient))
	assert.False(t, c.IsFatal(sarama.ErrNotLeaderForPartition))
	assert.False(t, c.RollbackOnFatal())
}

// TestFactoryAgainstBroker needs a broker in TXPOOL_KAFKA_BROKER
func TestFactoryAgainstBroker(t *testing.T) {
	testutil.IntegrationTest(t)
	broker := testutil.RequireEnv(t, "TXPOOL_KAFKA_BROKER")
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	f, err := NewFactory([]string{broker}, "txpool-test", WithLogger(testutil.TestLogger(t)))
	require.NoError(t, err)

	r, err := f.Create(ctx, nil, resource.RequestDescriptor{})
	require.NoError(t, err)
	p := r.(*Producer)
	assert.True(t, f.IsValid(ctx, r))

	require.NoError(t, p.SetAutoCommit(ctx, false))
	_, _, err = p.Send(ctx, "txpool-test", nil, []byte("hello"))
	require.NoError(t, err)
	require.NoError(t, p.SetAutoCommit(ctx, true))

	require.NoError(t, f.Destroy(r))
	assert.False(t, f.IsValid(ctx, r))
}
