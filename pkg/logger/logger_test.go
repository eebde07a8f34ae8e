package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)

	l, err := New(Config{Level: "debug", Encoding: "console"})
	require.NoError(t, err)
	assert.NotNil(t, l)
}

func TestWithContextAddsFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	mu.Lock()
	prev := globalLogger
	globalLogger = zap.New(core)
	mu.Unlock()
	t.Cleanup(func() {
		mu.Lock()
		globalLogger = prev
		mu.Unlock()
	})

	ctx := context.WithValue(context.Background(), PoolKey, "orders")
	ctx = context.WithValue(ctx, TransactionIDKey, "tx-1")
	WithContext(ctx).Info("borrowed")
	Component("pool").Info("filled")

	entries := logs.All()
	require.Len(t, entries, 2)
	fields := entries[0].ContextMap()
	assert.Equal(t, "orders", fields["pool"])
	assert.Equal(t, "tx-1", fields["transaction_id"])
	assert.Equal(t, "pool", entries[1].ContextMap()["component"])
}

func TestContextFields(t *testing.T) {
	assert.Empty(t, ContextFields(context.Background()))

	ctx := context.WithValue(context.Background(), TransactionIDKey, "tx-2")
	ctx = context.WithValue(ctx, RequestIDKey, "worker-0")
	fields := ContextFields(ctx)
	assert.Equal(t, []zap.Field{zap.String("transaction_id", "tx-2"), zap.String("request_id", "worker-0")}, fields)
}
