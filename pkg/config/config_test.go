package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/txpool/pkg/errors"
)

func TestPoolConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*PoolConfig)
		field  string
	}{
		{"zero max", func(c *PoolConfig) { c.MaxSize = 0 }, "max_size"},
		{"negative min", func(c *PoolConfig) { c.MinSize = -1 }, "min_size"},
		{"min above max", func(c *PoolConfig) { c.MinSize = 11 }, "min_size"},
		{"no blocking timeout", func(c *PoolConfig) { c.BlockingTimeout = 0 }, "blocking_timeout"},
		{"negative idle", func(c *PoolConfig) { c.IdleTimeout = -time.Second }, "idle_timeout"},
		{"no housekeeping", func(c *PoolConfig) { c.HousekeepingPeriod = 0 }, "housekeeping_period"},
		{"no fill workers", func(c *PoolConfig) { c.FillWorkers = 0 }, "fill_workers"},
		{"unknown partitioning", func(c *PoolConfig) { c.Partitioning = "by_moon" }, "partitioning"},
		{"backoff max below initial", func(c *PoolConfig) { c.CreateBackoff.Max = time.Millisecond }, "create_backoff.max"},
		{"backoff shrinking", func(c *PoolConfig) { c.CreateBackoff.Multiplier = 0.5 }, "create_backoff.multiplier"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewPoolConfig("test")
			tt.mutate(&cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

			var e *errors.Error
			require.True(t, errors.As(err, &e))
			assert.Equal(t, tt.field, e.Details["field"])
		})
	}

	assert.NoError(t, NewPoolConfig("ok").Validate())
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "txpool.yaml")
	content := `
pool:
  name: orders
  max_size: 4
  min_size: 1
  blocking_timeout: 250ms
  partitioning: by_credentials
backend:
  driver: postgres
  dsn: ${TXPOOL_TEST_DSN}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("TXPOOL_TEST_DSN", "postgres://localhost/orders")
	t.Setenv("TXPOOL_POOL_IDLE_TIMEOUT", "90s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "orders", cfg.Pool.Name)
	assert.Equal(t, 4, cfg.Pool.MaxSize)
	assert.Equal(t, 1, cfg.Pool.MinSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Pool.BlockingTimeout)
	assert.Equal(t, 90*time.Second, cfg.Pool.IdleTimeout)
	assert.Equal(t, PartitionByCredentials, cfg.Pool.Partitioning)
	assert.Equal(t, "postgres://localhost/orders", cfg.Backend.DSN)

	// untouched keys keep their defaults
	assert.Equal(t, NewPoolConfig("x").HousekeepingPeriod, cfg.Pool.HousekeepingPeriod)
	assert.Equal(t, 2.0, cfg.Pool.CreateBackoff.Multiplier)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pool:\n  max_size: 0\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	cfg := Default()
	cfg.Pool.Name = "saved"
	cfg.Pool.MaxSize = 7

	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "saved", loaded.Pool.Name)
	assert.Equal(t, 7, loaded.Pool.MaxSize)
}
