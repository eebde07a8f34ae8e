// Package testutil provides testing utilities for txpool
package testutil

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/txpool/pkg/config"
)

// TestLogger creates a test logger that writes to the test output.
// The logger is automatically cleaned up when the test completes.
func TestLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

// TestContext creates a test context with a 30-second timeout.
// The caller must call the returned cancel function to avoid leaks.
func TestContext(_ *testing.T) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// PoolConfig returns a pool configuration with short timings suited to
// tests. Housekeeping is effectively manual: the period is long enough
// that tests call Housekeep themselves.
func PoolConfig(name string) config.PoolConfig {
	cfg := config.NewPoolConfig(name)
	cfg.MaxSize = 4
	cfg.BlockingTimeout = time.Second
	cfg.IdleTimeout = 0
	cfg.MaxLifetime = 0
	cfg.AliveBypassWindow = 0
	cfg.HousekeepingPeriod = time.Hour
	cfg.ShutdownGrace = 100 * time.Millisecond
	cfg.CreateBackoff = config.BackoffConfig{
		Initial:    time.Millisecond,
		Max:        20 * time.Millisecond,
		Multiplier: 2,
	}
	return cfg
}

// AssertEventually asserts that a condition becomes true within the specified timeout.
// It checks the condition every 10ms until it succeeds or the timeout expires.
func AssertEventually(t *testing.T, condition func() bool, timeout time.Duration, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("condition not met within %v: %s", timeout, msg)
}
