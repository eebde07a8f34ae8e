// Package config provides the configuration surface consumed by txpool.
//
// The configuration is organized into sections:
//   - Pool: sizing, timeouts, eviction and partitioning of one pool
//   - Logging: zap logger settings
//   - Backend: which resource factory the command line tools build
//   - Tracing: span export for the command line tools
//
// Example usage:
//
//	cfg := config.NewPoolConfig("orders-db")
//	cfg.MaxSize = 20
//	cfg.BlockingTimeout = 2 * time.Second
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"time"

	"github.com/ajitpratap0/txpool/pkg/errors"
	"github.com/ajitpratap0/txpool/pkg/logger"
)

// PartitionStrategy selects how requests are split into sub-pools
type PartitionStrategy string

const (
	// PartitionNone keeps a single partition per pool
	PartitionNone PartitionStrategy = "none"
	// PartitionByCredentials keys partitions by the requesting user
	PartitionByCredentials PartitionStrategy = "by_credentials"
	// PartitionByDescriptor keys partitions by user and request descriptor
	PartitionByDescriptor PartitionStrategy = "by_descriptor"
)

// Config is the top level file layout read by Load
type Config struct {
	Pool    PoolConfig    `yaml:"pool" mapstructure:"pool"`
	Logging logger.Config `yaml:"logging" mapstructure:"logging"`
	Backend BackendConfig `yaml:"backend" mapstructure:"backend"`
	Tracing TracingConfig `yaml:"tracing" mapstructure:"tracing"`
}

// PoolConfig contains the sizing and timing settings of one pool.
// Zero durations disable the corresponding feature unless noted.
type PoolConfig struct {
	// Name identifies the pool in logs and metrics
	Name string `yaml:"name" mapstructure:"name"`
	// MinSize is the idle stock housekeeping refills toward
	MinSize int `yaml:"min_size" mapstructure:"min_size"`
	// MaxSize bounds live entries per partition
	MaxSize int `yaml:"max_size" mapstructure:"max_size"`
	// BlockingTimeout bounds Borrow when the context has no deadline (required)
	BlockingTimeout time.Duration `yaml:"blocking_timeout" mapstructure:"blocking_timeout"`
	// IdleTimeout evicts idle entries above MinSize
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	// MaxLifetime evicts entries regardless of use, with jitter
	MaxLifetime time.Duration `yaml:"max_lifetime" mapstructure:"max_lifetime"`
	// AliveBypassWindow skips the liveness check for recently used entries
	AliveBypassWindow time.Duration `yaml:"alive_bypass_window" mapstructure:"alive_bypass_window"`
	// ValidationPeriod drives background validation of idle entries
	ValidationPeriod time.Duration `yaml:"validation_period" mapstructure:"validation_period"`
	// HousekeepingPeriod drives idle eviction and refill (required)
	HousekeepingPeriod time.Duration `yaml:"housekeeping_period" mapstructure:"housekeeping_period"`
	// ShutdownGrace is how long Shutdown waits for checked-out entries
	ShutdownGrace time.Duration `yaml:"shutdown_grace" mapstructure:"shutdown_grace"`
	// Partitioning selects the partition key
	Partitioning PartitionStrategy `yaml:"partitioning" mapstructure:"partitioning"`
	// FillWorkers bounds concurrent background creations
	FillWorkers int `yaml:"fill_workers" mapstructure:"fill_workers"`
	// CreateBackoff controls retries of failed creations
	CreateBackoff BackoffConfig `yaml:"create_backoff" mapstructure:"create_backoff"`
	// ExplicitCommitBeforeAutoCommit makes the local transaction shim issue
	// COMMIT before re-enabling auto-commit
	ExplicitCommitBeforeAutoCommit bool `yaml:"explicit_commit_before_auto_commit" mapstructure:"explicit_commit_before_auto_commit"`
}

// BackoffConfig is an exponential backoff schedule
type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial" mapstructure:"initial"`
	Max        time.Duration `yaml:"max" mapstructure:"max"`
	Multiplier float64       `yaml:"multiplier" mapstructure:"multiplier"`
}

// BackendConfig selects and parameterizes a resource factory
type BackendConfig struct {
	// Driver is one of postgres, mysql, sqlite3, snowflake, mongodb, kafka
	Driver string `yaml:"driver" mapstructure:"driver"`
	// DSN is the connection string for database drivers
	DSN string `yaml:"dsn" mapstructure:"dsn"`
	// Brokers lists Kafka bootstrap servers
	Brokers []string `yaml:"brokers" mapstructure:"brokers"`
	// TransactionalID prefixes Kafka transactional producer ids
	TransactionalID string `yaml:"transactional_id" mapstructure:"transactional_id"`
	// ConnectTimeout bounds a single create call
	ConnectTimeout time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout"`
}

// TracingConfig controls span export in the command line tools
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled" mapstructure:"enabled"`
	ServiceName string `yaml:"service_name" mapstructure:"service_name"`
}

// NewPoolConfig creates a PoolConfig with production defaults
func NewPoolConfig(name string) PoolConfig {
	return PoolConfig{
		Name:               name,
		MinSize:            0,
		MaxSize:            10,
		BlockingTimeout:    30 * time.Second,
		IdleTimeout:        10 * time.Minute,
		MaxLifetime:        30 * time.Minute,
		AliveBypassWindow:  500 * time.Millisecond,
		ValidationPeriod:   0,
		HousekeepingPeriod: 30 * time.Second,
		ShutdownGrace:      5 * time.Second,
		Partitioning:       PartitionNone,
		FillWorkers:        2,
		CreateBackoff: BackoffConfig{
			Initial:    50 * time.Millisecond,
			Max:        5 * time.Second,
			Multiplier: 2.0,
		},
	}
}

// Default returns a full Config with defaults in every section
func Default() Config {
	return Config{
		Pool:    NewPoolConfig("default"),
		Logging: logger.Config{Level: "info", Encoding: "json"},
		Backend: BackendConfig{ConnectTimeout: 10 * time.Second},
		Tracing: TracingConfig{ServiceName: "txpool"},
	}
}

// Validate rejects sizes and timeouts the pool cannot honor.
// The returned error has type errors.ErrorTypeConfig.
func (c PoolConfig) Validate() error {
	switch {
	case c.MaxSize < 1:
		return invalid("max_size", c.MaxSize, "must be at least 1")
	case c.MinSize < 0:
		return invalid("min_size", c.MinSize, "cannot be negative")
	case c.MinSize > c.MaxSize:
		return invalid("min_size", c.MinSize, "cannot exceed max_size")
	case c.BlockingTimeout <= 0:
		return invalid("blocking_timeout", c.BlockingTimeout, "must be positive")
	case c.IdleTimeout < 0:
		return invalid("idle_timeout", c.IdleTimeout, "cannot be negative")
	case c.MaxLifetime < 0:
		return invalid("max_lifetime", c.MaxLifetime, "cannot be negative")
	case c.AliveBypassWindow < 0:
		return invalid("alive_bypass_window", c.AliveBypassWindow, "cannot be negative")
	case c.ValidationPeriod < 0:
		return invalid("validation_period", c.ValidationPeriod, "cannot be negative")
	case c.HousekeepingPeriod <= 0:
		return invalid("housekeeping_period", c.HousekeepingPeriod, "must be positive")
	case c.ShutdownGrace < 0:
		return invalid("shutdown_grace", c.ShutdownGrace, "cannot be negative")
	case c.FillWorkers < 1:
		return invalid("fill_workers", c.FillWorkers, "must be at least 1")
	}

	switch c.Partitioning {
	case PartitionNone, PartitionByCredentials, PartitionByDescriptor:
	case "":
		return invalid("partitioning", c.Partitioning, "is required")
	default:
		return invalid("partitioning", c.Partitioning, "unknown strategy")
	}

	return c.CreateBackoff.Validate()
}

// Validate checks the backoff schedule
func (b BackoffConfig) Validate() error {
	switch {
	case b.Initial <= 0:
		return invalid("create_backoff.initial", b.Initial, "must be positive")
	case b.Max < b.Initial:
		return invalid("create_backoff.max", b.Max, "cannot be below initial")
	case b.Multiplier < 1:
		return invalid("create_backoff.multiplier", b.Multiplier, "must be at least 1")
	}
	return nil
}

// Validate validates every section that has rules
func (c Config) Validate() error {
	return c.Pool.Validate()
}

func invalid(field string, value interface{}, reason string) error {
	return errors.Newf(errors.ErrorTypeConfig, "%s %s", field, reason).
		WithDetail("field", field).
		WithDetail("value", value)
}
