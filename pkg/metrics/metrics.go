// Package metrics exposes pool activity as Prometheus metrics.
//
// # Overview
//
// The metrics package provides:
//   - PoolMetrics: counters and a wait histogram recorded by the pool itself
//   - StatsCollector: live gauges read from pool snapshots at scrape time
//   - Timer and LatencyTracker: helpers used by the load test command
//
// # Basic Usage
//
//	reg := prometheus.NewRegistry()
//	m := metrics.NewPoolMetrics(reg)
//	p, err := pool.New(factory, cfg, pool.WithMetrics(m))
//	...
//	reg.MustRegister(metrics.NewStatsCollector(p.Snapshot))
//
// A nil *PoolMetrics is valid and records nothing, so components can call
// it unconditionally.
package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "txpool"

// PoolMetrics records pool events. Every metric is labeled with the pool name.
type PoolMetrics struct {
	borrows        *prometheus.CounterVec
	timeouts       *prometheus.CounterVec
	creations      *prometheus.CounterVec
	createFailures *prometheus.CounterVec
	destroys       *prometheus.CounterVec // labels: pool, reason
	borrowWait     *prometheus.HistogramVec
}

// NewPoolMetrics creates the pool metrics and registers them with reg.
// A nil reg leaves them unregistered, which is convenient in tests.
func NewPoolMetrics(reg prometheus.Registerer) *PoolMetrics {
	factory := promauto.With(reg)
	return &PoolMetrics{
		borrows: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "borrows_total",
				Help:      "Total number of entries dispensed",
			},
			[]string{"pool"},
		),
		timeouts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "borrow_timeouts_total",
				Help:      "Total number of borrows that gave up waiting",
			},
			[]string{"pool"},
		),
		creations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resources_created_total",
				Help:      "Total number of physical resources created",
			},
			[]string{"pool"},
		),
		createFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resource_create_failures_total",
				Help:      "Total number of failed resource creations",
			},
			[]string{"pool"},
		),
		destroys: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resources_destroyed_total",
				Help:      "Total number of physical resources destroyed",
			},
			[]string{"pool", "reason"},
		),
		borrowWait: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "borrow_wait_seconds",
				Help:      "Time spent in Borrow before an entry was dispensed",
				Buckets: []float64{
					0.0001, // 100μs - idle hit
					0.001,  // 1ms
					0.01,   // 10ms - fresh connection
					0.1,    // 100ms
					1,      // 1s - contended
					10,
				},
			},
			[]string{"pool"},
		),
	}
}

// Borrowed records a dispensed entry and how long the borrower waited
func (m *PoolMetrics) Borrowed(pool string, wait time.Duration) {
	if m == nil {
		return
	}
	m.borrows.WithLabelValues(pool).Inc()
	m.borrowWait.WithLabelValues(pool).Observe(wait.Seconds())
}

// TimedOut records a borrow that ran out of time
func (m *PoolMetrics) TimedOut(pool string) {
	if m == nil {
		return
	}
	m.timeouts.WithLabelValues(pool).Inc()
}

// Created records a new physical resource
func (m *PoolMetrics) Created(pool string) {
	if m == nil {
		return
	}
	m.creations.WithLabelValues(pool).Inc()
}

// CreateFailed records a failed creation
func (m *PoolMetrics) CreateFailed(pool string) {
	if m == nil {
		return
	}
	m.createFailures.WithLabelValues(pool).Inc()
}

// Destroyed records a destroyed resource and why it was destroyed
func (m *PoolMetrics) Destroyed(pool, reason string) {
	if m == nil {
		return
	}
	m.destroys.WithLabelValues(pool, reason).Inc()
}

// Snapshot is the live state of one pool as seen by StatsCollector
type Snapshot struct {
	Pool       string
	Total      int
	Idle       int
	InUse      int
	Waiters    int
	MaxSize    int
	Partitions int
}

// SnapshotFunc returns the current state of a pool
type SnapshotFunc func() Snapshot

// StatsCollector is a prometheus.Collector that reads pool sizes at scrape
// time instead of tracking them on every state change
type StatsCollector struct {
	sources []SnapshotFunc

	total      *prometheus.Desc
	idle       *prometheus.Desc
	inUse      *prometheus.Desc
	waiters    *prometheus.Desc
	maxSize    *prometheus.Desc
	partitions *prometheus.Desc
}

// NewStatsCollector creates a collector over one or more pools
func NewStatsCollector(sources ...SnapshotFunc) *StatsCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "pool", name), help, []string{"pool"}, nil)
	}
	return &StatsCollector{
		sources:    sources,
		total:      desc("entries", "Live entries"),
		idle:       desc("idle_entries", "Idle entries"),
		inUse:      desc("in_use_entries", "Checked out entries"),
		waiters:    desc("waiters", "Borrowers waiting for an entry"),
		maxSize:    desc("max_size", "Configured maximum size per partition"),
		partitions: desc("partitions", "Number of partitions"),
	}
}

// Describe implements prometheus.Collector
func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.total
	ch <- c.idle
	ch <- c.inUse
	ch <- c.waiters
	ch <- c.maxSize
	ch <- c.partitions
}

// Collect implements prometheus.Collector
func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	for _, source := range c.sources {
		s := source()
		gauge := func(d *prometheus.Desc, v int) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v), s.Pool)
		}
		gauge(c.total, s.Total)
		gauge(c.idle, s.Idle)
		gauge(c.inUse, s.InUse)
		gauge(c.waiters, s.Waiters)
		gauge(c.maxSize, s.MaxSize)
		gauge(c.partitions, s.Partitions)
	}
}

// Timer provides a simple timing mechanism for measuring operation durations.
// It captures the start time on creation and calculates elapsed time on stop.
type Timer struct {
	start time.Time
	name  string
}

// NewTimer creates a new timer and starts timing immediately
func NewTimer(name string) *Timer {
	return &Timer{
		start: time.Now(),
		name:  name,
	}
}

// Name returns the name the timer was created with
func (t *Timer) Name() string { return t.name }

// Stop returns the elapsed duration since creation. It can be called
// repeatedly.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// LatencyTracker keeps the most recent latencies for percentile reporting
type LatencyTracker struct {
	mu      sync.Mutex
	values  []time.Duration
	maxSize int
}

// NewLatencyTracker creates a tracker holding at most maxSize samples
func NewLatencyTracker(maxSize int) *LatencyTracker {
	return &LatencyTracker{
		values:  make([]time.Duration, 0, maxSize),
		maxSize: maxSize,
	}
}

// Record records a latency value
func (l *LatencyTracker) Record(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.values) >= l.maxSize {
		// Remove oldest
		l.values = l.values[1:]
	}
	l.values = append(l.values, d)
}

// Count returns the number of samples held
func (l *LatencyTracker) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.values)
}

// GetPercentile returns the percentile value (0-100)
func (l *LatencyTracker) GetPercentile(p float64) time.Duration {
	l.mu.Lock()
	if len(l.values) == 0 {
		l.mu.Unlock()
		return 0
	}
	sorted := append([]time.Duration(nil), l.values...)
	l.mu.Unlock()

	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	index := int(float64(len(sorted)) * p / 100)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}
