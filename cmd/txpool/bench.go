package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/txpool/pkg/config"
	"github.com/ajitpratap0/txpool/pkg/enlistment"
	"github.com/ajitpratap0/txpool/pkg/errors"
	"github.com/ajitpratap0/txpool/pkg/handle"
	"github.com/ajitpratap0/txpool/pkg/json"
	"github.com/ajitpratap0/txpool/pkg/logger"
	"github.com/ajitpratap0/txpool/pkg/metrics"
	"github.com/ajitpratap0/txpool/pkg/observability"
	"github.com/ajitpratap0/txpool/pkg/pool"
	"github.com/ajitpratap0/txpool/pkg/transaction"
)

// benchOptions controls a load test run
type benchOptions struct {
	Workers     int           `json:"workers"`
	Duration    time.Duration `json:"duration"`
	Hold        time.Duration `json:"hold"`
	Report      time.Duration `json:"report"`
	MetricsAddr string        `json:"metrics_addr,omitempty"`
}

// benchSummary is the final report of a run
type benchSummary struct {
	Options   benchOptions  `json:"options"`
	Borrows   int64         `json:"borrows"`
	Failures  int64         `json:"failures"`
	Elapsed   time.Duration `json:"elapsed"`
	PerSecond float64       `json:"borrows_per_second"`
	P50       time.Duration `json:"p50_wait"`
	P95       time.Duration `json:"p95_wait"`
	P99       time.Duration `json:"p99_wait"`
	Stats     pool.Stats    `json:"stats"`
}

func newBenchCommand(cfg func() config.Config) *cobra.Command {
	opts := benchOptions{}
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Load test a pool against the configured backend",
		Long: `Run concurrent borrowers against a pool built from the configuration and
report wait-time percentiles. Pool stats are printed as JSON lines every
report interval. Without a backend driver an in-memory resource is used.

Example:
  txpool bench --config pool.yaml --workers 64 --duration 30s --hold 5ms`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runBench(ctx, cfg(), opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVarP(&opts.Workers, "workers", "w", 16, "Number of concurrent borrowers")
	cmd.Flags().DurationVarP(&opts.Duration, "duration", "d", 10*time.Second, "How long to run")
	cmd.Flags().DurationVar(&opts.Hold, "hold", time.Millisecond, "How long each borrower keeps its handle")
	cmd.Flags().DurationVar(&opts.Report, "report", time.Second, "Interval between stats reports (0 disables)")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address during the run")
	return cmd
}

func runBench(ctx context.Context, cfg config.Config, opts benchOptions, out io.Writer) error {
	log := logger.Component("bench")

	factory, classifier, err := newFactory(cfg.Backend, log)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	p, err := pool.New(factory, cfg.Pool,
		pool.WithLogger(log),
		pool.WithMetrics(metrics.NewPoolMetrics(reg)))
	if err != nil {
		return err
	}
	reg.MustRegister(metrics.NewStatsCollector(p.Snapshot))

	tracing, err := observability.InitTracing(cfg.Tracing, version, os.Stderr)
	if err != nil {
		_ = p.Close()
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Warn("failed to flush spans", zap.Error(err))
		}
	}()

	coord := enlistment.NewCoordinator(factory,
		enlistment.WithClassifier(classifier),
		enlistment.WithExplicitCommit(cfg.Pool.ExplicitCommitBeforeAutoCommit),
		enlistment.WithLogger(log))
	cache := transaction.NewCache(p, transaction.ContextManager{}, coord, transaction.WithLogger(log))
	dispenser := handle.NewBuilder().
		Use(handle.NewTracingStage(tracing.Tracer())).
		Use(handle.NewTransactionStage(cache, coord)).
		Build(handle.NewPoolStage(p, coord))

	if opts.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              opts.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	log.Info("starting bench",
		zap.Int("workers", opts.Workers),
		zap.Duration("duration", opts.Duration),
		zap.Int("max_size", cfg.Pool.MaxSize),
		zap.String("driver", cfg.Backend.Driver))

	runCtx, cancel := context.WithTimeout(ctx, opts.Duration)
	defer cancel()

	enc := json.NewLinesEncoder(out)
	latency := metrics.NewLatencyTracker(100000)
	var borrows, failures atomic.Int64

	g, gctx := errgroup.WithContext(runCtx)
	for i := 0; i < opts.Workers; i++ {
		wctx := context.WithValue(gctx, logger.RequestIDKey, fmt.Sprintf("worker-%d", i))
		wctx = context.WithValue(wctx, logger.PoolKey, cfg.Pool.Name)
		g.Go(func() error {
			for gctx.Err() == nil {
				timer := metrics.NewTimer("acquire")
				h, err := dispenser.Get(wctx, handle.Request{})
				if err != nil {
					if gctx.Err() == nil {
						failures.Add(1)
						logger.WithContext(wctx).Debug("borrow failed",
							zap.String("error_type", string(errors.TypeOf(err))), zap.Error(err))
					}
					continue
				}
				latency.Record(timer.Stop())
				borrows.Add(1)
				if opts.Hold > 0 {
					time.Sleep(opts.Hold)
				}
				_ = h.Close()
			}
			return nil
		})
	}
	if opts.Report > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(opts.Report)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					if err := enc.Encode(p.Stats()); err != nil {
						return err
					}
				}
			}
		})
	}

	start := time.Now()
	runErr := g.Wait()
	elapsed := time.Since(start)

	summary := benchSummary{
		Options:   opts,
		Borrows:   borrows.Load(),
		Failures:  failures.Load(),
		Elapsed:   elapsed,
		PerSecond: float64(borrows.Load()) / elapsed.Seconds(),
		P50:       latency.GetPercentile(50),
		P95:       latency.GetPercentile(95),
		P99:       latency.GetPercentile(99),
		Stats:     p.Stats(),
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Pool.ShutdownGrace+time.Second)
	defer cancelShutdown()
	if err := p.Shutdown(shutdownCtx); err != nil {
		log.Warn("pool shutdown incomplete", zap.Error(err))
	}

	if runErr != nil {
		return fmt.Errorf("bench failed: %w", runErr)
	}
	return json.MarshalToWriter(out, summary, "  ")
}
