// Package observability wires OpenTelemetry tracing for the txpool tools
package observability

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/ajitpratap0/txpool/pkg/config"
)

// Tracing owns a tracer provider exporting to a writer
type Tracing struct {
	provider *sdktrace.TracerProvider
	name     string
}

// InitTracing builds a tracer provider that writes spans as JSON to w and
// installs it, together with the W3C propagators, as the global provider.
// Spans are only sampled when cfg.Enabled is set.
func InitTracing(cfg config.TracingConfig, version string, w io.Writer) (*Tracing, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "txpool"
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(name),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	sampler := sdktrace.NeverSample()
	if cfg.Enabled {
		sampler = sdktrace.AlwaysSample()
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return &Tracing{provider: tp, name: name}, nil
}

// Tracer returns the service tracer
func (t *Tracing) Tracer() trace.Tracer {
	return t.provider.Tracer(t.name)
}

// Shutdown flushes pending spans and stops the exporter
func (t *Tracing) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}
