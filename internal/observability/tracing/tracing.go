// Package tracing provides the Server's OpenTelemetry tracer and meter
// providers: spans across policy evaluation and dispatch, plus a parallel
// OTel counter/histogram pair alongside the Prometheus metrics in
// internal/observability/metrics, following the dual-telemetry shape other
// MCP-gateway code in this pack uses (a Prometheus registry for scraping,
// an OTel meter for the stdout/OTLP debugging path).
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// instrumentationName tags every span and instrument this package emits.
const instrumentationName = "github.com/carapace-gateway/carapace"

// Providers bundles the tracer and meter providers the Server wires at
// startup, so a single deferred Shutdown drains both exporters cleanly.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider

	Tracer trace.Tracer
	Meter  metric.Meter
}

// Setup builds tracer/meter providers that export to stdout, registers them
// as the global OTel providers, and returns them for shutdown. devMode
// controls the trace sample rate only: Carapace has no external trace
// collector configured, so the stdout exporter always runs, but full-rate
// sampling in production would be noisy relative to request volume.
func Setup(ctx context.Context, devMode bool) (*Providers, error) {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", "carapace-server"),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	traceExporter, err := stdouttrace.New(stdouttrace.WithoutTimestamps())
	if err != nil {
		return nil, fmt.Errorf("tracing: build stdout trace exporter: %w", err)
	}

	sampler := sdktrace.TraceIDRatioBased(0.1)
	if devMode {
		sampler = sdktrace.AlwaysSample()
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)
	otel.SetTracerProvider(tp)

	metricExporter, err := stdoutmetric.New()
	if err != nil {
		return nil, fmt.Errorf("tracing: build stdout metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
	)
	otel.SetMeterProvider(mp)

	return &Providers{
		TracerProvider: tp,
		MeterProvider:  mp,
		Tracer:         tp.Tracer(instrumentationName),
		Meter:          mp.Meter(instrumentationName),
	}, nil
}

// Shutdown flushes and closes both providers. Called once from the
// Server's graceful-shutdown path.
func (p *Providers) Shutdown(ctx context.Context) error {
	if err := p.TracerProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("tracing: tracer provider shutdown: %w", err)
	}
	if err := p.MeterProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("tracing: meter provider shutdown: %w", err)
	}
	return nil
}
