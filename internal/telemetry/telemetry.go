// Package telemetry initializes OpenTelemetry tracing and metrics exporters
// and holds the instruments recorded by the run controller.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const scope = "badgerctl/runner"

// Shutdown flushes and stops the providers installed by Init.
type Shutdown func(ctx context.Context) error

// Init configures the global OpenTelemetry tracer and meter providers.
// If endpoint is empty, OTEL is disabled and no-op providers are used.
func Init(ctx context.Context, endpoint, serviceName, version string, insecure bool) (Shutdown, error) {
	if endpoint == "" {
		return func(ctx context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	traceOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if insecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
	}
	traceExp, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	metricOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(endpoint)}
	if insecure {
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}
	metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(15*time.Second)),
		),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	return func(ctx context.Context) error {
		var firstErr error
		if err := tp.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := mp.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		return firstErr
	}, nil
}

// Tracer returns the tracer used around runs.
func Tracer() trace.Tracer {
	return otel.Tracer(scope)
}

// RunMetrics records counters for one run. The zero value is not usable; use NewRunMetrics.
type RunMetrics struct {
	attrs       metric.MeasurementOption
	evaluations metric.Int64Counter
	archives    metric.Int64Counter
	archiveFail metric.Int64Counter
	outcomes    metric.Int64Counter
	duration    metric.Float64Histogram
}

// NewRunMetrics creates instruments from the global meter provider.
// Instruments that fail to register fall back to no-ops.
func NewRunMetrics(routineName string) *RunMetrics {
	meter := otel.GetMeterProvider().Meter(scope)
	m := &RunMetrics{attrs: metric.WithAttributes(attribute.String("badger.routine", routineName))}

	m.evaluations, _ = meter.Int64Counter("badger.run.evaluations",
		metric.WithDescription("Rows appended to run records"))
	m.archives, _ = meter.Int64Counter("badger.run.archive_attempts",
		metric.WithDescription("Run record persistence attempts"))
	m.archiveFail, _ = meter.Int64Counter("badger.run.archive_failures",
		metric.WithDescription("Run record persistence attempts that failed"))
	m.outcomes, _ = meter.Int64Counter("badger.run.outcomes",
		metric.WithDescription("Finished runs by outcome"))
	m.duration, _ = meter.Float64Histogram("badger.run.duration",
		metric.WithUnit("s"))
	return m
}

func (m *RunMetrics) Evaluations(ctx context.Context, n int) {
	if m.evaluations != nil {
		m.evaluations.Add(ctx, int64(n), m.attrs)
	}
}

func (m *RunMetrics) ArchiveAttempt(ctx context.Context, err error) {
	if m.archives != nil {
		m.archives.Add(ctx, 1, m.attrs)
	}
	if err != nil && m.archiveFail != nil {
		m.archiveFail.Add(ctx, 1, m.attrs)
	}
}

// Outcome records how a run ended: completed, terminated or failed.
func (m *RunMetrics) Outcome(ctx context.Context, outcome string, elapsed time.Duration) {
	if m.outcomes != nil {
		m.outcomes.Add(ctx, 1, m.attrs, metric.WithAttributes(attribute.String("badger.outcome", outcome)))
	}
	if m.duration != nil {
		m.duration.Record(ctx, elapsed.Seconds(), m.attrs)
	}
}
