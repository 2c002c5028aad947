// Package observability wires OpenTelemetry tracing and metrics for the
// convergence engine: run/cycle spans with OTLP export plus counters for
// submissions, committed facts, and halts by reason.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "converge.engine"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // gRPC endpoint, e.g. "localhost:4317"
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns development defaults. Telemetry is off unless
// explicitly enabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "converge",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
		Insecure:       true,
	}
}

// Provider holds the trace and metric providers plus the engine's
// instruments. The zero-value-like disabled provider no-ops everywhere, so
// callers never branch on whether telemetry is on.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	runsSubmitted  metric.Int64Counter
	factsCommitted metric.Int64Counter
	cyclesExecuted metric.Int64Counter
	haltsTotal     metric.Int64Counter
	runDuration    metric.Float64Histogram
	activeRuns     metric.Int64UpDownCounter
}

// New creates an observability provider and installs it globally.
func New(ctx context.Context, config *Config, logger *slog.Logger) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Provider{
		config: config,
		logger: logger.With("component", "observability"),
	}
	if !config.Enabled {
		p.logger.InfoContext(ctx, "telemetry disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, err
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, err
	}

	p.tracer = otel.Tracer(instrumentationName,
		trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter(instrumentationName,
		metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initInstruments(); err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "telemetry initialized",
		"service", config.ServiceName,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("observability: trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("observability: metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error

	p.runsSubmitted, err = p.meter.Int64Counter("converge.runs.submitted",
		metric.WithDescription("Runs submitted"),
		metric.WithUnit("{run}"))
	if err != nil {
		return err
	}
	p.factsCommitted, err = p.meter.Int64Counter("converge.facts.committed",
		metric.WithDescription("Facts committed to the ledger"),
		metric.WithUnit("{fact}"))
	if err != nil {
		return err
	}
	p.cyclesExecuted, err = p.meter.Int64Counter("converge.cycles.executed",
		metric.WithDescription("Convergence cycles executed"),
		metric.WithUnit("{cycle}"))
	if err != nil {
		return err
	}
	p.haltsTotal, err = p.meter.Int64Counter("converge.halts.total",
		metric.WithDescription("Halted runs by reason"),
		metric.WithUnit("{run}"))
	if err != nil {
		return err
	}
	p.runDuration, err = p.meter.Float64Histogram("converge.run.duration",
		metric.WithDescription("Run duration from submission to terminal state"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300))
	if err != nil {
		return err
	}
	p.activeRuns, err = p.meter.Int64UpDownCounter("converge.runs.active",
		metric.WithDescription("Runs currently being driven"),
		metric.WithUnit("{run}"))
	return err
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "metric provider shutdown failed", "error", err)
		}
	}
	return nil
}

// Tracer returns the engine tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// RecordSubmission counts a run submission.
func (p *Provider) RecordSubmission(ctx context.Context) {
	if p.runsSubmitted != nil {
		p.runsSubmitted.Add(ctx, 1)
	}
}

// RecordFacts counts committed facts for a run.
func (p *Provider) RecordFacts(ctx context.Context, n int64, runID string) {
	if p.factsCommitted != nil {
		p.factsCommitted.Add(ctx, n, metric.WithAttributes(attribute.String("run_id", runID)))
	}
}

// RecordCycle counts one executed cycle.
func (p *Provider) RecordCycle(ctx context.Context, runID string) {
	if p.cyclesExecuted != nil {
		p.cyclesExecuted.Add(ctx, 1, metric.WithAttributes(attribute.String("run_id", runID)))
	}
}

// RecordHalt counts a halted run by reason.
func (p *Provider) RecordHalt(ctx context.Context, reason string) {
	if p.haltsTotal != nil {
		p.haltsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

// TrackRun opens a run span and returns a completion callback that records
// duration, outcome, and the active-run gauge.
func (p *Provider) TrackRun(ctx context.Context, runID string) (context.Context, func(state string)) {
	start := time.Now()
	attrs := []attribute.KeyValue{attribute.String("run_id", runID)}

	ctx, span := p.Tracer().Start(ctx, "run",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...))

	if p.activeRuns != nil {
		p.activeRuns.Add(ctx, 1)
	}
	p.RecordSubmission(ctx)

	return ctx, func(state string) {
		if p.activeRuns != nil {
			p.activeRuns.Add(ctx, -1)
		}
		if p.runDuration != nil {
			p.runDuration.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(attribute.String("state", state)))
		}
		span.SetAttributes(attribute.String("state", state))
		span.End()
	}
}
