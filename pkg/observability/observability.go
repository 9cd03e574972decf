// Package observability provides OpenTelemetry tracing and metrics for spendvault.
//
// Metrics follow the RED pattern (rate, errors, duration) per tracked operation,
// plus counters for ladder attempts, execution outcomes and activity syncs.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
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

const (
	instrumentationName = "spendvault"
	exportInterval      = 15 * time.Second
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // e.g. "localhost:4317" for gRPC
	SampleRate     float64       // 0.0 to 1.0
	BatchTimeout   time.Duration // how long spans wait before a batch export
	Enabled        bool
	Insecure       bool // plaintext gRPC (dev only)
}

// DefaultConfig returns defaults with export disabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "spendvault",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
		Insecure:       true,
	}
}

// Provider manages OpenTelemetry trace and metric providers.
// A disabled Provider still works: it records into the global no-op providers.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	// RED metrics
	requestCounter   metric.Int64Counter
	errorCounter     metric.Int64Counter
	durationHist     metric.Float64Histogram
	activeOperations metric.Int64UpDownCounter

	// domain counters
	attemptCounter   metric.Int64Counter
	executionCounter metric.Int64Counter
	syncCounter      metric.Int64Counter
}

// New builds a provider. With Enabled false nothing leaves the process, but
// every recording method still works against the global no-op providers.
func New(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	p := &Provider{config: cfg, logger: slog.Default().With("component", "observability")}

	if cfg.Enabled {
		res, err := serviceResource(cfg)
		if err != nil {
			return nil, err
		}
		if err := p.startExporters(ctx, res); err != nil {
			return nil, err
		}
		p.logger.InfoContext(ctx, "exporting telemetry",
			"endpoint", cfg.OTLPEndpoint, "environment", cfg.Environment, "sample_rate", cfg.SampleRate)
	}

	p.tracer = otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(cfg.ServiceVersion))
	p.meter = otel.Meter(instrumentationName, metric.WithInstrumentationVersion(cfg.ServiceVersion))
	if err := p.registerInstruments(); err != nil {
		return nil, fmt.Errorf("register instruments: %w", err)
	}
	return p, nil
}

func serviceResource(cfg *Config) (*resource.Resource, error) {
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("resource: %w", err)
	}
	return res, nil
}

// Nop returns a disabled provider. It cannot fail.
func Nop() *Provider {
	p, err := New(context.Background(), DefaultConfig())
	if err != nil {
		return &Provider{config: DefaultConfig(), logger: slog.Default()}
	}
	return p
}

// startExporters installs OTLP/gRPC trace and metric pipelines as the global
// providers.
func (p *Provider) startExporters(ctx context.Context, res *resource.Resource) error {
	cfg := p.config

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	spans, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return fmt.Errorf("trace exporter: %w", err)
	}
	points, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		_ = spans.Shutdown(ctx)
		return fmt.Errorf("metric exporter: %w", err)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(samplerFor(cfg.SampleRate)),
		sdktrace.WithBatcher(spans, sdktrace.WithBatchTimeout(cfg.BatchTimeout)),
	)
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(points, sdkmetric.WithInterval(exportInterval))),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetMeterProvider(p.meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return nil
}

func samplerFor(rate float64) sdktrace.Sampler {
	if rate >= 1 {
		return sdktrace.AlwaysSample()
	}
	if rate <= 0 {
		return sdktrace.NeverSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// durationBuckets span a fast RPC read up to a slow receipt wait.
var durationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300}

func (p *Provider) registerInstruments() error {
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&p.requestCounter, "spendvault.operations.total", "Tracked operations started", "{operation}"},
		{&p.errorCounter, "spendvault.errors.total", "Tracked operations that failed", "{error}"},
		{&p.attemptCounter, "spendvault.ladder.attempts", "Signing attempts by rung and outcome", "{attempt}"},
		{&p.executionCounter, "spendvault.executions.total", "Terminal execution results by status", "{execution}"},
		{&p.syncCounter, "spendvault.activity.syncs", "Activity sync jobs by outcome", "{sync}"},
	}
	for _, c := range counters {
		ctr, err := p.meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return fmt.Errorf("%s: %w", c.name, err)
		}
		*c.dst = ctr
	}

	var err error
	p.durationHist, err = p.meter.Float64Histogram("spendvault.operation.duration",
		metric.WithDescription("Wall time of tracked operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	)
	if err != nil {
		return fmt.Errorf("spendvault.operation.duration: %w", err)
	}
	p.activeOperations, err = p.meter.Int64UpDownCounter("spendvault.operations.active",
		metric.WithDescription("Tracked operations in flight"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return fmt.Errorf("spendvault.operations.active: %w", err)
	}
	return nil
}

// Shutdown flushes and stops the exporting providers. It is a no-op for a
// disabled provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.tracerProvider != nil {
		errs = append(errs, p.tracerProvider.Shutdown(ctx))
	}
	if p.meterProvider != nil {
		errs = append(errs, p.meterProvider.Shutdown(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		p.logger.WarnContext(ctx, "telemetry shutdown incomplete", "error", err)
		return err
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// Meter returns the configured meter.
func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter(instrumentationName)
	}
	return p.meter
}

// StartSpan starts a new span with the given name.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordError counts a failed operation, tagged with the error's Go type.
func (p *Provider) RecordError(ctx context.Context, err error, attrs ...attribute.KeyValue) {
	if p.errorCounter == nil || err == nil {
		return
	}
	tagged := make([]attribute.KeyValue, 0, len(attrs)+1)
	tagged = append(tagged, attrs...)
	tagged = append(tagged, attribute.String("error.type", fmt.Sprintf("%T", err)))
	p.errorCounter.Add(ctx, 1, metric.WithAttributes(tagged...))
}

// TrackOperation opens a span named name and counts the operation as started
// and in flight. The returned func must be called exactly once with the
// operation's error; it closes the span and records the duration.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := p.StartSpan(ctx, name, trace.WithSpanKind(trace.SpanKindInternal), trace.WithAttributes(attrs...))

	labels := make([]attribute.KeyValue, 0, len(attrs)+1)
	labels = append(labels, attribute.String("operation", name))
	labels = append(labels, attrs...)
	set := metric.WithAttributes(labels...)

	started := time.Now()
	if p.requestCounter != nil {
		p.requestCounter.Add(ctx, 1, set)
		p.activeOperations.Add(ctx, 1, set)
	}

	return ctx, func(err error) {
		defer span.End()
		if p.requestCounter != nil {
			p.activeOperations.Add(ctx, -1, set)
			p.durationHist.Record(ctx, time.Since(started).Seconds(), set)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			p.RecordError(ctx, err, labels...)
		}
	}
}
