// Package observability wires OpenTelemetry tracing and metrics for the
// truth pipeline: RED metrics per drain stage plus the scheduler heartbeat.
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

const instrumentationName = "truthlayer.core"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // e.g. "localhost:4317" for gRPC
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns development defaults. Production deployments set the
// endpoint and environment through the config layer.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "truthd",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
		Insecure:       false,
	}
}

// Provider manages the trace and metric providers and the pipeline's
// instruments. A disabled provider is a safe no-op.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	stageItems    metric.Int64Counter
	stageErrors   metric.Int64Counter
	stageDuration metric.Float64Histogram
	cycles        metric.Int64Counter
	backoffMs     metric.Int64Gauge
	escalations   metric.Int64Counter
	resolutions   metric.Int64Counter
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
		p.logger.InfoContext(ctx, "observability disabled")
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
		return nil, fmt.Errorf("create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init metric provider: %w", err)
	}

	p.tracer = otel.Tracer(instrumentationName,
		trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter(instrumentationName,
		metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create trace exporter: %w", err)
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
		return fmt.Errorf("create metric exporter: %w", err)
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

	p.stageItems, err = p.meter.Int64Counter("truth.stage.items",
		metric.WithDescription("Items processed per drain stage"),
		metric.WithUnit("{item}"))
	if err != nil {
		return err
	}
	p.stageErrors, err = p.meter.Int64Counter("truth.stage.errors",
		metric.WithDescription("Stage execution failures"),
		metric.WithUnit("{error}"))
	if err != nil {
		return err
	}
	p.stageDuration, err = p.meter.Float64Histogram("truth.stage.duration",
		metric.WithDescription("Stage execution duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 120.0))
	if err != nil {
		return err
	}
	p.cycles, err = p.meter.Int64Counter("truth.drainer.cycles",
		metric.WithDescription("Completed drain cycles"),
		metric.WithUnit("{cycle}"))
	if err != nil {
		return err
	}
	p.backoffMs, err = p.meter.Int64Gauge("truth.drainer.backoff",
		metric.WithDescription("Current poll delay"),
		metric.WithUnit("ms"))
	if err != nil {
		return err
	}
	p.escalations, err = p.meter.Int64Counter("truth.conflicts.escalated",
		metric.WithDescription("Conflicts escalated to human review"),
		metric.WithUnit("{conflict}"))
	if err != nil {
		return err
	}
	p.resolutions, err = p.meter.Int64Counter("truth.conflicts.resolved",
		metric.WithDescription("Conflicts resolved automatically"),
		metric.WithUnit("{conflict}"))
	if err != nil {
		return err
	}
	return nil
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
			p.logger.ErrorContext(ctx, "meter provider shutdown failed", "error", err)
		}
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

// RecordStage records one stage execution.
func (p *Provider) RecordStage(ctx context.Context, stage string, items int64, duration time.Duration, failed bool) {
	attrs := metric.WithAttributes(attribute.String("stage", stage))
	if p.stageItems != nil {
		p.stageItems.Add(ctx, items, attrs)
	}
	if p.stageDuration != nil {
		p.stageDuration.Record(ctx, duration.Seconds(), attrs)
	}
	if failed && p.stageErrors != nil {
		p.stageErrors.Add(ctx, 1, attrs)
	}
}

// RecordCycle records one completed drain cycle and its current backoff.
func (p *Provider) RecordCycle(ctx context.Context, backoffMs int64) {
	if p.cycles != nil {
		p.cycles.Add(ctx, 1)
	}
	if p.backoffMs != nil {
		p.backoffMs.Record(ctx, backoffMs)
	}
}

// RecordOutcome counts one terminal conflict disposition.
func (p *Provider) RecordOutcome(ctx context.Context, escalated bool, reason string) {
	if escalated {
		if p.escalations != nil {
			p.escalations.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
		}
		return
	}
	if p.resolutions != nil {
		p.resolutions.Add(ctx, 1)
	}
}
