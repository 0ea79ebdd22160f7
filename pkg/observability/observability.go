// Package observability provides OpenTelemetry-based observability for
// the Pulse services.
//
// This package implements:
// - Distributed tracing with OTLP export
// - Metrics collection with RED (Rate, Errors, Duration) pattern
// - Semantic conventions per OpenTelemetry specification
// - Domain counters for the ingest, alerting and delivery pipelines
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
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

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // e.g., "localhost:4317" for gRPC
	SampleRate     float64       // 0.0 to 1.0, default 1.0 (sample all)
	BatchTimeout   time.Duration // How long to wait before sending batched spans
	Enabled        bool          // Enable/disable telemetry
	Insecure       bool          // Use insecure connection (dev only)
}

// FromEnv builds a Config for one service. Telemetry is enabled only
// when OTEL_EXPORTER_OTLP_ENDPOINT is set; a disabled provider keeps
// every Record method as a no-op.
func FromEnv(serviceName, version, environment string) *Config {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	return &Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Environment:    environment,
		OTLPEndpoint:   endpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        endpoint != "",
		Insecure:       environment != "PROD",
	}
}

// Provider manages OpenTelemetry trace and metric providers.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	// Ingest pipeline
	ingestMessages    metric.Int64Counter
	ingestQuarantined metric.Int64Counter
	ingestDropped     metric.Int64Counter
	flushDuration     metric.Float64Histogram

	// Alert lifecycle
	alertsOpened metric.Int64Counter
	alertsClosed metric.Int64Counter

	// Delivery
	jobsDelivered    metric.Int64Counter
	jobsFailed       metric.Int64Counter
	deliveryDuration metric.Float64Histogram
}

// New creates a new observability provider. A nil or disabled config
// returns a provider whose methods are all no-ops.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = &Config{Enabled: false}
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
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
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("pulse",
		trace.WithInstrumentationVersion(config.ServiceVersion),
	)
	p.meter = otel.Meter("pulse",
		metric.WithInstrumentationVersion(config.ServiceVersion),
	)

	if err := p.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to init metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

// initTraceProvider initializes the OpenTelemetry trace provider.
func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
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
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout),
		),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

// initMetricProvider initializes the OpenTelemetry metric provider.
func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

// initMetrics registers the pipeline instruments.
func (p *Provider) initMetrics() error {
	var err error

	p.ingestMessages, err = p.meter.Int64Counter("pulse.ingest.messages",
		metric.WithDescription("Telemetry messages accepted into the batch writer"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return err
	}
	p.ingestQuarantined, err = p.meter.Int64Counter("pulse.ingest.quarantined",
		metric.WithDescription("Messages rejected by the ingest pipeline"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return err
	}
	p.ingestDropped, err = p.meter.Int64Counter("pulse.ingest.dropped",
		metric.WithDescription("Messages dropped on queue or buffer overflow"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return err
	}
	p.flushDuration, err = p.meter.Float64Histogram("pulse.ingest.flush.duration",
		metric.WithDescription("Batch writer flush duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5),
	)
	if err != nil {
		return err
	}
	p.alertsOpened, err = p.meter.Int64Counter("pulse.alerts.opened",
		metric.WithDescription("Fleet alerts opened"),
		metric.WithUnit("{alert}"),
	)
	if err != nil {
		return err
	}
	p.alertsClosed, err = p.meter.Int64Counter("pulse.alerts.closed",
		metric.WithDescription("Fleet alerts closed"),
		metric.WithUnit("{alert}"),
	)
	if err != nil {
		return err
	}
	p.jobsDelivered, err = p.meter.Int64Counter("pulse.jobs.delivered",
		metric.WithDescription("Delivery jobs completed"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return err
	}
	p.jobsFailed, err = p.meter.Int64Counter("pulse.jobs.failed",
		metric.WithDescription("Delivery attempts that failed"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return err
	}
	p.deliveryDuration, err = p.meter.Float64Histogram("pulse.delivery.duration",
		metric.WithDescription("Outbound delivery duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	return err
}

// Shutdown gracefully shuts down the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("pulse")
	}
	return p.tracer
}

// Meter returns the configured meter.
func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter("pulse")
	}
	return p.meter
}

// StartSpan starts a new span with the given name.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// IncIngested counts messages accepted into the batch writer.
func (p *Provider) IncIngested(ctx context.Context, n int64, attrs ...attribute.KeyValue) {
	if p.ingestMessages != nil {
		p.ingestMessages.Add(ctx, n, metric.WithAttributes(attrs...))
	}
}

// IncQuarantined counts one rejection with its reason.
func (p *Provider) IncQuarantined(ctx context.Context, reason string) {
	if p.ingestQuarantined != nil {
		p.ingestQuarantined.Add(ctx, 1, metric.WithAttributes(AttrRejectReason.String(reason)))
	}
}

// IncDropped counts messages lost to overflow.
func (p *Provider) IncDropped(ctx context.Context, n int64) {
	if p.ingestDropped != nil {
		p.ingestDropped.Add(ctx, n)
	}
}

// RecordFlushDuration records one batch writer flush.
func (p *Provider) RecordFlushDuration(ctx context.Context, d time.Duration) {
	if p.flushDuration != nil {
		p.flushDuration.Record(ctx, d.Seconds())
	}
}

// IncAlertOpened counts one opened alert.
func (p *Provider) IncAlertOpened(ctx context.Context, alertType string) {
	if p.alertsOpened != nil {
		p.alertsOpened.Add(ctx, 1, metric.WithAttributes(AttrAlertType.String(alertType)))
	}
}

// IncAlertClosed counts closed alerts.
func (p *Provider) IncAlertClosed(ctx context.Context, n int64) {
	if p.alertsClosed != nil {
		p.alertsClosed.Add(ctx, n)
	}
}

// IncJobDelivered counts one completed delivery.
func (p *Provider) IncJobDelivered(ctx context.Context, kind string) {
	if p.jobsDelivered != nil {
		p.jobsDelivered.Add(ctx, 1, metric.WithAttributes(AttrIntegrationKind.String(kind)))
	}
}

// IncJobFailed counts one failed attempt; terminal marks exhaustion.
func (p *Provider) IncJobFailed(ctx context.Context, kind string, terminal bool) {
	if p.jobsFailed != nil {
		p.jobsFailed.Add(ctx, 1, metric.WithAttributes(
			AttrIntegrationKind.String(kind),
			attribute.Bool("pulse.delivery.terminal", terminal),
		))
	}
}

// RecordDeliveryDuration records one outbound call.
func (p *Provider) RecordDeliveryDuration(ctx context.Context, kind string, d time.Duration) {
	if p.deliveryDuration != nil {
		p.deliveryDuration.Record(ctx, d.Seconds(), metric.WithAttributes(AttrIntegrationKind.String(kind)))
	}
}

// TrackOperation tracks an operation from start to finish.
// Returns a function that should be called when the operation completes.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.StartSpan(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
		}
		span.SetAttributes(attribute.Float64("duration_seconds", time.Since(start).Seconds()))
		span.End()
	}
}
