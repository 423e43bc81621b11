// Package observability provides OpenTelemetry tracing and RED metrics for
// the dashboard kernel: command lanes, invoke effects and query executions.
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

	"github.com/Mindburn-Labs/dashkernel/pkg/contracts"
	"github.com/Mindburn-Labs/dashkernel/pkg/kernel/errorir"
)

const instrumentationName = "dashkernel"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // e.g. "localhost:4317"
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns development defaults with export disabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "dashkernel",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
		Insecure:       true,
	}
}

// Provider owns the trace and metric providers and the kernel instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	commandsTotal   metric.Int64Counter
	commandsFailed  metric.Int64Counter
	commandDuration metric.Float64Histogram
	lanesActive     metric.Int64UpDownCounter
	queryExecutions metric.Int64Counter
	queryJoins      metric.Int64Counter
}

// New creates a provider. With Enabled false the global (no-op unless
// installed elsewhere) providers are used and nothing is exported.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if config.Enabled {
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
	} else {
		p.logger.InfoContext(ctx, "telemetry export disabled")
	}

	p.tracer = otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter(instrumentationName, metric.WithInstrumentationVersion(config.ServiceVersion))
	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("failed to init instruments: %w", err)
	}

	if config.Enabled {
		p.logger.InfoContext(ctx, "observability initialized",
			"service", config.ServiceName,
			"environment", config.Environment,
			"endpoint", config.OTLPEndpoint,
			"sample_rate", config.SampleRate,
		)
	}
	return p, nil
}

// NewWithProviders builds a provider on caller-owned trace and meter providers.
// Tests use it with an sdkmetric.ManualReader.
func NewWithProviders(tp trace.TracerProvider, mp metric.MeterProvider) (*Provider, error) {
	p := &Provider{
		config: DefaultConfig(),
		tracer: tp.Tracer(instrumentationName),
		meter:  mp.Meter(instrumentationName),
		logger: slog.Default().With("component", "observability"),
	}
	if err := p.initInstruments(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
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
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error
	if p.commandsTotal, err = p.meter.Int64Counter("dash.commands.total",
		metric.WithDescription("Commands that started a lane"),
		metric.WithUnit("{command}"),
	); err != nil {
		return err
	}
	if p.commandsFailed, err = p.meter.Int64Counter("dash.commands.failed",
		metric.WithDescription("Commands that ended in a failure event"),
		metric.WithUnit("{command}"),
	); err != nil {
		return err
	}
	if p.commandDuration, err = p.meter.Float64Histogram("dash.command.duration",
		metric.WithDescription("Lane duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	); err != nil {
		return err
	}
	if p.lanesActive, err = p.meter.Int64UpDownCounter("dash.lanes.active",
		metric.WithDescription("Lanes currently running"),
		metric.WithUnit("{lane}"),
	); err != nil {
		return err
	}
	if p.queryExecutions, err = p.meter.Int64Counter("dash.query.executions",
		metric.WithDescription("Query handler executions"),
		metric.WithUnit("{execution}"),
	); err != nil {
		return err
	}
	p.queryJoins, err = p.meter.Int64Counter("dash.query.joins",
		metric.WithDescription("Query requests served by a live cache entry"),
		metric.WithUnit("{request}"),
	)
	return err
}

// Shutdown flushes and stops the exporters.
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

// Tracer returns the kernel tracer.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// Meter returns the kernel meter.
func (p *Provider) Meter() metric.Meter { return p.meter }

// StartSpan starts a span with the given name.
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

// TrackLane instruments one lane from start to its terminal outcome. The
// returned func must be called exactly once with the lane's error (nil on
// success).
func (p *Provider) TrackLane(ctx context.Context, cmdType contracts.CommandType, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	all := append([]attribute.KeyValue{AttrCommandType.String(string(cmdType))}, attrs...)
	ctx, span := p.StartSpan(ctx, "lane "+string(cmdType), all...)

	typeOnly := metric.WithAttributes(AttrCommandType.String(string(cmdType)))
	p.lanesActive.Add(ctx, 1, typeOnly)
	p.commandsTotal.Add(ctx, 1, typeOnly)

	return ctx, func(err error) {
		p.lanesActive.Add(ctx, -1, typeOnly)
		p.commandDuration.Record(ctx, time.Since(start).Seconds(), typeOnly)
		if err != nil {
			kind := errorir.KindOf(err)
			span.RecordError(err)
			span.SetAttributes(AttrErrorKind.String(string(kind)))
			p.commandsFailed.Add(ctx, 1, metric.WithAttributes(
				AttrCommandType.String(string(cmdType)),
				AttrErrorKind.String(string(kind)),
			))
		}
		span.End()
	}
}

// QueryExecuted implements querycache.Observer.
func (p *Provider) QueryExecuted(ctx context.Context, qt contracts.QueryType) {
	p.queryExecutions.Add(ctx, 1, metric.WithAttributes(AttrQueryType.String(string(qt))))
}

// QueryJoined implements querycache.Observer.
func (p *Provider) QueryJoined(ctx context.Context, qt contracts.QueryType) {
	p.queryJoins.Add(ctx, 1, metric.WithAttributes(AttrQueryType.String(string(qt))))
}
