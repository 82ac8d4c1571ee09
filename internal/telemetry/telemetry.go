package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"runtime/debug"

	"github.com/google/uuid"
	"github.com/pminervini/open-deep-research/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"
)

// DefaultServiceName is reported when the config leaves it empty.
const DefaultServiceName = "open-deep-research"

// Resource attribute keys describing the research deployment.
const (
	AttrCommand         = attribute.Key("odr.command")
	AttrModel           = attribute.Key("odr.llm.model")
	AttrAPIHost         = attribute.Key("odr.llm.api_host")
	AttrAgents          = attribute.Key("odr.agents")
	AttrSearchProviders = attribute.Key("odr.search.providers")
)

// Deployment describes what this process runs. Every span and metric it
// exports carries these values as resource attributes.
type Deployment struct {
	// Version falls back to the module build version, then "dev".
	Version string
	// Command is the CLI entry point, e.g. "research-agent" or "batch".
	Command string
	Model   string
	// APIBase is reduced to its host; paths and credentials are never exported.
	APIBase         string
	Agents          []string
	SearchProviders []string
}

// Providers holds the SDK providers installed as OTel globals. A disabled
// Providers holds nothing and Shutdown does nothing.
type Providers struct {
	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
}

// Init installs tracing and metric export for d. With telemetry disabled
// it returns an empty Providers and never dials the collector.
func Init(cfg config.TelemetryConfig, d Deployment, logger *zap.Logger) (*Providers, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "telemetry"))
	if !cfg.Enabled {
		logger.Info("telemetry disabled, using noop providers")
		return &Providers{}, nil
	}
	if cfg.SampleRate < 0 || cfg.SampleRate > 1 {
		return nil, fmt.Errorf("telemetry sample rate %v outside [0, 1]", cfg.SampleRate)
	}

	ctx := context.Background()
	res, err := NewResource(ctx, cfg.ServiceName, d)
	if err != nil {
		return nil, err
	}
	tp, err := newTracerProvider(ctx, cfg, res)
	if err != nil {
		return nil, err
	}
	mp, err := newMeterProvider(ctx, cfg, res)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("telemetry initialized",
		zap.String("endpoint", cfg.OTLPEndpoint),
		zap.String("command", d.Command),
		zap.String("model", d.Model),
		zap.Float64("sample_rate", cfg.SampleRate))
	return &Providers{tp: tp, mp: mp}, nil
}

// NewResource builds the resource shared by traces and metrics. Each call
// gets a fresh service.instance.id so concurrent batch processes stay
// distinguishable.
func NewResource(ctx context.Context, serviceName string, d Deployment) (*resource.Resource, error) {
	if serviceName == "" {
		serviceName = DefaultServiceName
	}
	version := d.Version
	if version == "" || version == "dev" {
		version = buildVersion()
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String(version),
		semconv.ServiceInstanceIDKey.String(uuid.NewString()),
	}
	if d.Command != "" {
		attrs = append(attrs, AttrCommand.String(d.Command))
	}
	if d.Model != "" {
		attrs = append(attrs, AttrModel.String(d.Model))
	}
	if host := apiHost(d.APIBase); host != "" {
		attrs = append(attrs, AttrAPIHost.String(host))
	}
	if len(d.Agents) > 0 {
		attrs = append(attrs, AttrAgents.StringSlice(d.Agents))
	}
	if len(d.SearchProviders) > 0 {
		attrs = append(attrs, AttrSearchProviders.StringSlice(d.SearchProviders))
	}

	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}
	return res, nil
}

func newTracerProvider(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	// a delegated run is always sampled with its parent
	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))
	if cfg.SampleRate >= 1 {
		sampler = sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	), nil
}

func newMeterProvider(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	), nil
}

// Shutdown flushes buffered spans and metrics. It is safe on a nil or
// disabled Providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.tp != nil {
		if err := p.tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
		}
	}
	if p.mp != nil {
		if err := p.mp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

func apiHost(base string) string {
	if base == "" {
		return ""
	}
	u, err := url.Parse(base)
	if err != nil {
		return ""
	}
	return u.Host
}

func buildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" || info.Main.Version == "(devel)" {
		return "dev"
	}
	return info.Main.Version
}
