package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracingConfig selects the span exporter for derivative generation and sweeps.
type TracingConfig struct {
	Enabled        bool    `mapstructure:"enabled" yaml:"enabled"`
	Exporter       string  `mapstructure:"exporter" yaml:"exporter"` // otlp, zipkin
	OTLPEndpoint   string  `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`
	ZipkinEndpoint string  `mapstructure:"zipkin_endpoint" yaml:"zipkin_endpoint"`
	SampleRate     float64 `mapstructure:"sample_rate" yaml:"sample_rate"`
	ServiceName    string  `mapstructure:"service_name" yaml:"service_name"`
	ServiceVersion string  `mapstructure:"service_version" yaml:"service_version"`
}

const (
	tracerName           = "rimg"
	defaultOTLPEndpoint  = "localhost:4318"
	defaultZipkinEndpoint = "http://localhost:9411/api/v2/spans"
)

// TracerProvider owns the SDK provider when tracing is enabled.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracerProvider installs a global provider exporting to the configured
// backend, or returns a noop tracer when tracing is off.
func NewTracerProvider(ctx context.Context, config TracingConfig) (*TracerProvider, error) {
	if !config.Enabled {
		return &TracerProvider{tracer: noopTracer()}, nil
	}
	if config.ServiceName == "" {
		config.ServiceName = tracerName
	}
	if config.SampleRate <= 0 || config.SampleRate > 1 {
		config.SampleRate = 1
	}

	exporter, err := newSpanExporter(ctx, config)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
	))
	if err != nil {
		_ = exporter.Shutdown(ctx)
		return nil, fmt.Errorf("tracing resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SampleRate))),
	)
	otel.SetTracerProvider(provider)
	return &TracerProvider{provider: provider, tracer: provider.Tracer(tracerName)}, nil
}

func newSpanExporter(ctx context.Context, config TracingConfig) (sdktrace.SpanExporter, error) {
	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch config.Exporter {
	case "", "otlp":
		exporter, err = otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(orDefault(config.OTLPEndpoint, defaultOTLPEndpoint)),
			otlptracehttp.WithInsecure(),
		)
	case "zipkin":
		exporter, err = zipkin.New(orDefault(config.ZipkinEndpoint, defaultZipkinEndpoint))
	default:
		return nil, fmt.Errorf("unsupported trace exporter %q", config.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("%s exporter: %w", orDefault(config.Exporter, "otlp"), err)
	}
	return exporter, nil
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func noopTracer() trace.Tracer {
	return noop.NewTracerProvider().Tracer(tracerName)
}

// Shutdown flushes pending spans.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp == nil || tp.provider == nil {
		return nil
	}
	return tp.provider.Shutdown(ctx)
}

// Tracer never returns nil.
func (tp *TracerProvider) Tracer() trace.Tracer {
	if tp == nil || tp.tracer == nil {
		return noopTracer()
	}
	return tp.tracer
}

// Span names
const (
	SpanDeliver  = "rimg.derivative.deliver"
	SpanGenerate = "rimg.derivative.generate"
	SpanSweep    = "rimg.sweep.flush"
)

// Attribute keys
const (
	AttrStyle     = "rimg.style"
	AttrScheme    = "rimg.scheme"
	AttrSourceURI = "rimg.source_uri"
	AttrWidth     = "rimg.width"
	AttrHeight    = "rimg.height"
	AttrCrop      = "rimg.crop"
	AttrOutcome   = "rimg.outcome"
	AttrError     = "rimg.error"
)

// DerivativeAttrs describes a derivative request.
func DerivativeAttrs(style, scheme string, width, height, crop int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrStyle, style),
		attribute.String(AttrScheme, scheme),
		attribute.Int(AttrWidth, width),
		attribute.Int(AttrHeight, height),
		attribute.Int(AttrCrop, crop),
	}
}

// ErrorAttrs records err on a span, nil for a nil error.
func ErrorAttrs(err error) []attribute.KeyValue {
	if err == nil {
		return nil
	}
	return []attribute.KeyValue{
		attribute.String(AttrError, err.Error()),
	}
}
