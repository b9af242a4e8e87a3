package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsCollector records derivative traffic. A collector built with
// metrics disabled accepts every call and records nothing.
type MetricsCollector struct {
	provider *sdkmetric.MeterProvider
	registry *promclient.Registry

	requests           metric.Int64Counter
	generationDuration metric.Float64Histogram
	generatedBytes     metric.Int64Counter
	sweepDeletions     metric.Int64Counter
	sweepErrors        metric.Int64Counter
}

// MetricsConfig configures the metrics collector.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// NewMetricsCollector creates a collector exporting through its own
// Prometheus registry.
func NewMetricsCollector(config MetricsConfig) (*MetricsCollector, error) {
	if !config.Enabled {
		return &MetricsCollector{}, nil
	}

	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("rimg")

	requests, err := meter.Int64Counter(
		"rimg.derivative.requests",
		metric.WithDescription("Derivative requests by terminal outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create requests counter: %w", err)
	}

	generationDuration, err := meter.Float64Histogram(
		"rimg.derivative.generation.duration",
		metric.WithDescription("Time spent resampling and publishing a derivative"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create generation histogram: %w", err)
	}

	generatedBytes, err := meter.Int64Counter(
		"rimg.derivative.generated.bytes",
		metric.WithDescription("Size of published derivatives"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create generated bytes counter: %w", err)
	}

	sweepDeletions, err := meter.Int64Counter(
		"rimg.sweep.deletions",
		metric.WithDescription("Derivative files removed by invalidation"),
		metric.WithUnit("{file}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sweep deletions counter: %w", err)
	}

	sweepErrors, err := meter.Int64Counter(
		"rimg.sweep.errors",
		metric.WithDescription("Derivative files that could not be removed"),
		metric.WithUnit("{file}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sweep errors counter: %w", err)
	}

	return &MetricsCollector{
		provider:           provider,
		registry:           registry,
		requests:           requests,
		generationDuration: generationDuration,
		generatedBytes:     generatedBytes,
		sweepDeletions:     sweepDeletions,
		sweepErrors:        sweepErrors,
	}, nil
}

// Registerer exposes the registry so other collectors can share /metrics.
// It is nil when metrics are disabled.
func (m *MetricsCollector) Registerer() promclient.Registerer {
	if m == nil || m.registry == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *MetricsCollector) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Shutdown flushes and stops the meter provider.
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// RecordOutcome counts one derivative request.
func (m *MetricsCollector) RecordOutcome(ctx context.Context, style, outcome string) {
	if m == nil || m.requests == nil {
		return
	}
	m.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("style", style),
		attribute.String("outcome", outcome),
	))
}

// RecordGeneration records one resample run.
func (m *MetricsCollector) RecordGeneration(ctx context.Context, style string, duration time.Duration, sizeBytes int64, err error) {
	if m == nil || m.generationDuration == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("style", style),
		attribute.String("status", status),
	)
	m.generationDuration.Record(ctx, duration.Seconds(), attrs)
	if err == nil && sizeBytes > 0 {
		m.generatedBytes.Add(ctx, sizeBytes, metric.WithAttributes(attribute.String("style", style)))
	}
}

// RecordSweep records the result of one invalidation.
func (m *MetricsCollector) RecordSweep(ctx context.Context, style string, deleted, failed int) {
	if m == nil || m.sweepDeletions == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("style", style))
	if deleted > 0 {
		m.sweepDeletions.Add(ctx, int64(deleted), attrs)
	}
	if failed > 0 {
		m.sweepErrors.Add(ctx, int64(failed), attrs)
	}
}
