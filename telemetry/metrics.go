// Package telemetry provides OpenTelemetry metrics for the attachment
// cache, with optional OTLP gRPC export and a Prometheus scrape handler.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

const meterName = "github.com/wolfeidau/attachment-cache"

// Config configures the metrics system.
type Config struct {
	// ServiceName for resource attributes.
	ServiceName string

	// ServiceVersion for resource attributes.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus exporter and Handler().
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the metric instruments for the cache.
type Metrics struct {
	savesTotal       metric.Int64Counter
	duplicatesTotal  metric.Int64Counter
	deletesTotal     metric.Int64Counter
	savedBytesTotal  metric.Int64Counter
	syncEntriesTotal metric.Int64Counter
	syncRunsTotal    metric.Int64Counter
	downloadBytes    metric.Int64Counter
	downloadDuration metric.Float64Histogram

	provider *sdkmetric.MeterProvider
}

// Setup initializes the meter provider and instruments.
func Setup(ctx context.Context, cfg Config) (*Metrics, error) {
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	var readers []sdkmetric.Option
	readers = append(readers, sdkmetric.WithResource(res))

	if cfg.OTLPEndpoint != "" {
		exporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("creating OTLP exporter: %w", err)
		}
		readers = append(readers, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.FlushInterval)),
		))
	}

	if cfg.EnablePrometheus {
		exporter, err := promexporter.New()
		if err != nil {
			return nil, fmt.Errorf("creating Prometheus exporter: %w", err)
		}
		readers = append(readers, sdkmetric.WithReader(exporter))
	}

	provider := sdkmetric.NewMeterProvider(readers...)
	otel.SetMeterProvider(provider)

	m, err := newInstruments(provider.Meter(meterName))
	if err != nil {
		return nil, err
	}
	m.provider = provider
	return m, nil
}

// NewTestMetrics returns metrics backed by an isolated in-memory provider,
// for tests.
func NewTestMetrics() *Metrics {
	provider := sdkmetric.NewMeterProvider()
	m, _ := newInstruments(provider.Meter(meterName))
	m.provider = provider
	return m
}

func newInstruments(meter metric.Meter) (*Metrics, error) {
	var m Metrics
	var err error

	if m.savesTotal, err = meter.Int64Counter("cache_saves_total",
		metric.WithDescription("Records saved to the cache")); err != nil {
		return nil, err
	}
	if m.duplicatesTotal, err = meter.Int64Counter("cache_duplicates_total",
		metric.WithDescription("Saves rejected as duplicates")); err != nil {
		return nil, err
	}
	if m.deletesTotal, err = meter.Int64Counter("cache_deletes_total",
		metric.WithDescription("Records deleted from the cache")); err != nil {
		return nil, err
	}
	if m.savedBytesTotal, err = meter.Int64Counter("cache_saved_bytes_total",
		metric.WithDescription("Payload bytes saved"),
		metric.WithUnit("By")); err != nil {
		return nil, err
	}
	if m.syncEntriesTotal, err = meter.Int64Counter("sync_entries_total",
		metric.WithDescription("Sync worklist entries by result")); err != nil {
		return nil, err
	}
	if m.syncRunsTotal, err = meter.Int64Counter("sync_runs_total",
		metric.WithDescription("Completed sync runs")); err != nil {
		return nil, err
	}
	if m.downloadBytes, err = meter.Int64Counter("download_bytes_total",
		metric.WithDescription("Bytes downloaded from attachment sources"),
		metric.WithUnit("By")); err != nil {
		return nil, err
	}
	if m.downloadDuration, err = meter.Float64Histogram("download_duration_seconds",
		metric.WithDescription("Attachment download duration"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}

	return &m, nil
}

// Handler returns the Prometheus scrape handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// RecordSave records a successful save.
func (m *Metrics) RecordSave(ctx context.Context, category string, size int64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("category", category))
	m.savesTotal.Add(ctx, 1, attrs)
	m.savedBytesTotal.Add(ctx, size, attrs)
}

// RecordDuplicate records a save rejected as a duplicate.
func (m *Metrics) RecordDuplicate(ctx context.Context, category string) {
	if m == nil {
		return
	}
	m.duplicatesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("category", category)))
}

// RecordDelete records a record deletion.
func (m *Metrics) RecordDelete(ctx context.Context, category string) {
	if m == nil {
		return
	}
	m.deletesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("category", category)))
}

// RecordSyncEntry records one processed sync worklist entry.
// Result is one of "success", "skipped", "error".
func (m *Metrics) RecordSyncEntry(ctx context.Context, category, result string) {
	if m == nil {
		return
	}
	m.syncEntriesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("category", category),
		attribute.String("result", result),
	))
}

// RecordSyncRun records a completed sync run.
func (m *Metrics) RecordSyncRun(ctx context.Context) {
	if m == nil {
		return
	}
	m.syncRunsTotal.Add(ctx, 1)
}

// RecordDownload records a completed download.
func (m *Metrics) RecordDownload(ctx context.Context, bytes int64, duration time.Duration) {
	if m == nil {
		return
	}
	m.downloadBytes.Add(ctx, bytes)
	m.downloadDuration.Record(ctx, duration.Seconds())
}
