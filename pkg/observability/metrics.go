// Package observability exposes the service's Prometheus metrics through
// an OpenTelemetry meter. All record methods are nil-safe so callers never
// guard instrumentation.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type Metrics struct {
	ingestedDocs  metric.Int64Counter
	ingestedBytes metric.Int64Counter
	tasksTotal    metric.Int64Counter
	taskDuration  metric.Float64Histogram
	searchesTotal metric.Int64Counter
	reindexTotal  metric.Int64Counter
}

// InitMetrics builds the meter and its instruments, registered with the
// default Prometheus registry.
func InitMetrics(ctx context.Context) (*Metrics, error) {
	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)

	meter := meterProvider.Meter("stratum")

	ingestedDocs, err := meter.Int64Counter(
		"stratum_documents_ingested_total",
		metric.WithDescription("Total documents ingested"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ingested documents counter: %w", err)
	}

	ingestedBytes, err := meter.Int64Counter(
		"stratum_ingested_bytes_total",
		metric.WithDescription("Total document bytes ingested"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ingested bytes counter: %w", err)
	}

	tasksTotal, err := meter.Int64Counter(
		"stratum_tasks_total",
		metric.WithDescription("Total background tasks by result"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tasks counter: %w", err)
	}

	taskDuration, err := meter.Float64Histogram(
		"stratum_task_duration_seconds",
		metric.WithDescription("Background task duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create task duration histogram: %w", err)
	}

	searchesTotal, err := meter.Int64Counter(
		"stratum_searches_total",
		metric.WithDescription("Total search requests"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create searches counter: %w", err)
	}

	reindexTotal, err := meter.Int64Counter(
		"stratum_reindexes_total",
		metric.WithDescription("Total completed namespace reindexes"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create reindexes counter: %w", err)
	}

	return &Metrics{
		ingestedDocs:  ingestedDocs,
		ingestedBytes: ingestedBytes,
		tasksTotal:    tasksTotal,
		taskDuration:  taskDuration,
		searchesTotal: searchesTotal,
		reindexTotal:  reindexTotal,
	}, nil
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) RecordIngest(ctx context.Context, namespace string, bytes int64) {
	if m == nil || m.ingestedDocs == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("namespace", namespace))
	m.ingestedDocs.Add(ctx, 1, attrs)
	m.ingestedBytes.Add(ctx, bytes, attrs)
}

func (m *Metrics) RecordTask(ctx context.Context, kind, result string, duration time.Duration) {
	if m == nil || m.tasksTotal == nil {
		return
	}

	m.tasksTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("result", result),
	))
	m.taskDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) RecordSearch(ctx context.Context, namespace string) {
	if m == nil || m.searchesTotal == nil {
		return
	}
	m.searchesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("namespace", namespace)))
}

func (m *Metrics) RecordReindex(ctx context.Context, namespace string) {
	if m == nil || m.reindexTotal == nil {
		return
	}
	m.reindexTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("namespace", namespace)))
}
