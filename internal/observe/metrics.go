// Package observe provides application-wide observability primitives for
// Vivid: OpenTelemetry metrics, tracing helpers, structured logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Vivid metrics.
const meterName = "github.com/vivilabs/vivid"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Counters ---

	// ChunksPublished counts audio chunks published to the stream fabric.
	// Use with attribute: attribute.String("mode", "streaming"|"batch").
	ChunksPublished metric.Int64Counter

	// ChunksStored counts audio chunks written to Postgres.
	ChunksStored metric.Int64Counter

	// ConversationsOpened counts conversations opened by the monitor.
	ConversationsOpened metric.Int64Counter

	// ConversationsClosed counts conversations closed. Use with attribute:
	//   attribute.String("end_reason", ...)
	ConversationsClosed metric.Int64Counter

	// TranscriptionResults counts final results appended to result streams.
	// Use with attribute: attribute.String("provider", ...)
	TranscriptionResults metric.Int64Counter

	// PluginEvents counts plugin dispatches. Use with attributes:
	//   attribute.String("event", ...), attribute.String("plugin", ...),
	//   attribute.String("status", "ok"|"error")
	PluginEvents metric.Int64Counter

	// --- Histograms ---

	// JobDuration tracks queue job execution time. Use with attributes:
	//   attribute.String("handler", ...), attribute.String("status", ...)
	JobDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Gauges ---

	// ActiveConnections tracks open WebSocket connections.
	ActiveConnections metric.Int64UpDownCounter

	// ActiveSessions tracks live capture sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// jobBuckets defines histogram bucket boundaries (in seconds) sized for
// queue jobs, which range from sub-second dispatches to hour-long batch
// re-transcriptions.
var jobBuckets = []float64{
	0.1, 0.5, 1, 5, 15, 60, 300, 1800, 7200,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.ChunksPublished, err = m.Int64Counter("vivid.audio.chunks_published",
		metric.WithDescription("Total audio chunks published to the stream fabric by mode."),
	); err != nil {
		return nil, err
	}
	if met.ChunksStored, err = m.Int64Counter("vivid.audio.chunks_stored",
		metric.WithDescription("Total audio chunks persisted to storage."),
	); err != nil {
		return nil, err
	}
	if met.ConversationsOpened, err = m.Int64Counter("vivid.conversations.opened",
		metric.WithDescription("Total conversations opened."),
	); err != nil {
		return nil, err
	}
	if met.ConversationsClosed, err = m.Int64Counter("vivid.conversations.closed",
		metric.WithDescription("Total conversations closed by end reason."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptionResults, err = m.Int64Counter("vivid.transcription.results",
		metric.WithDescription("Total final transcription results by provider."),
	); err != nil {
		return nil, err
	}
	if met.PluginEvents, err = m.Int64Counter("vivid.plugin.events",
		metric.WithDescription("Total plugin dispatches by event, plugin, and status."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.JobDuration, err = m.Float64Histogram("vivid.job.duration",
		metric.WithDescription("Queue job execution time by handler and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(jobBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("vivid.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveConnections, err = m.Int64UpDownCounter("vivid.active_connections",
		metric.WithDescription("Number of open WebSocket connections."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("vivid.active_sessions",
		metric.WithDescription("Number of live capture sessions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordJob records one job execution with the standard attribute set.
func (m *Metrics) RecordJob(ctx context.Context, handler, status string, seconds float64) {
	m.JobDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("handler", handler),
			attribute.String("status", status),
		),
	)
}

// RecordConversationClosed records one conversation close by end reason.
func (m *Metrics) RecordConversationClosed(ctx context.Context, endReason string) {
	m.ConversationsClosed.Add(ctx, 1,
		metric.WithAttributes(attribute.String("end_reason", endReason)),
	)
}

// RecordPluginEvent records one plugin dispatch.
func (m *Metrics) RecordPluginEvent(ctx context.Context, event, plugin, status string) {
	m.PluginEvents.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("event", event),
			attribute.String("plugin", plugin),
			attribute.String("status", status),
		),
	)
}
