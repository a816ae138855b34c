// Package observe provides application-wide observability primitives for
// livescribe: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
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

// meterName is the instrumentation scope name used for all livescribe metrics.
const meterName = "github.com/MrWong99/livescribe"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// STTDuration tracks per-engine transcription latency. Use with attributes:
	//   attribute.String("engine", ...), attribute.String("status", ...)
	STTDuration metric.Float64Histogram

	// ModelLoadDuration tracks how long loading a model tier takes.
	ModelLoadDuration metric.Float64Histogram

	// --- Counters ---

	// Segments counts segments emitted by the segmenter. Use with attribute:
	//   attribute.String("reason", "silence"|"flush")
	Segments metric.Int64Counter

	// EngineErrors counts failed engine calls. Use with attributes:
	//   attribute.String("engine", ...), attribute.String("kind", ...)
	EngineErrors metric.Int64Counter

	// ModelLoads counts model load attempts. Use with attributes:
	//   attribute.String("tier", ...), attribute.String("status", ...)
	ModelLoads metric.Int64Counter

	// RecordsDropped counts records a slow subscriber did not receive. Use
	// with attribute: attribute.String("subscriber", ...)
	RecordsDropped metric.Int64Counter

	// --- Distributions ---

	// SegmentFrames records the length of each emitted segment in frames.
	SegmentFrames metric.Int64Histogram

	// --- Gauges ---

	// QueueDepth tracks segments waiting for transcription.
	QueueDepth metric.Int64UpDownCounter

	// ActiveSessions tracks the number of recording sessions (0 or 1).
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// recognition of speech segments, from a quick cloud call to a slow local
// model on a long utterance.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30,
}

// frameBuckets covers segments from the minimum length up to about a minute
// of continuous speech at 64 ms per frame.
var frameBuckets = []float64{
	10, 25, 50, 100, 200, 400, 800,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTDuration, err = m.Float64Histogram("livescribe.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription per engine."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ModelLoadDuration, err = m.Float64Histogram("livescribe.model.load.duration",
		metric.WithDescription("Time taken to load a recognition model tier."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SegmentFrames, err = m.Int64Histogram("livescribe.segment.frames",
		metric.WithDescription("Length of emitted speech segments in frames."),
		metric.WithUnit("{frame}"),
		metric.WithExplicitBucketBoundaries(frameBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Segments, err = m.Int64Counter("livescribe.segments",
		metric.WithDescription("Total speech segments emitted by reason."),
	); err != nil {
		return nil, err
	}
	if met.EngineErrors, err = m.Int64Counter("livescribe.engine.errors",
		metric.WithDescription("Total failed engine calls by engine and kind."),
	); err != nil {
		return nil, err
	}
	if met.ModelLoads, err = m.Int64Counter("livescribe.model.loads",
		metric.WithDescription("Total model load attempts by tier and status."),
	); err != nil {
		return nil, err
	}
	if met.RecordsDropped, err = m.Int64Counter("livescribe.records.dropped",
		metric.WithDescription("Total result records dropped for slow subscribers."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.QueueDepth, err = m.Int64UpDownCounter("livescribe.queue.depth",
		metric.WithDescription("Number of segments waiting for transcription."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("livescribe.active_sessions",
		metric.WithDescription("Number of recording sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("livescribe.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
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

// RecordSTT records one engine call's latency with its outcome.
func (m *Metrics) RecordSTT(ctx context.Context, engine, status string, seconds float64) {
	m.STTDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("engine", engine),
			attribute.String("status", status),
		),
	)
}

// RecordEngineError is a convenience method that records an engine error
// counter increment.
func (m *Metrics) RecordEngineError(ctx context.Context, engine, kind string) {
	m.EngineErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("engine", engine),
			attribute.String("kind", kind),
		),
	)
}

// RecordSegment records an emitted segment and its length.
func (m *Metrics) RecordSegment(ctx context.Context, reason string, frames int) {
	m.Segments.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	m.SegmentFrames.Record(ctx, int64(frames))
}

// RecordModelLoad records a model load attempt.
func (m *Metrics) RecordModelLoad(ctx context.Context, tier, status string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("status", status),
	)
	m.ModelLoads.Add(ctx, 1, attrs)
	m.ModelLoadDuration.Record(ctx, seconds, attrs)
}

// RecordDropped records a record dropped for a slow subscriber.
func (m *Metrics) RecordDropped(ctx context.Context, subscriber string) {
	m.RecordsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("subscriber", subscriber)))
}
