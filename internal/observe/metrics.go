// Package observe provides application-wide observability primitives for
// earshot: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is set up by [InitProvider] so that metrics can be scraped
// via the /metrics endpoint. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/earshot/pkg/engine"
)

// meterName is the instrumentation scope name used for all earshot metrics.
const meterName = "github.com/MrWong99/earshot"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Detection ---

	// FramesProcessed counts analysis frames. Use with attribute:
	//   attribute.String("channel", ...)
	FramesProcessed metric.Int64Counter

	// WakeVerdicts counts terminal wake-word verdicts. Use with attributes:
	//   attribute.String("channel", ...), attribute.String("verdict", ...)
	WakeVerdicts metric.Int64Counter

	// SegmentsEmitted counts speech segments. Use with attributes:
	//   attribute.String("channel", ...), attribute.String("state", ...),
	//   attribute.String("reason", ...)
	SegmentsEmitted metric.Int64Counter

	// SegmentDuration tracks the audio length of emitted segments.
	SegmentDuration metric.Float64Histogram

	// ProcessDuration tracks the time spent running the detectors over one
	// chunk of input.
	ProcessDuration metric.Float64Histogram

	// --- Errors ---

	// Errors counts failures by engine status. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("op", ...)
	Errors metric.Int64Counter

	// --- Storage ---

	// StoreWriteDuration tracks segment store writes. Use with attribute:
	//   attribute.String("status", ...)
	StoreWriteDuration metric.Float64Histogram

	// StoreShed counts segments dropped while the store breaker is open.
	StoreShed metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live channel sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveConnections tracks the number of open ingest connections.
	ActiveConnections metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...),
	//   attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// processBuckets are boundaries (in seconds) for per-chunk processing time.
var processBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1,
}

// segmentBuckets are boundaries (in seconds) for segment lengths.
var segmentBuckets = []float64{
	0.25, 0.5, 1, 2, 3, 5, 7.5, 10, 20, 30, 60,
}

// latencyBuckets are boundaries (in seconds) for store and HTTP latencies.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.FramesProcessed, err = m.Int64Counter("earshot.frames.processed",
		metric.WithDescription("Analysis frames run through the detectors, by channel."),
	); err != nil {
		return nil, err
	}
	if met.WakeVerdicts, err = m.Int64Counter("earshot.wakeup.verdicts",
		metric.WithDescription("Terminal wake-word verdicts by channel and verdict."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsEmitted, err = m.Int64Counter("earshot.segments.emitted",
		metric.WithDescription("Speech segments by channel, final state and timeout reason."),
	); err != nil {
		return nil, err
	}
	if met.Errors, err = m.Int64Counter("earshot.errors",
		metric.WithDescription("Failures by engine status kind and operation."),
	); err != nil {
		return nil, err
	}
	if met.StoreShed, err = m.Int64Counter("earshot.store.shed",
		metric.WithDescription("Segments dropped while the store circuit breaker is open."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.SegmentDuration, err = m.Float64Histogram("earshot.segment.duration",
		metric.WithDescription("Audio length of emitted speech segments."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(segmentBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProcessDuration, err = m.Float64Histogram("earshot.process.duration",
		metric.WithDescription("Time spent running the detectors over one input chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(processBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StoreWriteDuration, err = m.Float64Histogram("earshot.store.write.duration",
		metric.WithDescription("Latency of segment store writes by status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("earshot.active_sessions",
		metric.WithDescription("Number of live channel sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("earshot.active_connections",
		metric.WithDescription("Number of open ingest connections."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("earshot.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
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
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// RecordFrames adds n processed frames for channel.
func (m *Metrics) RecordFrames(ctx context.Context, channel string, n int64) {
	if n <= 0 {
		return
	}
	m.FramesProcessed.Add(ctx, n, metric.WithAttributes(attribute.String("channel", channel)))
}

// RecordWakeVerdict counts a terminal wake-word verdict.
func (m *Metrics) RecordWakeVerdict(ctx context.Context, channel, verdict string) {
	m.WakeVerdicts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("channel", channel),
			attribute.String("verdict", verdict),
		),
	)
}

// RecordSegment counts an emitted segment and records its length.
func (m *Metrics) RecordSegment(ctx context.Context, channel, state, reason string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("channel", channel),
		attribute.String("state", state),
		attribute.String("reason", reason),
	)
	m.SegmentsEmitted.Add(ctx, 1, attrs)
	m.SegmentDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("channel", channel)))
}

// RecordProcess records the detector time spent on one chunk.
func (m *Metrics) RecordProcess(ctx context.Context, channel string, d time.Duration) {
	m.ProcessDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("channel", channel)))
}

// RecordError counts err under its engine status kind. Nil errors are
// ignored.
func (m *Metrics) RecordError(ctx context.Context, op string, err error) {
	if err == nil {
		return
	}
	m.Errors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", ErrorKind(err)),
			attribute.String("op", op),
		),
	)
}

// RecordStoreWrite records the latency and outcome of a store write.
func (m *Metrics) RecordStoreWrite(ctx context.Context, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.StoreWriteDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("status", status)))
}

// ErrorKind names the engine status of err, or "canceled" for context
// errors.
func ErrorKind(err error) string {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}
	return engine.Kind(err)
}
