// Package observe provides application-wide observability primitives for
// the Seminote engine: OpenTelemetry metrics, distributed tracing,
// structured logging, and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all engine metrics.
const meterName = "github.com/seminote/engine"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// InferenceDuration tracks per-request inference latency. Use with
	// attribute: attribute.String("backend", "local"|"edge").
	InferenceDuration metric.Float64Histogram

	// NoteLatency tracks capture-to-publish latency for emitted events.
	NoteLatency metric.Float64Histogram

	// --- Counters ---

	// FramesCaptured counts audio frames pushed into the frame buffer.
	FramesCaptured metric.Int64Counter

	// FramesDropped counts frames overwritten before any backend read them.
	FramesDropped metric.Int64Counter

	// InferenceRequests counts backend dispatches. Use with attributes:
	//   attribute.String("backend", ...), attribute.String("status", ...)
	InferenceRequests metric.Int64Counter

	// StaleDiscards counts edge results discarded after a mode epoch change.
	StaleDiscards metric.Int64Counter

	// NotesPublished counts events fanned out to subscribers. Use with
	// attribute: attribute.String("source", "local"|"edge").
	NotesPublished metric.Int64Counter

	// ModeTransitions counts mode changes. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...), attribute.String("reason", ...)
	ModeTransitions metric.Int64Counter

	// --- Error counters ---

	// InferenceErrors counts backend failures. Use with attribute:
	//   attribute.String("backend", ...)
	InferenceErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSubscribers tracks the number of live event subscribers.
	ActiveSubscribers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for audio-pipeline latencies, where everything interesting happens below
// half a second.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.02, 0.035, 0.05, 0.075, 0.1, 0.25, 0.5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.InferenceDuration, err = m.Float64Histogram("seminote.inference.duration",
		metric.WithDescription("Latency of a single inference request by backend."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.NoteLatency, err = m.Float64Histogram("seminote.note.latency",
		metric.WithDescription("Capture-to-publish latency of emitted note events."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesCaptured, err = m.Int64Counter("seminote.frames.captured",
		metric.WithDescription("Total audio frames captured into the frame buffer."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("seminote.frames.dropped",
		metric.WithDescription("Total frames overwritten before being consumed."),
	); err != nil {
		return nil, err
	}
	if met.InferenceRequests, err = m.Int64Counter("seminote.inference.requests",
		metric.WithDescription("Total inference dispatches by backend and status."),
	); err != nil {
		return nil, err
	}
	if met.StaleDiscards, err = m.Int64Counter("seminote.inference.stale_discards",
		metric.WithDescription("Edge results discarded because the mode epoch moved on."),
	); err != nil {
		return nil, err
	}
	if met.NotesPublished, err = m.Int64Counter("seminote.notes.published",
		metric.WithDescription("Total events published to subscribers by source."),
	); err != nil {
		return nil, err
	}
	if met.ModeTransitions, err = m.Int64Counter("seminote.mode.transitions",
		metric.WithDescription("Total mode transitions by from, to, and reason."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.InferenceErrors, err = m.Int64Counter("seminote.inference.errors",
		metric.WithDescription("Total backend inference failures by backend."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSubscribers, err = m.Int64UpDownCounter("seminote.active_subscribers",
		metric.WithDescription("Number of live event subscribers."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("seminote.http.request.duration",
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

// RecordInference is a convenience method that records a dispatch counter
// increment with the standard attribute set.
func (m *Metrics) RecordInference(ctx context.Context, backend, status string) {
	m.InferenceRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("status", status),
		),
	)
}

// RecordInferenceError is a convenience method that records a backend failure
// counter increment.
func (m *Metrics) RecordInferenceError(ctx context.Context, backend string) {
	m.InferenceErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("backend", backend)),
	)
}

// RecordNotePublished is a convenience method that records a published event
// counter increment.
func (m *Metrics) RecordNotePublished(ctx context.Context, source string) {
	m.NotesPublished.Add(ctx, 1,
		metric.WithAttributes(attribute.String("source", source)),
	)
}

// RecordModeTransition is a convenience method that records a mode transition
// counter increment with the standard attribute set.
func (m *Metrics) RecordModeTransition(ctx context.Context, from, to, reason string) {
	m.ModeTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
			attribute.String("reason", reason),
		),
	)
}
