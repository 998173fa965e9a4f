// Package observe provides application-wide observability primitives for
// earshot: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so they can be scraped from
// /metrics. A package-level default [Metrics] instance ([DefaultMetrics]) is
// provided for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// meterName is the instrumentation scope name used for all earshot metrics.
const meterName = "github.com/MrWong99/earshot"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// RecordingDuration tracks how long recordings ran, start to stop.
	RecordingDuration metric.Float64Histogram

	// SummaryDuration tracks how long one summarization call took.
	SummaryDuration metric.Float64Histogram

	// LLMDuration tracks answer generation latency.
	LLMDuration metric.Float64Histogram

	// --- Counters ---

	// Recordings counts finished recordings. Attribute "status":
	// "ok" (non-empty transcript), "empty", or "failed" (setup error).
	Recordings metric.Int64Counter

	// TranscriptSegments counts transcript events. Attribute "kind":
	// "interim" or "final".
	TranscriptSegments metric.Int64Counter

	// Summaries counts summarization attempts. Attribute "status":
	// "ok", "failed", "empty", or "dropped" (queue full).
	Summaries metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors by provider and kind.
	ProviderErrors metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Attributes
	// "provider" and "state" (the new state).
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveRecordings is 1 while a recording is live, 0 otherwise.
	ActiveRecordings metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// provider round trips.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// recordingBuckets covers recordings from a short question to a long meeting.
var recordingBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 900, 1800,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.RecordingDuration, err = m.Float64Histogram("earshot.recording.duration",
		metric.WithDescription("Duration of transcription recordings."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(recordingBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SummaryDuration, err = m.Float64Histogram("earshot.summary.duration",
		metric.WithDescription("Latency of dialogue summarization."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("earshot.llm.duration",
		metric.WithDescription("Latency of answer generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.Recordings, err = m.Int64Counter("earshot.recordings",
		metric.WithDescription("Total recordings by outcome."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptSegments, err = m.Int64Counter("earshot.transcript.segments",
		metric.WithDescription("Total transcript events by kind."),
	); err != nil {
		return nil, err
	}
	if met.Summaries, err = m.Int64Counter("earshot.summaries",
		metric.WithDescription("Total summarization attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("earshot.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("earshot.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("earshot.provider.breaker.transitions",
		metric.WithDescription("Total circuit breaker state changes by provider and new state."),
	); err != nil {
		return nil, err
	}

	if met.ActiveRecordings, err = m.Int64UpDownCounter("earshot.recordings.active",
		metric.WithDescription("Number of live recordings."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("earshot.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Instrument creation against the
// global provider does not fail in practice; should it, the instruments fall
// back to a no-op provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			otel.Handle(err)
			defaultMetrics = NoopMetrics()
		}
	})
	return defaultMetrics
}

// NoopMetrics returns a [Metrics] whose instruments discard every
// measurement. Components fall back to it when no metrics are configured.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider())
	return m
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordBreakerTransition counts one circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, provider, state string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("state", state),
		),
	)
}

// RecordRecording records a finished recording and its duration.
func (m *Metrics) RecordRecording(ctx context.Context, status string, d time.Duration) {
	m.Recordings.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	if d > 0 {
		m.RecordingDuration.Record(ctx, d.Seconds())
	}
}

// RecordSegment counts one interim or final transcript event.
func (m *Metrics) RecordSegment(ctx context.Context, final bool) {
	kind := "interim"
	if final {
		kind = "final"
	}
	m.TranscriptSegments.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordSummary records a summarization attempt. d is ignored when zero.
func (m *Metrics) RecordSummary(ctx context.Context, status string, d time.Duration) {
	m.Summaries.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	if d > 0 {
		m.SummaryDuration.Record(ctx, d.Seconds())
	}
}
