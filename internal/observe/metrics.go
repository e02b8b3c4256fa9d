// Package observe provides application-wide observability primitives for
// Voxprep: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Voxprep metrics.
const meterName = "github.com/voxprep/voxprep"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TurnDuration tracks one full turn exchange: utterance sent to stream
	// done. Use with attribute.String("kind", "turn"|"greeting").
	TurnDuration metric.Float64Histogram

	// PlaybackDuration tracks how long one reply utterance took to drain
	// through the output device.
	PlaybackDuration metric.Float64Histogram

	// InitDuration tracks session init round-trips against the backend.
	InitDuration metric.Float64Histogram

	// --- Counters ---

	// StreamEvents counts demultiplexed turn-stream events. Use with
	// attribute.String("type", ...).
	StreamEvents metric.Int64Counter

	// CaptureUtterances counts completed utterances. Use with
	// attribute.String("outcome", "sent"|"muted"|"stray").
	CaptureUtterances metric.Int64Counter

	// PlaybackFragments counts PCM fragments handed to the sequencer.
	PlaybackFragments metric.Int64Counter

	// --- Error counters ---

	// ExchangeErrors counts failed turn exchanges. Use with
	// attribute.String("kind", ...).
	ExchangeErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live interview sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TurnDuration, err = m.Float64Histogram("voxprep.turn.duration",
		metric.WithDescription("Latency of one full turn exchange."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackDuration, err = m.Float64Histogram("voxprep.playback.duration",
		metric.WithDescription("Time for one reply utterance to drain through playback."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.InitDuration, err = m.Float64Histogram("voxprep.init.duration",
		metric.WithDescription("Latency of session init against the backend."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.StreamEvents, err = m.Int64Counter("voxprep.stream.events",
		metric.WithDescription("Total demultiplexed turn-stream events by type."),
	); err != nil {
		return nil, err
	}
	if met.CaptureUtterances, err = m.Int64Counter("voxprep.capture.utterances",
		metric.WithDescription("Total completed utterances by outcome."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackFragments, err = m.Int64Counter("voxprep.playback.fragments",
		metric.WithDescription("Total PCM fragments handed to the playback sequencer."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ExchangeErrors, err = m.Int64Counter("voxprep.exchange.errors",
		metric.WithDescription("Total failed turn exchanges by kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxprep.active_sessions",
		metric.WithDescription("Number of live interview sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxprep.http.request.duration",
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

// RecordTurn records one full turn exchange's wall-clock duration by kind.
func (m *Metrics) RecordTurn(ctx context.Context, kind string, seconds float64) {
	m.TurnDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordStreamEvent records one demultiplexed stream event by type.
func (m *Metrics) RecordStreamEvent(ctx context.Context, eventType string) {
	m.StreamEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", eventType)),
	)
}

// RecordUtterance records one completed capture utterance by outcome.
func (m *Metrics) RecordUtterance(ctx context.Context, outcome string) {
	m.CaptureUtterances.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordExchangeError records one failed turn exchange by kind.
func (m *Metrics) RecordExchangeError(ctx context.Context, kind string) {
	m.ExchangeErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}
