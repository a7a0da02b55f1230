// Package observe provides application-wide observability primitives for
// earshot: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all earshot metrics.
const meterName = "github.com/MrWong99/earshot"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Detection ---

	// Detections counts fired wake words. Attribute: wake_word.
	Detections metric.Int64Counter

	// DetectionScore records the score of every fired detection.
	DetectionScore metric.Float64Histogram

	// DetectorStatus records the detector status ordinal on every change.
	DetectorStatus metric.Int64Gauge

	// --- Confirmation ---

	// Confirmations counts confirmation results. Attributes: method, confirmed.
	Confirmations metric.Int64Counter

	// ConfirmationDuration tracks confirmation round-trip latency.
	ConfirmationDuration metric.Float64Histogram

	// --- Recognition ---

	// RecognitionRestarts counts automatic recognition session reopens.
	RecognitionRestarts metric.Int64Counter

	// RecognitionErrors counts reported recognition failures. Attribute: class.
	RecognitionErrors metric.Int64Counter

	// AudioDropped counts capture chunks discarded before recognition.
	AudioDropped metric.Int64Counter

	// RingOverruns counts ring buffer writes that crossed the wrap point.
	RingOverruns metric.Int64Counter

	// --- Streaming ---

	// StreamFlushes counts flush decisions. Attribute: outcome
	// (flushed | skipped | empty).
	StreamFlushes metric.Int64Counter

	// TranscriptionDuration tracks transcription latency. Attribute: backend.
	TranscriptionDuration metric.Float64Histogram

	// ProviderRequests counts provider API calls. Attributes: provider,
	// kind, status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Attributes: provider, kind.
	ProviderErrors metric.Int64Counter

	// ActiveParticipants tracks the number of participants with live stream
	// records.
	ActiveParticipants metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	// method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// network round trips and transcription.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

var scoreBuckets = []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.DetectionScore, err = m.Float64Histogram("earshot.detection.score",
		metric.WithDescription("Score of fired wake-word detections."),
		metric.WithExplicitBucketBoundaries(scoreBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ConfirmationDuration, err = m.Float64Histogram("earshot.confirmation.duration",
		metric.WithDescription("Latency of server-side wake-word confirmation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranscriptionDuration, err = m.Float64Histogram("earshot.transcription.duration",
		metric.WithDescription("Latency of audio transcription by backend."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Detections, err = m.Int64Counter("earshot.detections",
		metric.WithDescription("Total fired wake-word detections by wake word."),
	); err != nil {
		return nil, err
	}
	if met.Confirmations, err = m.Int64Counter("earshot.confirmations",
		metric.WithDescription("Total confirmation results by method and outcome."),
	); err != nil {
		return nil, err
	}
	if met.RecognitionRestarts, err = m.Int64Counter("earshot.recognition.restarts",
		metric.WithDescription("Total automatic recognition session restarts."),
	); err != nil {
		return nil, err
	}
	if met.RecognitionErrors, err = m.Int64Counter("earshot.recognition.errors",
		metric.WithDescription("Total recognition failures by class."),
	); err != nil {
		return nil, err
	}
	if met.AudioDropped, err = m.Int64Counter("earshot.audio.dropped",
		metric.WithDescription("Total capture chunks dropped before recognition."),
	); err != nil {
		return nil, err
	}
	if met.RingOverruns, err = m.Int64Counter("earshot.ring.overruns",
		metric.WithDescription("Total ring buffer writes that wrapped."),
	); err != nil {
		return nil, err
	}
	if met.StreamFlushes, err = m.Int64Counter("earshot.stream.flushes",
		metric.WithDescription("Total participant flush decisions by outcome."),
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

	// Gauges.
	if met.DetectorStatus, err = m.Int64Gauge("earshot.detector.status",
		metric.WithDescription("Current detector status (0 idle, 1 initializing, 2 detecting, 3 confirmed, 4 error)."),
	); err != nil {
		return nil, err
	}
	if met.ActiveParticipants, err = m.Int64UpDownCounter("earshot.participants.active",
		metric.WithDescription("Number of participants with a live stream record."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("earshot.http.request.duration",
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

// RecordDetection records a fired wake word and its score.
func (m *Metrics) RecordDetection(ctx context.Context, wakeWord string, score float64) {
	m.Detections.Add(ctx, 1, metric.WithAttributes(attribute.String("wake_word", wakeWord)))
	m.DetectionScore.Record(ctx, score)
}

// RecordConfirmation records a confirmation outcome and its latency in
// seconds.
func (m *Metrics) RecordConfirmation(ctx context.Context, method string, confirmed bool, seconds float64) {
	m.Confirmations.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("confirmed", strconv.FormatBool(confirmed)),
		),
	)
	m.ConfirmationDuration.Record(ctx, seconds)
}

// RecordRecognitionError records a reported recognition failure.
func (m *Metrics) RecordRecognitionError(ctx context.Context, class string) {
	m.RecognitionErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("class", class)))
}

// RecordFlush records a participant flush decision.
func (m *Metrics) RecordFlush(ctx context.Context, outcome string) {
	m.StreamFlushes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordTranscription records a transcription call's latency in seconds.
func (m *Metrics) RecordTranscription(ctx context.Context, backend string, seconds float64) {
	m.TranscriptionDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("backend", backend)))
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
