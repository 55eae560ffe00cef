// Package observe provides application-wide observability primitives for
// Echoscribe: OpenTelemetry metrics, tracing, and structured-log helpers.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so metrics can be scraped
// via the standard /metrics endpoint. A package-level default [Metrics]
// instance ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Echoscribe metrics.
const meterName = "github.com/MrWong99/echoscribe"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation. A nil *Metrics is valid: every Record* helper
// becomes a no-op, so pipeline code does not need nil checks at each site.
type Metrics struct {
	// meter creates instruments and registers observable callbacks; kept so
	// [Metrics.RegisterQueueDepths] can attach callbacks after construction.
	meter metric.Meter

	// --- Latency histograms per pipeline stage ---

	// RecognitionDuration tracks fast-path batch recognition latency.
	RecognitionDuration metric.Float64Histogram

	// CorrectionDuration tracks slow-path utterance correction latency.
	CorrectionDuration metric.Float64Histogram

	// --- Counters ---

	// FramesCaptured counts frames read from the audio device.
	FramesCaptured metric.Int64Counter

	// FramesDropped counts frames lost to backpressure. Use with attributes:
	//   attribute.String("stage", ...), attribute.String("cause", ...)
	FramesDropped metric.Int64Counter

	// UtterancesSealed counts utterances sealed by the segmentation state
	// machine. Use with attribute: attribute.String("outcome", ...) — one of
	// "forwarded", "too_short", "dropped".
	UtterancesSealed metric.Int64Counter

	// MessagesEmitted counts pipeline messages by kind.
	MessagesEmitted metric.Int64Counter

	// --- Error counters ---

	// StageErrors counts recoverable stage errors. Use with attribute:
	//   attribute.String("stage", ...)
	StageErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live recording sessions.
	ActiveSessions metric.Int64UpDownCounter

	// QueueDepth reports per-queue occupancy, observed through a callback
	// registered with [Metrics.RegisterQueueDepths]. Attribute:
	//   attribute.String("queue", ...)
	QueueDepth metric.Int64ObservableGauge

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// recognition latencies: the fast path lands in the low milliseconds, the
// correction path can exceed the audio's own play time.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	// Histograms.
	if met.RecognitionDuration, err = m.Float64Histogram("echoscribe.recognition.duration",
		metric.WithDescription("Latency of one fast-path batch recognition call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CorrectionDuration, err = m.Float64Histogram("echoscribe.correction.duration",
		metric.WithDescription("Latency of one slow-path utterance correction call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesCaptured, err = m.Int64Counter("echoscribe.frames.captured",
		metric.WithDescription("Total frames read from the audio device."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("echoscribe.frames.dropped",
		metric.WithDescription("Total frames lost to backpressure by stage and cause."),
	); err != nil {
		return nil, err
	}
	if met.UtterancesSealed, err = m.Int64Counter("echoscribe.utterances.sealed",
		metric.WithDescription("Total sealed utterances by outcome."),
	); err != nil {
		return nil, err
	}
	if met.MessagesEmitted, err = m.Int64Counter("echoscribe.messages.emitted",
		metric.WithDescription("Total pipeline messages emitted by kind."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.StageErrors, err = m.Int64Counter("echoscribe.stage.errors",
		metric.WithDescription("Total recoverable stage errors by stage."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("echoscribe.active_sessions",
		metric.WithDescription("Number of live recording sessions."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64ObservableGauge("echoscribe.queue.depth",
		metric.WithDescription("Current depth of each inter-stage pipeline queue."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("echoscribe.http.request.duration",
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

// RecordFrameCaptured records one frame read from the audio device.
func (m *Metrics) RecordFrameCaptured(ctx context.Context) {
	if m == nil {
		return
	}
	m.FramesCaptured.Add(ctx, 1)
}

// RecordFrameDrop records one frame lost to backpressure.
func (m *Metrics) RecordFrameDrop(ctx context.Context, stage, cause string) {
	if m == nil {
		return
	}
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("cause", cause),
		),
	)
}

// RecordUtteranceSealed records one sealed utterance with its outcome.
func (m *Metrics) RecordUtteranceSealed(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.UtterancesSealed.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordMessage records one emitted pipeline message by kind.
func (m *Metrics) RecordMessage(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.MessagesEmitted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordStageError records one recoverable stage error.
func (m *Metrics) RecordStageError(ctx context.Context, stage string) {
	if m == nil {
		return
	}
	m.StageErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordRecognition records the latency of one fast-path recognition call.
func (m *Metrics) RecordRecognition(ctx context.Context, seconds float64) {
	if m == nil {
		return
	}
	m.RecognitionDuration.Record(ctx, seconds)
}

// RecordCorrection records the latency of one correction call.
func (m *Metrics) RecordCorrection(ctx context.Context, seconds float64) {
	if m == nil {
		return
	}
	m.CorrectionDuration.Record(ctx, seconds)
}

// SessionStarted increments the active-session gauge.
func (m *Metrics) SessionStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, 1)
}

// SessionStopped decrements the active-session gauge.
func (m *Metrics) SessionStopped(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, -1)
}

// RegisterQueueDepths attaches an observable callback feeding the queue
// depth gauge. snapshot runs on every metrics collection; its keys become
// the "queue" attribute values. The returned function detaches the callback
// and must be called when the observed queues go away, typically at session
// end. A nil receiver returns a no-op.
func (m *Metrics) RegisterQueueDepths(snapshot func() map[string]int) (unregister func(), err error) {
	if m == nil {
		return func() {}, nil
	}
	reg, err := m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for queue, depth := range snapshot() {
			o.ObserveInt64(m.QueueDepth, int64(depth),
				metric.WithAttributes(attribute.String("queue", queue)))
		}
		return nil
	}, m.QueueDepth)
	if err != nil {
		return nil, err
	}
	return func() { _ = reg.Unregister() }, nil
}
