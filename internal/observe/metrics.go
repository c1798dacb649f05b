// Package observe provides application-wide observability primitives for
// onplay: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all onplay metrics.
const meterName = "github.com/Akshay-at-360/onplay"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks LLM inference latency.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// PipelineStateDuration tracks how long the voice pipeline spends in
	// each state. Use with attribute: attribute.String("state", ...)
	PipelineStateDuration metric.Float64Histogram

	// --- Download instruments ---

	// DownloadDuration tracks end-to-end model download latency.
	DownloadDuration metric.Float64Histogram

	// DownloadBytesTotal counts bytes written to disk across all
	// downloads. Use with attribute: attribute.String("model_id", ...)
	DownloadBytesTotal metric.Int64Counter

	// DownloadRetries counts download attempt retries after a transient
	// failure. Use with attributes:
	//   attribute.String("model_id", ...), attribute.String("reason", ...)
	DownloadRetries metric.Int64Counter

	// --- Error counters ---

	// EngineErrors counts engine-level errors by variant and kind. Use
	// with attributes:
	//   attribute.String("variant", ...), attribute.String("kind", ...)
	EngineErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice pipeline sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ResidentBytes tracks the total size of currently resident (loaded)
	// model handles.
	ResidentBytes metric.Int64UpDownCounter

	// PressureActive reports 1 while the memory pressure supervisor is
	// above its high watermark, 0 otherwise.
	PressureActive metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// downloadBuckets defines histogram bucket boundaries (in seconds) for
// model downloads, which run far longer than a single pipeline stage.
var downloadBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTDuration, err = m.Float64Histogram("onplay.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("onplay.llm.duration",
		metric.WithDescription("Latency of LLM inference."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("onplay.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PipelineStateDuration, err = m.Float64Histogram("onplay.pipeline.state_duration",
		metric.WithDescription("Time spent in each voice pipeline state."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DownloadDuration, err = m.Float64Histogram("onplay.download.duration",
		metric.WithDescription("End-to-end model download latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(downloadBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.DownloadBytesTotal, err = m.Int64Counter("onplay.download.bytes_total",
		metric.WithDescription("Total bytes written to disk by the download engine."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.DownloadRetries, err = m.Int64Counter("onplay.download.retries",
		metric.WithDescription("Total download attempt retries after a transient failure."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.EngineErrors, err = m.Int64Counter("onplay.engine.errors",
		metric.WithDescription("Total engine errors by variant and error kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("onplay.active_sessions",
		metric.WithDescription("Number of live voice pipeline sessions."),
	); err != nil {
		return nil, err
	}
	if met.ResidentBytes, err = m.Int64UpDownCounter("onplay.resident_bytes",
		metric.WithDescription("Total size of currently resident model handles."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.PressureActive, err = m.Int64UpDownCounter("onplay.pressure_active",
		metric.WithDescription("1 while the memory pressure supervisor is above its high watermark."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("onplay.http.request.duration",
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

// RecordDownloadRetry is a convenience method that records a download retry
// counter increment with the standard attribute set.
func (m *Metrics) RecordDownloadRetry(ctx context.Context, modelID, reason string) {
	m.DownloadRetries.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("model_id", modelID),
			attribute.String("reason", reason),
		),
	)
}

// RecordDownloadBytes is a convenience method that records bytes written to
// disk for the given model.
func (m *Metrics) RecordDownloadBytes(ctx context.Context, modelID string, n int64) {
	m.DownloadBytesTotal.Add(ctx, n,
		metric.WithAttributes(attribute.String("model_id", modelID)),
	)
}

// RecordEngineError is a convenience method that records an engine error
// counter increment.
func (m *Metrics) RecordEngineError(ctx context.Context, variant, kind string) {
	m.EngineErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("variant", variant),
			attribute.String("kind", kind),
		),
	)
}

// SetPressureActive is a convenience method that sets the pressure_active
// gauge to 1 or 0 depending on active.
func (m *Metrics) SetPressureActive(ctx context.Context, active bool) {
	if active {
		m.PressureActive.Add(ctx, 1)
		return
	}
	m.PressureActive.Add(ctx, -1)
}

// RecordDownloadDuration is a convenience method that records end-to-end
// download latency for the given model.
func (m *Metrics) RecordDownloadDuration(ctx context.Context, modelID string, seconds float64) {
	m.DownloadDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("model_id", modelID)),
	)
}

// AddResidentBytes is a convenience method that adjusts the resident_bytes
// gauge by delta, which may be negative.
func (m *Metrics) AddResidentBytes(ctx context.Context, delta int64) {
	if delta == 0 {
		return
	}
	m.ResidentBytes.Add(ctx, delta)
}

// RecordPipelineStateDuration is a convenience method that records how
// long the voice pipeline spent in the given state.
func (m *Metrics) RecordPipelineStateDuration(ctx context.Context, state string, seconds float64) {
	m.PipelineStateDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("state", state)),
	)
}

// RecordSTTDuration is a convenience method that records transcription
// latency for one segment.
func (m *Metrics) RecordSTTDuration(ctx context.Context, seconds float64) {
	m.STTDuration.Record(ctx, seconds)
}

// RecordLLMDuration is a convenience method that records one generation
// call's latency.
func (m *Metrics) RecordLLMDuration(ctx context.Context, seconds float64) {
	m.LLMDuration.Record(ctx, seconds)
}

// RecordTTSDuration is a convenience method that records one synthesize
// call's latency.
func (m *Metrics) RecordTTSDuration(ctx context.Context, seconds float64) {
	m.TTSDuration.Record(ctx, seconds)
}
