// Package observe provides application-wide observability primitives for
// voxgate: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all voxgate metrics.
const meterName = "github.com/MrWong99/voxgate"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Gauges ---

	// ActiveConnections tracks the number of connected devices.
	ActiveConnections metric.Int64UpDownCounter

	// --- Counters ---

	// FramesDecoded counts binary frames accepted from clients. Use with attributes:
	//   attribute.String("version", ...), attribute.String("kind", ...)
	FramesDecoded metric.Int64Counter

	// FramesRejected counts frames dropped before reaching the backend. Use with attribute:
	//   attribute.String("reason", ...)
	FramesRejected metric.Int64Counter

	// CodecFailures counts Opus decode and encode failures. Use with attribute:
	//   attribute.String("op", "decode"|"encode")
	CodecFailures metric.Int64Counter

	// QualityWarnings counts signal-quality issues found in decoded audio.
	// Use with attribute:
	//   attribute.String("issue", ...)
	QualityWarnings metric.Int64Counter

	// AudioBytes counts audio payload bytes relayed. Use with attribute:
	//   attribute.String("direction", "inbound"|"outbound")
	AudioBytes metric.Int64Counter

	// BackendErrors counts backend failures. Use with attributes:
	//   attribute.String("backend", ...), attribute.String("kind", ...)
	BackendErrors metric.Int64Counter

	// --- Latency histograms ---

	// BackendConnectDuration tracks how long backend session setup takes.
	// Use with attributes:
	//   attribute.String("backend", ...), attribute.String("status", ...)
	BackendConnectDuration metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// realtime backend handshakes.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveConnections, err = m.Int64UpDownCounter("voxgate.connections.active",
		metric.WithDescription("Number of connected devices."),
	); err != nil {
		return nil, err
	}

	if met.FramesDecoded, err = m.Int64Counter("voxgate.frames.decoded",
		metric.WithDescription("Binary frames accepted from clients by protocol version and kind."),
	); err != nil {
		return nil, err
	}
	if met.FramesRejected, err = m.Int64Counter("voxgate.frames.rejected",
		metric.WithDescription("Client frames dropped by reason."),
	); err != nil {
		return nil, err
	}
	if met.CodecFailures, err = m.Int64Counter("voxgate.codec.failures",
		metric.WithDescription("Opus codec failures by operation."),
	); err != nil {
		return nil, err
	}
	if met.QualityWarnings, err = m.Int64Counter("voxgate.audio.quality_warnings",
		metric.WithDescription("Signal-quality issues detected in decoded client audio."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytes, err = m.Int64Counter("voxgate.audio.bytes",
		metric.WithDescription("Audio payload bytes relayed by direction."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.BackendErrors, err = m.Int64Counter("voxgate.backend.errors",
		metric.WithDescription("Backend errors by backend and kind."),
	); err != nil {
		return nil, err
	}

	if met.BackendConnectDuration, err = m.Float64Histogram("voxgate.backend.connect.duration",
		metric.WithDescription("Latency of realtime backend session setup."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("voxgate.http.request.duration",
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

// RecordFrameDecoded records one accepted client frame.
func (m *Metrics) RecordFrameDecoded(ctx context.Context, version, kind string) {
	m.FramesDecoded.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("version", version),
			attribute.String("kind", kind),
		),
	)
}

// RecordFrameRejected records one dropped client frame.
func (m *Metrics) RecordFrameRejected(ctx context.Context, reason string) {
	m.FramesRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordCodecFailure records an Opus failure for op ("decode" or "encode").
func (m *Metrics) RecordCodecFailure(ctx context.Context, op string) {
	m.CodecFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// RecordQualityWarning records one signal-quality issue.
func (m *Metrics) RecordQualityWarning(ctx context.Context, issue string) {
	m.QualityWarnings.Add(ctx, 1, metric.WithAttributes(attribute.String("issue", issue)))
}

// RecordAudioBytes adds n to the relayed byte count for direction.
func (m *Metrics) RecordAudioBytes(ctx context.Context, direction string, n int) {
	m.AudioBytes.Add(ctx, int64(n), metric.WithAttributes(attribute.String("direction", direction)))
}

// RecordBackendError records a backend error of the given kind.
func (m *Metrics) RecordBackendError(ctx context.Context, backend, kind string) {
	m.BackendErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("kind", kind),
		),
	)
}

// RecordBackendConnect records the duration of a backend connect attempt.
func (m *Metrics) RecordBackendConnect(ctx context.Context, backend, status string, seconds float64) {
	m.BackendConnectDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("status", status),
		),
	)
}
