// Package observe provides application-wide observability primitives for
// Echolens: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Echolens metrics.
const meterName = "github.com/MrWong99/echolens"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// SessionDuration tracks the wall-clock length of one listening session
	// from start to event-stream close.
	SessionDuration metric.Float64Histogram

	// CaptureDuration tracks camera capture plus frame processing latency.
	CaptureDuration metric.Float64Histogram

	// --- Counters ---

	// SessionsStarted counts successfully started listening sessions.
	SessionsStarted metric.Int64Counter

	// TriggersFired counts keyword trigger firings. Use with attribute:
	//   attribute.String("dialog", ...)
	TriggersFired metric.Int64Counter

	// Captures counts camera capture attempts. Use with attribute:
	//   attribute.String("status", ...) — "ok" or "error"
	Captures metric.Int64Counter

	// DialogResolutions counts dialog outcomes. Use with attribute:
	//   attribute.String("outcome", ...) — "accept", "reject", "dismiss"
	DialogResolutions metric.Int64Counter

	// --- Error counters ---

	// RecognitionFaults counts recognizer faults. Use with attributes:
	//   attribute.String("code", ...), attribute.String("class", ...)
	RecognitionFaults metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live listening sessions
	// (0 or 1 per controller).
	ActiveSessions metric.Int64UpDownCounter

	// OpenOverlays tracks the number of currently open overlay dialogs.
	OpenOverlays metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// capture latencies and multi-second listening windows.
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
	if met.SessionDuration, err = m.Float64Histogram("echolens.listen.session.duration",
		metric.WithDescription("Wall-clock length of one listening session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CaptureDuration, err = m.Float64Histogram("echolens.capture.duration",
		metric.WithDescription("Camera capture and frame processing latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.SessionsStarted, err = m.Int64Counter("echolens.listen.sessions",
		metric.WithDescription("Total successfully started listening sessions."),
	); err != nil {
		return nil, err
	}
	if met.TriggersFired, err = m.Int64Counter("echolens.triggers.fired",
		metric.WithDescription("Total keyword trigger firings by dialog type."),
	); err != nil {
		return nil, err
	}
	if met.Captures, err = m.Int64Counter("echolens.capture.frames",
		metric.WithDescription("Total camera capture attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.DialogResolutions, err = m.Int64Counter("echolens.dialog.resolutions",
		metric.WithDescription("Total dialog resolutions by outcome."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.RecognitionFaults, err = m.Int64Counter("echolens.listen.faults",
		metric.WithDescription("Total recognizer faults by code and class."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("echolens.listen.active_sessions",
		metric.WithDescription("Number of live listening sessions."),
	); err != nil {
		return nil, err
	}
	if met.OpenOverlays, err = m.Int64UpDownCounter("echolens.state.open_overlays",
		metric.WithDescription("Number of currently open overlay dialogs."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("echolens.http.request.duration",
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

// RecordCapture records a capture attempt with its status ("ok" or "error").
func (m *Metrics) RecordCapture(ctx context.Context, status string) {
	m.Captures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordDialogResolution records a dialog outcome ("accept", "reject" or
// "dismiss").
func (m *Metrics) RecordDialogResolution(ctx context.Context, outcome string) {
	m.DialogResolutions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}
