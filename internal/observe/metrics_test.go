package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"echolens.listen.session.duration", m.SessionDuration},
		{"echolens.capture.duration", m.CaptureDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 4.56)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a float64 histogram", tc.name)
			}
			if len(hist.DataPoints) != 1 {
				t.Fatalf("data points = %d, want 1", len(hist.DataPoints))
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("observation count = %d, want 2", got)
			}
		})
	}
}

func TestCounterWithAttributes(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.TriggersFired.Add(ctx, 1,
		metric.WithAttributes(attribute.String("dialog", "choice")))
	m.TriggersFired.Add(ctx, 1,
		metric.WithAttributes(attribute.String("dialog", "choice")))
	m.RecognitionFaults.Add(ctx, 1, metric.WithAttributes(
		attribute.String("code", "busy"),
		attribute.String("class", "transient"),
	))

	rm := collect(t, reader)

	fired := findMetric(rm, "echolens.triggers.fired")
	if fired == nil {
		t.Fatal("echolens.triggers.fired not found")
	}
	sum, ok := fired.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("triggers.fired is not an int64 sum")
	}
	if len(sum.DataPoints) != 1 {
		t.Fatalf("data points = %d, want 1", len(sum.DataPoints))
	}
	if got := sum.DataPoints[0].Value; got != 2 {
		t.Errorf("triggers fired = %d, want 2", got)
	}

	faults := findMetric(rm, "echolens.listen.faults")
	if faults == nil {
		t.Fatal("echolens.listen.faults not found")
	}
	fsum := faults.Data.(metricdata.Sum[int64])
	if len(fsum.DataPoints) != 1 || fsum.DataPoints[0].Value != 1 {
		t.Errorf("unexpected fault data points: %+v", fsum.DataPoints)
	}
}

func TestUpDownCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)
	m.OpenOverlays.Add(ctx, 1)

	rm := collect(t, reader)

	sessions := findMetric(rm, "echolens.listen.active_sessions")
	if sessions == nil {
		t.Fatal("echolens.listen.active_sessions not found")
	}
	sum := sessions.Data.(metricdata.Sum[int64])
	if got := sum.DataPoints[0].Value; got != 0 {
		t.Errorf("active sessions = %d, want 0", got)
	}

	overlays := findMetric(rm, "echolens.state.open_overlays")
	if overlays == nil {
		t.Fatal("echolens.state.open_overlays not found")
	}
	osum := overlays.Data.(metricdata.Sum[int64])
	if got := osum.DataPoints[0].Value; got != 1 {
		t.Errorf("open overlays = %d, want 1", got)
	}
}

func TestConvenienceRecorders(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordCapture(ctx, "ok")
	m.RecordCapture(ctx, "error")
	m.RecordDialogResolution(ctx, "accept")

	rm := collect(t, reader)

	captures := findMetric(rm, "echolens.capture.frames")
	if captures == nil {
		t.Fatal("echolens.capture.frames not found")
	}
	csum := captures.Data.(metricdata.Sum[int64])
	if len(csum.DataPoints) != 2 {
		t.Errorf("capture attribute sets = %d, want 2 (ok and error)", len(csum.DataPoints))
	}

	dialogs := findMetric(rm, "echolens.dialog.resolutions")
	if dialogs == nil {
		t.Fatal("echolens.dialog.resolutions not found")
	}
	dsum := dialogs.Data.(metricdata.Sum[int64])
	if len(dsum.DataPoints) != 1 || dsum.DataPoints[0].Value != 1 {
		t.Errorf("unexpected dialog data points: %+v", dsum.DataPoints)
	}
}
