package detector

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/miradorstack/mirador-causal/internal/config"
	"github.com/miradorstack/mirador-causal/internal/models"
	"github.com/miradorstack/mirador-causal/internal/store"
)

type fakeSink struct {
	opened   []models.Anomaly
	extended []models.Anomaly
	closed   []models.Anomaly
}

func (f *fakeSink) AnomalyOpened(_ context.Context, a models.Anomaly)   { f.opened = append(f.opened, a) }
func (f *fakeSink) AnomalyExtended(_ context.Context, a models.Anomaly) { f.extended = append(f.extended, a) }
func (f *fakeSink) AnomalyClosed(_ context.Context, a models.Anomaly)   { f.closed = append(f.closed, a) }

type fakeActivity struct {
	events []models.ActivityType
}

func (f *fakeActivity) Publish(eventType models.ActivityType, _, _ string, _ map[string]string) {
	f.events = append(f.events, eventType)
}

func testConfig() config.DetectorConfig {
	return config.DetectorConfig{
		ZThreshold:       3.0,
		MinPoints:        10,
		BaselineWindow:   24 * time.Hour,
		EvalWindow:       30 * time.Second,
		RequiredBreaches: 3,
		GapTolerance:     2 * time.Minute,
		Cooldown:         3 * time.Minute,
		LatenessBound:    2 * time.Minute,
		BadDirections: map[string]string{
			"error_rate": "up",
			"qps":        "down",
		},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func detTS(min int) time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(min) * time.Minute)
}

func newTestDetector(t *testing.T) (*Detector, *fakeSink, *fakeActivity, *store.Memory) {
	t.Helper()
	sink := &fakeSink{}
	activity := &fakeActivity{}
	st := store.NewMemory()
	d := New(testConfig(), st, sink, activity, discardLogger())
	return d, sink, activity, st
}

func feed(t *testing.T, d *Detector, service, metric string, startMin, count int, value float64) {
	t.Helper()
	for i := 0; i < count; i++ {
		err := d.Offer(context.Background(), models.MetricSample{
			Service: service, Metric: metric,
			Timestamp: detTS(startMin + i), Value: value,
		})
		if err != nil {
			t.Fatalf("offer: %v", err)
		}
	}
}

func TestOpensAfterRequiredBreaches(t *testing.T) {
	d, sink, activity, st := newTestDetector(t)
	feed(t, d, "checkout", "error_rate", 0, 12, 0.01)

	// Two breaching samples are not enough.
	feed(t, d, "checkout", "error_rate", 12, 2, 0.5)
	if len(sink.opened) != 0 {
		t.Fatalf("episode opened before required breaches")
	}

	feed(t, d, "checkout", "error_rate", 14, 1, 0.5)
	if len(sink.opened) != 1 {
		t.Fatalf("expected one opened episode, got %d", len(sink.opened))
	}
	episode := sink.opened[0]
	if !episode.StartTS.Equal(detTS(12)) {
		t.Fatalf("episode should start at the first breach, got %v", episode.StartTS)
	}
	if !episode.EndTS.Equal(detTS(14)) || !episode.Open {
		t.Fatalf("unexpected episode bounds: %+v", episode)
	}
	if episode.Detector != DetectorName {
		t.Fatalf("detector name not stamped: %s", episode.Detector)
	}

	stored, err := st.ListIncidentAnomalies(context.Background(), "none")
	if err == nil && len(stored) > 0 {
		t.Fatalf("anomalies should not attach to incidents here")
	}
	if len(activity.events) != 1 || activity.events[0] != models.ActivityAnomalyDetected {
		t.Fatalf("expected one anomaly_detected activity event, got %v", activity.events)
	}
}

func TestExtendsAndClosesAfterCooldown(t *testing.T) {
	d, sink, _, _ := newTestDetector(t)
	feed(t, d, "checkout", "error_rate", 0, 12, 0.01)
	feed(t, d, "checkout", "error_rate", 12, 3, 0.5) // opens at minute 14

	feed(t, d, "checkout", "error_rate", 15, 1, 0.5)
	if len(sink.extended) == 0 {
		t.Fatalf("continued breach should extend the episode")
	}
	if !sink.extended[len(sink.extended)-1].EndTS.Equal(detTS(15)) {
		t.Fatalf("extension did not move end_ts")
	}

	// Recovery: closure requires a full cooldown of quiet.
	feed(t, d, "checkout", "error_rate", 16, 2, 0.01)
	if len(sink.closed) != 0 {
		t.Fatalf("episode closed before cooldown elapsed")
	}
	feed(t, d, "checkout", "error_rate", 18, 2, 0.01)
	if len(sink.closed) != 1 {
		t.Fatalf("expected episode closure, got %d", len(sink.closed))
	}
	if sink.closed[0].Open {
		t.Fatalf("closed episode still marked open")
	}
}

func TestDirectionGating(t *testing.T) {
	d, sink, _, _ := newTestDetector(t)

	// error_rate only breaches upward. A drop is an improvement.
	feed(t, d, "checkout", "error_rate", 0, 12, 0.01)
	feed(t, d, "checkout", "error_rate", 12, 5, 0.0001)
	if len(sink.opened) != 0 {
		t.Fatalf("downward move on an up-metric must not open an episode")
	}

	// qps breaches downward.
	feed(t, d, "checkout", "qps", 0, 12, 100)
	feed(t, d, "checkout", "qps", 12, 3, 5)
	if len(sink.opened) != 1 {
		t.Fatalf("qps drop should open an episode, got %d", len(sink.opened))
	}
}

func TestRequiresMinimumBaseline(t *testing.T) {
	d, sink, _, _ := newTestDetector(t)
	feed(t, d, "checkout", "error_rate", 0, 5, 0.01)
	feed(t, d, "checkout", "error_rate", 5, 5, 0.9)
	if len(sink.opened) != 0 {
		t.Fatalf("no episode may open before the baseline has enough points")
	}
}

func TestLateSamplesDropped(t *testing.T) {
	d, sink, _, _ := newTestDetector(t)
	feed(t, d, "checkout", "error_rate", 0, 12, 0.01)

	// Well behind the stream watermark: ignored, not an episode trigger.
	for i := 0; i < 5; i++ {
		err := d.Offer(context.Background(), models.MetricSample{
			Service: "checkout", Metric: "error_rate",
			Timestamp: detTS(2), Value: 0.9,
		})
		if err != nil {
			t.Fatalf("offer late: %v", err)
		}
	}
	if len(sink.opened) != 0 {
		t.Fatalf("late samples must not drive the state machine")
	}
}

func TestStreamsAreIndependent(t *testing.T) {
	d, sink, _, _ := newTestDetector(t)
	feed(t, d, "checkout", "error_rate", 0, 12, 0.01)
	feed(t, d, "payments", "error_rate", 0, 12, 0.01)

	feed(t, d, "checkout", "error_rate", 12, 3, 0.5)
	if len(sink.opened) != 1 {
		t.Fatalf("expected a single episode, got %d", len(sink.opened))
	}
	if sink.opened[0].Service != "checkout" {
		t.Fatalf("episode attributed to the wrong stream: %s", sink.opened[0].Service)
	}
}

func TestRobustToSingleOutlier(t *testing.T) {
	cfg := testConfig()
	cfg.EvalWindow = 3 * time.Minute
	sink := &fakeSink{}
	d := New(cfg, store.NewMemory(), sink, &fakeActivity{}, discardLogger())

	for i := 0; i < 15; i++ {
		value := 0.01
		if i%2 == 0 {
			value = 0.02
		}
		if err := d.Offer(context.Background(), models.MetricSample{
			Service: "checkout", Metric: "error_rate", Timestamp: detTS(i), Value: value,
		}); err != nil {
			t.Fatalf("offer: %v", err)
		}
	}

	// One spike inside a wider eval window: the windowed median holds and
	// nothing breaches.
	if err := d.Offer(context.Background(), models.MetricSample{
		Service: "checkout", Metric: "error_rate", Timestamp: detTS(15), Value: 5.0,
	}); err != nil {
		t.Fatalf("offer spike: %v", err)
	}
	if len(sink.opened) != 0 {
		t.Fatalf("single outlier should not open an episode under a windowed median")
	}
}
