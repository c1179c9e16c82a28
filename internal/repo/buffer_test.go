package repo

import (
	"context"
	"testing"
	"time"

	"github.com/miradorstack/mirador-causal/internal/models"
)

func bufTS(min int) time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(min) * time.Minute)
}

func TestSignalBufferMetricWindow(t *testing.T) {
	buf := NewSignalBuffer(time.Hour)
	for _, min := range []int{0, 2, 1, 5, 3} { // slightly out of order, like real ingest
		buf.AppendMetric(models.MetricSample{
			Service: "checkout", Metric: "error_rate",
			Timestamp: bufTS(min), Value: float64(min),
		})
	}

	got, err := buf.MetricSeries(context.Background(), "checkout", "error_rate", bufTS(1), bufTS(3))
	if err != nil {
		t.Fatalf("series: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 samples in window, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Timestamp.Before(got[i-1].Timestamp) {
			t.Fatalf("series out of order at %d", i)
		}
	}

	other, err := buf.MetricSeries(context.Background(), "payments", "error_rate", bufTS(0), bufTS(10))
	if err != nil || len(other) != 0 {
		t.Fatalf("expected empty series for unknown service, got %d (err %v)", len(other), err)
	}
}

func TestSignalBufferSpanEviction(t *testing.T) {
	buf := NewSignalBuffer(10 * time.Minute)
	buf.AppendMetric(models.MetricSample{Service: "checkout", Metric: "qps", Timestamp: bufTS(0), Value: 100})
	buf.AppendMetric(models.MetricSample{Service: "checkout", Metric: "qps", Timestamp: bufTS(30), Value: 90})

	got, err := buf.MetricSeries(context.Background(), "checkout", "qps", bufTS(-60), bufTS(60))
	if err != nil {
		t.Fatalf("series: %v", err)
	}
	if len(got) != 1 || !got[0].Timestamp.Equal(bufTS(30)) {
		t.Fatalf("expected only the fresh sample to survive, got %+v", got)
	}
}

func TestSignalBufferMetricsList(t *testing.T) {
	buf := NewSignalBuffer(time.Hour)
	buf.AppendMetric(models.MetricSample{Service: "checkout", Metric: "qps", Timestamp: bufTS(0)})
	buf.AppendMetric(models.MetricSample{Service: "checkout", Metric: "error_rate", Timestamp: bufTS(0)})
	buf.AppendMetric(models.MetricSample{Service: "payments", Metric: "qps", Timestamp: bufTS(0)})

	names, err := buf.Metrics(context.Background(), "checkout")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if len(names) != 2 || names[0] != "error_rate" || names[1] != "qps" {
		t.Fatalf("unexpected metric names: %v", names)
	}
}

func TestSignalBufferLogWindow(t *testing.T) {
	buf := NewSignalBuffer(time.Hour)
	for i, msg := range []string{"ok", "timeout talking to db", "ok"} {
		buf.AppendLog(models.LogEntry{
			Service: "checkout", Timestamp: bufTS(i), Level: "error", Message: msg,
		})
	}

	got, err := buf.LogWindow(context.Background(), "checkout", bufTS(1), bufTS(1))
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if len(got) != 1 || got[0].Message != "timeout talking to db" {
		t.Fatalf("unexpected log window: %+v", got)
	}
}
