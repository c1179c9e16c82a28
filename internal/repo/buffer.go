package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/miradorstack/mirador-causal/internal/models"
)

// SignalBuffer is the default SignalSource: an in-process window of the
// telemetry the ingestion surface has accepted. Samples older than the
// configured span are dropped on append, so memory stays bounded without a
// background janitor.
type SignalBuffer struct {
	mu      sync.RWMutex
	span    time.Duration
	metrics map[metricKey][]models.MetricSample
	logs    map[string][]models.LogEntry
}

type metricKey struct {
	service string
	metric  string
}

// NewSignalBuffer constructs a buffer retaining roughly span of telemetry.
func NewSignalBuffer(span time.Duration) *SignalBuffer {
	if span <= 0 {
		span = 24 * time.Hour
	}
	return &SignalBuffer{
		span:    span,
		metrics: make(map[metricKey][]models.MetricSample),
		logs:    make(map[string][]models.LogEntry),
	}
}

// AppendMetric records an accepted metric sample.
func (b *SignalBuffer) AppendMetric(sample models.MetricSample) {
	key := metricKey{service: sample.Service, metric: sample.Metric}
	b.mu.Lock()
	defer b.mu.Unlock()
	series := append(b.metrics[key], sample)
	// Ingestion is near-ordered; a single swap pass keeps the tail sorted
	// without resorting the whole series.
	for i := len(series) - 1; i > 0 && series[i].Timestamp.Before(series[i-1].Timestamp); i-- {
		series[i], series[i-1] = series[i-1], series[i]
	}
	b.metrics[key] = trimMetrics(series, sample.Timestamp.Add(-b.span))
}

// AppendLog records an accepted log entry.
func (b *SignalBuffer) AppendLog(entry models.LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := append(b.logs[entry.Service], entry)
	for i := len(entries) - 1; i > 0 && entries[i].Timestamp.Before(entries[i-1].Timestamp); i-- {
		entries[i], entries[i-1] = entries[i-1], entries[i]
	}
	b.logs[entry.Service] = trimLogs(entries, entry.Timestamp.Add(-b.span))
}

// MetricSeries returns the buffered samples for (service, metric) inside
// [start, end], in timestamp order.
func (b *SignalBuffer) MetricSeries(_ context.Context, service, metric string, start, end time.Time) ([]models.MetricSample, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	series := b.metrics[metricKey{service: service, metric: metric}]
	lo := sort.Search(len(series), func(i int) bool { return !series[i].Timestamp.Before(start) })
	hi := sort.Search(len(series), func(i int) bool { return series[i].Timestamp.After(end) })
	if lo >= hi {
		return nil, nil
	}
	return append([]models.MetricSample(nil), series[lo:hi]...), nil
}

// Metrics lists the metric names buffered for a service.
func (b *SignalBuffer) Metrics(_ context.Context, service string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var names []string
	for key := range b.metrics {
		if key.service == service {
			names = append(names, key.metric)
		}
	}
	sort.Strings(names)
	return names, nil
}

// LogWindow returns the buffered log entries for a service inside [start, end].
func (b *SignalBuffer) LogWindow(_ context.Context, service string, start, end time.Time) ([]models.LogEntry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entries := b.logs[service]
	lo := sort.Search(len(entries), func(i int) bool { return !entries[i].Timestamp.Before(start) })
	hi := sort.Search(len(entries), func(i int) bool { return entries[i].Timestamp.After(end) })
	if lo >= hi {
		return nil, nil
	}
	return append([]models.LogEntry(nil), entries[lo:hi]...), nil
}

func trimMetrics(series []models.MetricSample, cutoff time.Time) []models.MetricSample {
	lo := sort.Search(len(series), func(i int) bool { return !series[i].Timestamp.Before(cutoff) })
	if lo == 0 {
		return series
	}
	return append(series[:0], series[lo:]...)
}

func trimLogs(entries []models.LogEntry, cutoff time.Time) []models.LogEntry {
	lo := sort.Search(len(entries), func(i int) bool { return !entries[i].Timestamp.Before(cutoff) })
	if lo == 0 {
		return entries
	}
	return append(entries[:0], entries[lo:]...)
}
