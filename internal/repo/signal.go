package repo

import (
	"context"
	"time"

	"github.com/miradorstack/mirador-causal/internal/models"
)

// SignalSource serves the historical telemetry windows that evidence
// extraction reads. Implementations must return samples in timestamp order.
type SignalSource interface {
	MetricSeries(ctx context.Context, service, metric string, start, end time.Time) ([]models.MetricSample, error)
	Metrics(ctx context.Context, service string) ([]string, error)
	LogWindow(ctx context.Context, service string, start, end time.Time) ([]models.LogEntry, error)
}
