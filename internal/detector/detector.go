package detector

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-causal/internal/config"
	"github.com/miradorstack/mirador-causal/internal/metrics"
	"github.com/miradorstack/mirador-causal/internal/models"
	"github.com/miradorstack/mirador-causal/internal/store"
)

// DetectorName identifies the scoring method stamped on produced anomalies.
const DetectorName = "robust_zscore"

// madScale converts the median absolute deviation into a consistent
// estimator of the standard deviation for normal data.
const madScale = 1.4826

// Sink receives anomaly episode transitions as they happen. The grouper is
// the production implementation.
type Sink interface {
	AnomalyOpened(ctx context.Context, anomaly models.Anomaly)
	AnomalyExtended(ctx context.Context, anomaly models.Anomaly)
	AnomalyClosed(ctx context.Context, anomaly models.Anomaly)
}

// ActivitySink publishes detector events onto the live activity feed.
type ActivitySink interface {
	Publish(eventType models.ActivityType, service, message string, metadata map[string]string)
}

// Detector turns per-(service, metric) sample streams into anomaly episodes
// using a robust z-score against a rolling baseline. Each stream carries its
// own state; a sample for one stream never touches another's.
type Detector struct {
	cfg      config.DetectorConfig
	store    store.Store
	sink     Sink
	activity ActivitySink
	logger   *slog.Logger

	mu     sync.Mutex
	states map[streamKey]*streamState
}

type streamKey struct {
	service string
	metric  string
}

type sample struct {
	ts    time.Time
	value float64
}

type streamState struct {
	samples []sample // ordered, trimmed to the baseline window

	lastTS        time.Time
	breaches      int
	firstBreachTS time.Time
	lastBreachTS  time.Time

	episode    *models.Anomaly
	belowSince time.Time
}

// New constructs a detector that persists anomalies through st and reports
// episode transitions to sink.
func New(cfg config.DetectorConfig, st store.Store, sink Sink, activity ActivitySink, logger *slog.Logger) *Detector {
	return &Detector{
		cfg:      cfg,
		store:    st,
		sink:     sink,
		activity: activity,
		logger:   logger,
		states:   make(map[streamKey]*streamState),
	}
}

// Offer feeds one metric sample through the episode state machine. Samples
// arriving more than the lateness bound behind the stream's watermark are
// dropped; everything else is evaluated in arrival order.
func (d *Detector) Offer(ctx context.Context, s models.MetricSample) error {
	key := streamKey{service: s.Service, metric: s.Metric}

	d.mu.Lock()
	st, ok := d.states[key]
	if !ok {
		st = &streamState{}
		d.states[key] = st
	}

	if !st.lastTS.IsZero() && s.Timestamp.Before(st.lastTS.Add(-d.cfg.LatenessBound)) {
		d.mu.Unlock()
		metrics.ObserveLateDrop()
		d.logger.Debug("late sample dropped",
			"service", s.Service, "metric", s.Metric, "ts", s.Timestamp)
		return nil
	}
	if s.Timestamp.After(st.lastTS) {
		st.lastTS = s.Timestamp
	}

	z, scored := d.score(st, s)
	st.append(s, d.cfg.BaselineWindow)

	transition := d.advance(st, s, z, scored)
	var episode models.Anomaly
	if transition != transitionNone {
		episode = *st.episode
	}
	if transition == transitionClose {
		st.episode = nil
		st.breaches = 0
		st.belowSince = time.Time{}
	}
	d.mu.Unlock()

	switch transition {
	case transitionOpen:
		if err := d.store.CreateAnomaly(ctx, episode); err != nil {
			return err
		}
		metrics.ObserveAnomaly()
		d.logger.Info("anomaly episode opened",
			"service", episode.Service, "metric", episode.Metric,
			"score", episode.Score, "start", episode.StartTS)
		d.activity.Publish(models.ActivityAnomalyDetected, episode.Service,
			"Anomaly detected on "+episode.Service+"/"+episode.Metric,
			map[string]string{"anomaly_id": episode.ID, "metric": episode.Metric})
		d.sink.AnomalyOpened(ctx, episode)
	case transitionExtend:
		if err := d.store.UpdateAnomaly(ctx, episode); err != nil {
			return err
		}
		d.sink.AnomalyExtended(ctx, episode)
	case transitionClose:
		if err := d.store.UpdateAnomaly(ctx, episode); err != nil {
			return err
		}
		d.logger.Info("anomaly episode closed",
			"service", episode.Service, "metric", episode.Metric, "end", episode.EndTS)
		d.sink.AnomalyClosed(ctx, episode)
	}
	return nil
}

type transition int

const (
	transitionNone transition = iota
	transitionOpen
	transitionExtend
	transitionClose
)

// score computes the robust z-score of the current level against the
// stream's baseline. The current level is the median of the eval window so a
// single wild point cannot breach on its own; the baseline excludes the eval
// window so an ongoing deviation does not absorb itself.
func (d *Detector) score(st *streamState, s models.MetricSample) (float64, bool) {
	split := sort.Search(len(st.samples), func(i int) bool {
		return st.samples[i].ts.After(s.Timestamp.Add(-d.cfg.EvalWindow))
	})
	baseline := st.samples[:split]
	if len(baseline) < d.cfg.MinPoints {
		return 0, false
	}

	evalValues := make([]float64, 0, len(st.samples)-split+1)
	for _, p := range st.samples[split:] {
		evalValues = append(evalValues, p.value)
	}
	evalValues = append(evalValues, s.Value)
	current := median(evalValues)

	baseValues := make([]float64, len(baseline))
	for i, p := range baseline {
		baseValues[i] = p.value
	}
	baseMedian := median(baseValues)

	deviations := make([]float64, len(baseValues))
	for i, v := range baseValues {
		deviations[i] = math.Abs(v - baseMedian)
	}
	mad := median(deviations)

	denom := madScale * mad
	if denom == 0 {
		if current == baseMedian {
			return 0, true
		}
		// A perfectly flat baseline makes any deviation a breach.
		if current > baseMedian {
			return d.cfg.ZThreshold + 1, true
		}
		return -(d.cfg.ZThreshold + 1), true
	}
	return (current - baseMedian) / denom, true
}

func (d *Detector) advance(st *streamState, s models.MetricSample, z float64, scored bool) transition {
	breach := scored && d.isBreach(s.Metric, z)

	if st.episode == nil {
		if !breach {
			st.breaches = 0
			return transitionNone
		}
		if st.breaches == 0 || s.Timestamp.Sub(st.lastBreachTS) > d.cfg.GapTolerance {
			st.breaches = 0
			st.firstBreachTS = s.Timestamp
		}
		st.breaches++
		st.lastBreachTS = s.Timestamp
		if st.breaches < d.cfg.RequiredBreaches {
			return transitionNone
		}
		st.episode = &models.Anomaly{
			ID:       uuid.NewString(),
			Service:  s.Service,
			Metric:   s.Metric,
			StartTS:  st.firstBreachTS,
			EndTS:    s.Timestamp,
			Score:    math.Abs(z),
			Detector: DetectorName,
			Details:  map[string]float64{"z": z, "value": s.Value},
			Open:     true,
		}
		return transitionOpen
	}

	if breach {
		st.lastBreachTS = s.Timestamp
		st.belowSince = time.Time{}
		if s.Timestamp.After(st.episode.EndTS) {
			st.episode.EndTS = s.Timestamp
		}
		if abs := math.Abs(z); abs > st.episode.Score {
			st.episode.Score = abs
			st.episode.Details["z"] = z
			st.episode.Details["value"] = s.Value
		}
		return transitionExtend
	}

	if st.belowSince.IsZero() {
		st.belowSince = s.Timestamp
		return transitionNone
	}
	if s.Timestamp.Sub(st.belowSince) >= d.cfg.Cooldown {
		st.episode.Open = false
		return transitionClose
	}
	return transitionNone
}

// isBreach applies the metric's bad direction: a latency spike matters, a
// latency drop does not.
func (d *Detector) isBreach(metric string, z float64) bool {
	switch d.cfg.BadDirections[metric] {
	case "up":
		return z >= d.cfg.ZThreshold
	case "down":
		return z <= -d.cfg.ZThreshold
	default:
		return math.Abs(z) >= d.cfg.ZThreshold
	}
}

func (st *streamState) append(s models.MetricSample, window time.Duration) {
	point := sample{ts: s.Timestamp, value: s.Value}
	st.samples = append(st.samples, point)
	for i := len(st.samples) - 1; i > 0 && st.samples[i].ts.Before(st.samples[i-1].ts); i-- {
		st.samples[i], st.samples[i-1] = st.samples[i-1], st.samples[i]
	}
	cutoff := st.lastTS.Add(-window)
	lo := sort.Search(len(st.samples), func(i int) bool { return !st.samples[i].ts.Before(cutoff) })
	if lo > 0 {
		st.samples = append(st.samples[:0], st.samples[lo:]...)
	}
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
