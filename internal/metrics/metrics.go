package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels completed operations.
	OutcomeSuccess = "success"
	// OutcomeError labels failed operations.
	OutcomeError = "error"
	// OutcomeTimeout labels RCA runs aborted by their deadline.
	OutcomeTimeout = "timeout"
	// OutcomeSkipped labels trainer runs that did not produce a model.
	OutcomeSkipped = "skipped"
)

var (
	samplesIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_causal",
			Name:      "samples_ingested_total",
			Help:      "Ingested telemetry records, partitioned by kind.",
		},
		[]string{"kind"},
	)

	samplesRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_causal",
			Name:      "samples_rejected_total",
			Help:      "Telemetry records rejected at the ingestion boundary.",
		},
		[]string{"kind"},
	)

	anomaliesDetectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mirador_causal",
			Name:      "anomalies_detected_total",
			Help:      "Anomaly episodes opened by the detector.",
		},
	)

	lateSamplesDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mirador_causal",
			Name:      "late_samples_dropped_total",
			Help:      "Metric samples dropped for arriving outside the lateness bound.",
		},
	)

	incidentsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mirador_causal",
			Name:      "incidents_open",
			Help:      "Incidents currently in the OPEN state.",
		},
	)

	rcaRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_causal",
			Name:      "rca_runs_total",
			Help:      "RCA runs executed, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	rcaRunSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mirador_causal",
			Name:      "rca_run_seconds",
			Help:      "RCA run latency in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 40, 60},
		},
	)

	rankerModeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_causal",
			Name:      "ranker_mode_total",
			Help:      "Ranking passes, partitioned by scoring mode (heuristic or learned).",
		},
		[]string{"mode"},
	)

	trainerRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_causal",
			Name:      "trainer_runs_total",
			Help:      "Retraining attempts, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	activityEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_causal",
			Name:      "activity_events_total",
			Help:      "Activity feed events published, partitioned by type.",
		},
		[]string{"type"},
	)
)

// Register attaches all collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		samplesIngestedTotal,
		samplesRejectedTotal,
		anomaliesDetectedTotal,
		lateSamplesDroppedTotal,
		incidentsOpen,
		rcaRunsTotal,
		rcaRunSeconds,
		rankerModeTotal,
		trainerRunsTotal,
		activityEventsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveIngest counts an accepted telemetry record.
func ObserveIngest(kind string) { samplesIngestedTotal.WithLabelValues(kind).Inc() }

// ObserveReject counts a record rejected at the boundary.
func ObserveReject(kind string) { samplesRejectedTotal.WithLabelValues(kind).Inc() }

// ObserveAnomaly counts a new anomaly episode.
func ObserveAnomaly() { anomaliesDetectedTotal.Inc() }

// ObserveLateDrop counts a sample dropped for lateness.
func ObserveLateDrop() { lateSamplesDroppedTotal.Inc() }

// SetOpenIncidents records the current number of OPEN incidents.
func SetOpenIncidents(n int) { incidentsOpen.Set(float64(n)) }

// ObserveRCARun records an RCA run duration and outcome.
func ObserveRCARun(duration time.Duration, outcome string) {
	rcaRunsTotal.WithLabelValues(outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	rcaRunSeconds.Observe(duration.Seconds())
}

// ObserveRankerMode records which scoring mode a ranking pass used.
func ObserveRankerMode(mode string) { rankerModeTotal.WithLabelValues(mode).Inc() }

// ObserveTrainerRun records a retraining attempt outcome.
func ObserveTrainerRun(outcome string) { trainerRunsTotal.WithLabelValues(outcome).Inc() }

// ObserveActivityEvent counts a published activity event.
func ObserveActivityEvent(eventType string) {
	activityEventsTotal.WithLabelValues(eventType).Inc()
}
