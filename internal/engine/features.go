package engine

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/miradorstack/mirador-causal/internal/config"
	"github.com/miradorstack/mirador-causal/internal/models"
	"github.com/miradorstack/mirador-causal/internal/repo"
	"github.com/miradorstack/mirador-causal/internal/store"
)

// CandidateEvidence pairs a candidate with its extracted feature vector.
type CandidateEvidence struct {
	Candidate models.Candidate
	Evidence  models.Evidence
}

// Extractor computes the evidence vector relating each candidate to an
// incident. Extraction is best-effort per feature: a telemetry read failing
// leaves that feature at zero rather than failing the whole RCA run.
type Extractor struct {
	cfg      config.FeaturesConfig
	signals  repo.SignalSource
	store    store.Store
	keywords *KeywordMatcher
	logger   *slog.Logger
}

// NewExtractor constructs an evidence extractor.
func NewExtractor(cfg config.FeaturesConfig, signals repo.SignalSource, st store.Store, keywords *KeywordMatcher, logger *slog.Logger) *Extractor {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	return &Extractor{cfg: cfg, signals: signals, store: st, keywords: keywords, logger: logger}
}

// Extract computes evidence for every candidate, at most Parallelism
// candidates concurrently. Output order follows input order.
func (e *Extractor) Extract(ctx context.Context, incident models.Incident, candidates []models.Candidate) []CandidateEvidence {
	out := make([]CandidateEvidence, len(candidates))
	sem := make(chan struct{}, e.cfg.Parallelism)
	var wg sync.WaitGroup
	for i, candidate := range candidates {
		wg.Add(1)
		go func(i int, candidate models.Candidate) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			out[i] = CandidateEvidence{
				Candidate: candidate,
				Evidence:  e.extractOne(ctx, incident, candidate),
			}
		}(i, candidate)
	}
	wg.Wait()
	return out
}

func (e *Extractor) extractOne(ctx context.Context, incident models.Incident, candidate models.Candidate) models.Evidence {
	var evidence models.Evidence

	evidence.MinutesBeforeIncident = incident.StartTS.Sub(candidate.ChangeTS).Minutes()
	// A change landing exactly at the incident start still counts as before.
	if !candidate.ChangeTS.After(incident.StartTS) {
		evidence.IsBeforeIncident = 1
	}

	services := incident.Services
	if candidate.Service != "" {
		services = []string{candidate.Service}
	}

	// The after window runs to the incident's end when known, with a floor so
	// a change seconds before closure still gets a meaningful window.
	afterEnd := candidate.ChangeTS.Add(e.cfg.MinAfterWindow)
	if end := incident.EffectiveEnd(afterEnd); end.After(afterEnd) {
		afterEnd = end
	}

	e.metricDeltas(ctx, services, candidate.ChangeTS, afterEnd, &evidence)
	e.logFeatures(ctx, services, candidate.ChangeTS, afterEnd, &evidence)

	keywordHits := e.keywords.Count(candidate.Payload.Text())
	if keywordHits > 0 {
		evidence.DiffKeywordHit = 1
	}

	labeledTrue, total, err := e.store.RiskStats(ctx, candidate.Type, candidate.Service)
	if err != nil {
		e.logger.Warn("risk stats unavailable", "candidate", candidate.Key, "error", err)
	} else if total > 0 {
		evidence.HistoricalRisk = float64(labeledTrue) / float64(total)
	}

	evidence.Extra = map[string]float64{
		"time_proximity_score": math.Max(0, 1-math.Abs(evidence.MinutesBeforeIncident)/60),
		"diff_keyword_count":   float64(keywordHits),
	}

	return evidence
}

// metricDeltas compares each metric's average level just before the change
// with its level after. A relative shift at or above the threshold counts.
func (e *Extractor) metricDeltas(ctx context.Context, services []string, changeTS, afterEnd time.Time, evidence *models.Evidence) {
	for _, service := range services {
		names, err := e.signals.Metrics(ctx, service)
		if err != nil {
			e.logger.Warn("metric listing unavailable", "service", service, "error", err)
			continue
		}
		for _, metric := range names {
			before, err := e.signals.MetricSeries(ctx, service, metric,
				changeTS.Add(-e.cfg.BeforeWindow), changeTS.Add(-time.Nanosecond))
			if err != nil {
				e.logger.Warn("metric window unavailable", "service", service, "metric", metric, "error", err)
				continue
			}
			after, err := e.signals.MetricSeries(ctx, service, metric, changeTS, afterEnd)
			if err != nil {
				e.logger.Warn("metric window unavailable", "service", service, "metric", metric, "error", err)
				continue
			}
			if len(before) == 0 || len(after) == 0 {
				continue
			}
			beforeMean := meanSamples(before)
			afterMean := meanSamples(after)
			delta := math.Abs(afterMean-beforeMean) / math.Max(math.Abs(beforeMean), 1e-9)
			if delta >= e.cfg.MinDeltaThreshold {
				evidence.MetricDeltaCount++
			}
			if delta > evidence.MaxMetricDelta {
				evidence.MaxMetricDelta = delta
			}
		}
	}
}

// logFeatures computes the relative error-log shift across the change and
// whether a previously unseen error signature appeared after it.
func (e *Extractor) logFeatures(ctx context.Context, services []string, changeTS, afterEnd time.Time, evidence *models.Evidence) {
	beforeErrors, afterErrors := 0, 0
	for _, service := range services {
		before, err := e.signals.LogWindow(ctx, service,
			changeTS.Add(-e.cfg.BeforeWindow), changeTS.Add(-time.Nanosecond))
		if err != nil {
			e.logger.Warn("log window unavailable", "service", service, "error", err)
			continue
		}
		after, err := e.signals.LogWindow(ctx, service, changeTS, afterEnd)
		if err != nil {
			e.logger.Warn("log window unavailable", "service", service, "error", err)
			continue
		}
		beforeErrors += countErrors(before)
		afterErrors += countErrors(after)

		if evidence.NewErrorSignature == 0 {
			baseline, err := e.signals.LogWindow(ctx, service,
				changeTS.Add(-e.cfg.SignatureBaseline), changeTS.Add(-time.Nanosecond))
			if err != nil {
				e.logger.Warn("signature baseline unavailable", "service", service, "error", err)
				continue
			}
			known := make(map[string]struct{})
			for _, entry := range baseline {
				if isError(entry) {
					known[signature(entry)] = struct{}{}
				}
			}
			for _, entry := range after {
				if !isError(entry) {
					continue
				}
				if _, seen := known[signature(entry)]; !seen {
					evidence.NewErrorSignature = 1
					break
				}
			}
		}
	}
	evidence.ErrorLogDelta = float64(afterErrors-beforeErrors) / math.Max(float64(beforeErrors), 1)
}

func meanSamples(samples []models.MetricSample) float64 {
	sum := 0.0
	for _, s := range samples {
		sum += s.Value
	}
	return sum / float64(len(samples))
}

func countErrors(entries []models.LogEntry) int {
	n := 0
	for _, entry := range entries {
		if isError(entry) {
			n++
		}
	}
	return n
}

func isError(entry models.LogEntry) bool {
	switch strings.ToLower(entry.Level) {
	case "error", "fatal", "critical":
		return true
	}
	return false
}

// signature identifies an error class. Structured events carry a stable name;
// free-form messages fall back to a truncated prefix.
func signature(entry models.LogEntry) string {
	if entry.Event != "" {
		return entry.Event
	}
	msg := entry.Message
	if len(msg) > 80 {
		msg = msg[:80]
	}
	return msg
}
