package engine

import (
	"log/slog"
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-causal/internal/config"
	"github.com/miradorstack/mirador-causal/internal/metrics"
	"github.com/miradorstack/mirador-causal/internal/models"
)

// Ranking modes reported on the metrics surface.
const (
	ModeHeuristic = "heuristic"
	ModeLearned   = "learned"
)

// Ranker scores and orders candidate evidence into the final suspect list.
// It runs in learned mode when a schema-compatible model is published and
// falls back to the documented heuristic otherwise.
type Ranker struct {
	cfg    config.RankerConfig
	holder *ModelHolder
	logger *slog.Logger
}

// NewRanker constructs a ranker reading the active model from holder.
func NewRanker(cfg config.RankerConfig, holder *ModelHolder, logger *slog.Logger) *Ranker {
	return &Ranker{cfg: cfg, holder: holder, logger: logger}
}

// Rank scores the evidence and returns suspects ordered and numbered 1..N.
// Ties break deterministically so repeated runs over identical evidence
// produce identical rankings.
func (r *Ranker) Rank(incidentID string, evidence []CandidateEvidence) []models.Suspect {
	model := r.holder.Snapshot()
	mode := ModeHeuristic
	if model != nil {
		if model.SchemaMatches(models.FeatureNames) {
			mode = ModeLearned
		} else {
			r.logger.Warn("active model schema mismatch, using heuristic",
				"model_version", model.Version)
		}
	}
	metrics.ObserveRankerMode(mode)

	suspects := make([]models.Suspect, 0, len(evidence))
	for _, ce := range evidence {
		score := 0.0
		if mode == ModeLearned {
			score = scoreLearned(model, ce.Evidence)
		} else {
			score = r.HeuristicScore(ce.Evidence)
		}
		suspects = append(suspects, models.Suspect{
			ID:         uuid.NewString(),
			IncidentID: incidentID,
			Type:       ce.Candidate.Type,
			Key:        ce.Candidate.Key,
			Service:    ce.Candidate.Service,
			Score:      score,
			Evidence:   ce.Evidence,
		})
	}

	sort.SliceStable(suspects, func(i, j int) bool { return less(suspects[i], suspects[j]) })
	for i := range suspects {
		suspects[i].Rank = i + 1
	}
	return suspects
}

// HeuristicScore is the hand-tuned baseline: proximity before the incident
// dominates, corroborating telemetry shifts add weight. The trainer uses it
// as the bar a learned model must clear.
func (r *Ranker) HeuristicScore(e models.Evidence) float64 {
	w := r.cfg.Weights
	score := w.IsBefore * e.IsBeforeIncident
	if e.IsBeforeIncident > 0 && w.RecencyHalfLife > 0 {
		score += w.Recency * math.Exp(-e.MinutesBeforeIncident/w.RecencyHalfLife)
	}
	score += w.MaxMetricDelta * math.Min(1, math.Max(0, e.MaxMetricDelta))
	score += w.ErrorLogDelta * math.Min(1, math.Max(0, e.ErrorLogDelta/10))
	score += w.NewErrorSignature * e.NewErrorSignature
	score += w.DiffKeywordHit * e.DiffKeywordHit
	score += w.HistoricalRisk * e.HistoricalRisk
	return score
}

func less(a, b models.Suspect) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Evidence.IsBeforeIncident != b.Evidence.IsBeforeIncident {
		return a.Evidence.IsBeforeIncident > b.Evidence.IsBeforeIncident
	}
	absA := math.Abs(a.Evidence.MinutesBeforeIncident)
	absB := math.Abs(b.Evidence.MinutesBeforeIncident)
	if absA != absB {
		return absA < absB
	}
	if a.Type.Priority() != b.Type.Priority() {
		return a.Type.Priority() < b.Type.Priority()
	}
	return a.Key < b.Key
}
