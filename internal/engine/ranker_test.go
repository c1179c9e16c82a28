package engine

import (
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/miradorstack/mirador-causal/internal/config"
	"github.com/miradorstack/mirador-causal/internal/models"
)

func rankerConfig() config.RankerConfig {
	return config.RankerConfig{
		Weights: config.WeightsConfig{
			IsBefore:          3.0,
			Recency:           2.0,
			RecencyHalfLife:   30,
			MaxMetricDelta:    2.5,
			ErrorLogDelta:     2.0,
			NewErrorSignature: 1.5,
			DiffKeywordHit:    1.0,
			HistoricalRisk:    1.0,
		},
		RunTimeout: time.Minute,
		MaxRetries: 3,
	}
}

func newTestRanker() *Ranker {
	return NewRanker(rankerConfig(), NewModelHolder(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func deployEvidence(minutesBefore float64) CandidateEvidence {
	key := "deploy:checkout:" + time.Duration(minutesBefore*float64(time.Minute)).String()
	evidence := models.Evidence{MinutesBeforeIncident: minutesBefore}
	if minutesBefore > 0 {
		evidence.IsBeforeIncident = 1
	}
	return CandidateEvidence{
		Candidate: models.Candidate{
			Type: models.ChangeDeployment, Key: key, Service: "checkout",
		},
		Evidence: evidence,
	}
}

func TestRecencyOrdersDeployments(t *testing.T) {
	r := newTestRanker()
	suspects := r.Rank("inc-1", []CandidateEvidence{
		deployEvidence(50),
		deployEvidence(5),
		deployEvidence(15),
	})

	if len(suspects) != 3 {
		t.Fatalf("expected 3 suspects, got %d", len(suspects))
	}
	if suspects[0].Evidence.MinutesBeforeIncident != 5 {
		t.Fatalf("closest pre-incident deploy should rank first, got %v minutes",
			suspects[0].Evidence.MinutesBeforeIncident)
	}
	if suspects[1].Evidence.MinutesBeforeIncident != 15 || suspects[2].Evidence.MinutesBeforeIncident != 50 {
		t.Fatalf("recency order broken: %v, %v",
			suspects[1].Evidence.MinutesBeforeIncident, suspects[2].Evidence.MinutesBeforeIncident)
	}
	for i, s := range suspects {
		if s.Rank != i+1 {
			t.Fatalf("ranks must be contiguous from 1, got %d at index %d", s.Rank, i)
		}
	}
}

func TestChangesAfterIncidentScoreLower(t *testing.T) {
	r := newTestRanker()
	suspects := r.Rank("inc-1", []CandidateEvidence{
		deployEvidence(-5), // deployed after the incident started
		deployEvidence(90), // old but before
	})
	if suspects[0].Evidence.IsBeforeIncident != 1 {
		t.Fatalf("a pre-incident change must outrank a post-incident one")
	}
	if suspects[1].Score >= suspects[0].Score {
		t.Fatalf("post-incident change should score strictly lower: %v vs %v",
			suspects[1].Score, suspects[0].Score)
	}
}

func TestCorroboratingEvidenceAddsWeight(t *testing.T) {
	r := newTestRanker()
	plain := deployEvidence(20)
	loud := deployEvidence(20)
	loud.Candidate.Key = "deploy:checkout:loud"
	loud.Evidence.MaxMetricDelta = 3.0 // capped at 1 in scoring
	loud.Evidence.ErrorLogDelta = 25   // capped at 10/10
	loud.Evidence.NewErrorSignature = 1
	loud.Evidence.DiffKeywordHit = 1
	loud.Evidence.HistoricalRisk = 0.5

	suspects := r.Rank("inc-1", []CandidateEvidence{plain, loud})
	if suspects[0].Key != "deploy:checkout:loud" {
		t.Fatalf("corroborated candidate should rank first")
	}
	w := rankerConfig().Weights
	wantGap := w.MaxMetricDelta*1 + w.ErrorLogDelta*1 + w.NewErrorSignature + w.DiffKeywordHit + w.HistoricalRisk*0.5
	gap := suspects[0].Score - suspects[1].Score
	if math.Abs(gap-wantGap) > 1e-9 {
		t.Fatalf("expected score gap %v, got %v", wantGap, gap)
	}
}

func TestDeterministicTieBreaks(t *testing.T) {
	r := newTestRanker()
	flag := CandidateEvidence{
		Candidate: models.Candidate{Type: models.ChangeFlag, Key: "flag:new-cart"},
		Evidence:  models.Evidence{MinutesBeforeIncident: 10, IsBeforeIncident: 1},
	}
	deploy := CandidateEvidence{
		Candidate: models.Candidate{Type: models.ChangeDeployment, Key: "deploy:checkout:v2", Service: "checkout"},
		Evidence:  models.Evidence{MinutesBeforeIncident: 10, IsBeforeIncident: 1},
	}

	first := r.Rank("inc-1", []CandidateEvidence{flag, deploy})
	second := r.Rank("inc-1", []CandidateEvidence{deploy, flag})
	if first[0].Key != "deploy:checkout:v2" || second[0].Key != "deploy:checkout:v2" {
		t.Fatalf("deployment should win ties regardless of input order: %s / %s",
			first[0].Key, second[0].Key)
	}
}

func TestLearnedModeScoresWithModel(t *testing.T) {
	holder := NewModelHolder()
	r := NewRanker(rankerConfig(), holder, slog.New(slog.NewTextHandler(io.Discard, nil)))

	weights := make([]float64, len(models.FeatureNames))
	for i, name := range models.FeatureNames {
		if name == "is_before_incident" {
			weights[i] = 4.0
		}
	}
	holder.Set(&models.RankingModel{
		Version:      "v-test",
		FeatureNames: models.FeatureNames,
		Weights:      weights,
		Bias:         -2.0,
	})

	suspects := r.Rank("inc-1", []CandidateEvidence{deployEvidence(5)})
	want := sigmoid(4.0*1 - 2.0)
	if math.Abs(suspects[0].Score-want) > 1e-9 {
		t.Fatalf("expected learned score %v, got %v", want, suspects[0].Score)
	}
}

func TestSchemaMismatchFallsBackToHeuristic(t *testing.T) {
	holder := NewModelHolder()
	r := NewRanker(rankerConfig(), holder, slog.New(slog.NewTextHandler(io.Discard, nil)))
	holder.Set(&models.RankingModel{
		Version:      "v-old",
		FeatureNames: []string{"minutes_before_incident"},
		Weights:      []float64{1.0},
	})

	suspects := r.Rank("inc-1", []CandidateEvidence{deployEvidence(5)})
	heuristic := newTestRanker().Rank("inc-1", []CandidateEvidence{deployEvidence(5)})
	if math.Abs(suspects[0].Score-heuristic[0].Score) > 1e-9 {
		t.Fatalf("incompatible model must not change scoring: %v vs %v",
			suspects[0].Score, heuristic[0].Score)
	}
}
