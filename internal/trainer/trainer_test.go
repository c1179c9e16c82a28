package trainer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/miradorstack/mirador-causal/internal/config"
	"github.com/miradorstack/mirador-causal/internal/engine"
	"github.com/miradorstack/mirador-causal/internal/models"
	"github.com/miradorstack/mirador-causal/internal/store"
)

func trainerConfig() config.TrainerConfig {
	return config.TrainerConfig{
		MinLabels:    10,
		Interval:     10 * time.Minute,
		LearningRate: 0.5,
		Epochs:       500,
		HoldoutFrac:  0.2,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestTrainer(st store.Store) (*Trainer, *engine.ModelHolder) {
	holder := engine.NewModelHolder()
	ranker := engine.NewRanker(config.RankerConfig{
		Weights: config.WeightsConfig{
			IsBefore: 3.0, Recency: 2.0, RecencyHalfLife: 30,
			MaxMetricDelta: 2.5, ErrorLogDelta: 2.0,
			NewErrorSignature: 1.5, DiffKeywordHit: 1.0, HistoricalRisk: 1.0,
		},
	}, holder, discardLogger())
	return New(trainerConfig(), st, holder, ranker.HeuristicScore, discardLogger()), holder
}

// seedLabeled stores n suspects, the first positives of them labeled cause.
// Positives carry clearly separable evidence.
func seedLabeled(t *testing.T, st store.Store, n, positives int) {
	t.Helper()
	ctx := context.Background()
	suspects := make([]models.Suspect, 0, n)
	for i := 0; i < n; i++ {
		evidence := models.Evidence{MinutesBeforeIncident: -5}
		if i < positives {
			evidence = models.Evidence{
				MinutesBeforeIncident: 5,
				IsBeforeIncident:      1,
				MaxMetricDelta:        1,
				NewErrorSignature:     1,
			}
		}
		suspects = append(suspects, models.Suspect{
			ID:         fmt.Sprintf("s-%d", i),
			IncidentID: "inc-train",
			Type:       models.ChangeDeployment,
			Key:        fmt.Sprintf("deploy:checkout:v%d", i),
			Service:    "checkout",
			Rank:       i + 1,
			Evidence:   evidence,
		})
	}
	if err := st.ReplaceSuspects(ctx, "inc-train", suspects); err != nil {
		t.Fatalf("seed suspects: %v", err)
	}
	for i := 0; i < n; i++ {
		value := 0
		if i < positives {
			value = 1
		}
		if err := st.AppendLabel(ctx, models.Label{
			ID: fmt.Sprintf("l-%d", i), IncidentID: "inc-train",
			SuspectID: fmt.Sprintf("s-%d", i), Value: value,
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			t.Fatalf("seed label: %v", err)
		}
	}
}

func TestSkipsBelowMinLabels(t *testing.T) {
	st := store.NewMemory()
	seedLabeled(t, st, 5, 2)
	trainer, holder := newTestTrainer(st)

	if err := trainer.TrainOnce(context.Background()); err != nil {
		t.Fatalf("train: %v", err)
	}
	if holder.Snapshot() != nil {
		t.Fatalf("no model may be published below the label floor")
	}
	active, _ := st.ActiveModel(context.Background())
	if active != nil {
		t.Fatalf("no model may be activated below the label floor")
	}

	// Relabeling the same suspects repeatedly must not inflate the count.
	for i := 0; i < 6; i++ {
		if err := st.AppendLabel(context.Background(), models.Label{
			ID: fmt.Sprintf("relabel-%d", i), IncidentID: "inc-train",
			SuspectID: "s-0", Value: 1, CreatedAt: time.Now().UTC(),
		}); err != nil {
			t.Fatalf("relabel: %v", err)
		}
	}
	if err := trainer.TrainOnce(context.Background()); err != nil {
		t.Fatalf("train: %v", err)
	}
	if holder.Snapshot() != nil {
		t.Fatalf("superseded labels count once toward the floor")
	}
}

func TestSkipsSingleClassLabels(t *testing.T) {
	st := store.NewMemory()
	seedLabeled(t, st, 12, 0)
	trainer, holder := newTestTrainer(st)

	if err := trainer.TrainOnce(context.Background()); err != nil {
		t.Fatalf("train: %v", err)
	}
	if holder.Snapshot() != nil {
		t.Fatalf("single-class labels cannot train a model")
	}
}

func TestTrainsAndPromotes(t *testing.T) {
	st := store.NewMemory()
	seedLabeled(t, st, 20, 8)
	trainer, holder := newTestTrainer(st)

	if err := trainer.TrainOnce(context.Background()); err != nil {
		t.Fatalf("train: %v", err)
	}

	model := holder.Snapshot()
	if model == nil {
		t.Fatalf("expected a published model")
	}
	if !model.SchemaMatches(models.FeatureNames) {
		t.Fatalf("model schema must match the evidence schema: %v", model.FeatureNames)
	}
	if model.TrainedOn != 20 {
		t.Fatalf("expected trained_on 20, got %d", model.TrainedOn)
	}

	active, err := st.ActiveModel(context.Background())
	if err != nil || active == nil {
		t.Fatalf("store should carry the active model: %v", err)
	}
	if active.Version != model.Version {
		t.Fatalf("store and holder disagree on the active version")
	}

	// The model must separate the seeded classes.
	positive := models.Evidence{
		MinutesBeforeIncident: 5, IsBeforeIncident: 1, MaxMetricDelta: 1, NewErrorSignature: 1,
	}
	negative := models.Evidence{MinutesBeforeIncident: -5}
	pPos := predict(model.Weights, model.Bias, positive.Vector(models.FeatureNames))
	pNeg := predict(model.Weights, model.Bias, negative.Vector(models.FeatureNames))
	if pPos <= pNeg {
		t.Fatalf("model failed to separate classes: pos %v vs neg %v", pPos, pNeg)
	}
}

func TestRetrainReplacesActiveVersion(t *testing.T) {
	st := store.NewMemory()
	seedLabeled(t, st, 20, 8)
	trainer, holder := newTestTrainer(st)

	ctx := context.Background()
	if err := trainer.TrainOnce(ctx); err != nil {
		t.Fatalf("first train: %v", err)
	}
	first := holder.Snapshot().Version

	time.Sleep(2 * time.Millisecond) // version is timestamp-derived
	if err := trainer.TrainOnce(ctx); err != nil {
		t.Fatalf("second train: %v", err)
	}
	second := holder.Snapshot().Version
	if first == second {
		t.Fatalf("retraining should mint a new version")
	}
	active, _ := st.ActiveModel(ctx)
	if active.Version != second {
		t.Fatalf("latest version must be the active one")
	}
}

func TestAUC(t *testing.T) {
	cases := []struct {
		name    string
		scores  []float64
		targets []int
		want    float64
	}{
		{"perfect", []float64{0.9, 0.8, 0.2, 0.1}, []int{1, 1, 0, 0}, 1.0},
		{"inverted", []float64{0.1, 0.2, 0.8, 0.9}, []int{1, 1, 0, 0}, 0.0},
		{"ties", []float64{0.5, 0.5, 0.5, 0.5}, []int{1, 1, 0, 0}, 0.5},
		{"single class", []float64{0.5, 0.6}, []int{1, 1}, 0.5},
	}
	for _, tc := range cases {
		if got := auc(tc.scores, tc.targets); got != tc.want {
			t.Errorf("%s: auc = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestSplitIsDeterministicAndNonEmpty(t *testing.T) {
	trainA, holdA := split(10, 0.2)
	trainB, holdB := split(10, 0.2)
	if len(holdA) != 2 || len(trainA) != 8 {
		t.Fatalf("unexpected split sizes: %d/%d", len(trainA), len(holdA))
	}
	for i := range trainA {
		if trainA[i] != trainB[i] {
			t.Fatalf("split must be deterministic")
		}
	}
	for i := range holdA {
		if holdA[i] != holdB[i] {
			t.Fatalf("split must be deterministic")
		}
	}

	train, hold := split(2, 0.9)
	if len(train) != 1 || len(hold) != 1 {
		t.Fatalf("both halves must stay non-empty: %d/%d", len(train), len(hold))
	}
}
