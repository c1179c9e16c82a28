package trainer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/miradorstack/mirador-causal/internal/config"
	"github.com/miradorstack/mirador-causal/internal/engine"
	"github.com/miradorstack/mirador-causal/internal/metrics"
	"github.com/miradorstack/mirador-causal/internal/models"
	"github.com/miradorstack/mirador-causal/internal/store"
	"github.com/miradorstack/mirador-causal/internal/utils"
)

// shuffleSeed keeps the train/holdout split reproducible across runs.
const shuffleSeed = 42

// Trainer fits a logistic ranking model on accumulated feedback and promotes
// it only when it beats the heuristic baseline on held-out labels. Activation
// is atomic: the store flips the active version and the holder swaps the
// in-process snapshot, so scoring never sees a half-published model.
type Trainer struct {
	cfg      config.TrainerConfig
	store    store.Store
	holder   *engine.ModelHolder
	baseline func(models.Evidence) float64
	logger   *slog.Logger
}

// New constructs a trainer. baseline scores evidence the way the heuristic
// ranker would.
func New(cfg config.TrainerConfig, st store.Store, holder *engine.ModelHolder, baseline func(models.Evidence) float64, logger *slog.Logger) *Trainer {
	return &Trainer{cfg: cfg, store: st, holder: holder, baseline: baseline, logger: logger}
}

// Run retrains on the configured interval until ctx is cancelled.
func (t *Trainer) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.TrainOnce(ctx); err != nil {
				t.logger.Error("retraining failed", "error", err)
			}
		}
	}
}

// TrainOnce runs a single retraining pass. With too little feedback, or a
// model that fails validation, the pass is a no-op and the previous scoring
// behaviour stays in effect.
func (t *Trainer) TrainOnce(ctx context.Context) error {
	total, err := t.store.CountLabels(ctx)
	if err != nil {
		metrics.ObserveTrainerRun(metrics.OutcomeError)
		return utils.NewAppError("trainer.train", "count labels", err)
	}
	if total < t.cfg.MinLabels {
		metrics.ObserveTrainerRun(metrics.OutcomeSkipped)
		t.logger.Info("not enough labels to train",
			"labels", total, "required", t.cfg.MinLabels)
		return nil
	}

	labeled, err := t.store.LatestLabels(ctx)
	if err != nil {
		metrics.ObserveTrainerRun(metrics.OutcomeError)
		return utils.NewAppError("trainer.train", "load labels", err)
	}

	features := make([][]float64, len(labeled))
	targets := make([]int, len(labeled))
	positives := 0
	for i, le := range labeled {
		features[i] = le.Evidence.Vector(models.FeatureNames)
		targets[i] = le.Label
		if le.Label == 1 {
			positives++
		}
	}
	if positives == 0 || positives == len(labeled) {
		metrics.ObserveTrainerRun(metrics.OutcomeSkipped)
		t.logger.Info("labels are single-class, skipping training", "positives", positives)
		return nil
	}

	trainIdx, holdoutIdx := split(len(labeled), t.cfg.HoldoutFrac)
	weights, bias := t.fit(features, targets, trainIdx)

	modelScores := make([]float64, len(holdoutIdx))
	baselineScores := make([]float64, len(holdoutIdx))
	holdoutTargets := make([]int, len(holdoutIdx))
	for i, idx := range holdoutIdx {
		modelScores[i] = predict(weights, bias, features[idx])
		baselineScores[i] = t.baseline(labeled[idx].Evidence)
		holdoutTargets[i] = targets[idx]
	}
	modelAUC := auc(modelScores, holdoutTargets)
	baselineAUC := auc(baselineScores, holdoutTargets)
	if modelAUC < baselineAUC {
		metrics.ObserveTrainerRun(metrics.OutcomeSkipped)
		t.logger.Warn("trained model under-performs heuristic, not promoting",
			"model_auc", modelAUC, "baseline_auc", baselineAUC)
		return nil
	}

	model := models.RankingModel{
		Version:      fmt.Sprintf("v-%d", time.Now().UTC().UnixMilli()),
		TrainedOn:    len(labeled),
		FeatureNames: append([]string(nil), models.FeatureNames...),
		Weights:      weights,
		Bias:         bias,
		CreatedAt:    time.Now().UTC(),
	}
	if err := t.store.SaveModel(ctx, model); err != nil {
		metrics.ObserveTrainerRun(metrics.OutcomeError)
		return utils.NewAppError("trainer.train", "save model", err)
	}
	if err := t.store.ActivateModel(ctx, model.Version); err != nil {
		metrics.ObserveTrainerRun(metrics.OutcomeError)
		return utils.NewAppError("trainer.train", "activate model", err)
	}
	t.holder.Set(&model)

	metrics.ObserveTrainerRun(metrics.OutcomeSuccess)
	t.logger.Info("ranking model promoted",
		"version", model.Version, "trained_on", model.TrainedOn,
		"model_auc", modelAUC, "baseline_auc", baselineAUC)
	return nil
}

// fit runs weighted gradient descent on the logistic loss. Class weights
// balance the label skew typical of feedback data, where most suspects are
// marked not-cause.
func (t *Trainer) fit(features [][]float64, targets []int, trainIdx []int) ([]float64, float64) {
	dim := len(models.FeatureNames)
	weights := make([]float64, dim)
	bias := 0.0

	positives := 0
	for _, idx := range trainIdx {
		positives += targets[idx]
	}
	negatives := len(trainIdx) - positives
	wPos, wNeg := 1.0, 1.0
	if positives > 0 && negatives > 0 {
		n := float64(len(trainIdx))
		wPos = n / (2 * float64(positives))
		wNeg = n / (2 * float64(negatives))
	}

	grad := make([]float64, dim)
	for epoch := 0; epoch < t.cfg.Epochs; epoch++ {
		for i := range grad {
			grad[i] = 0
		}
		gradBias := 0.0
		for _, idx := range trainIdx {
			p := predict(weights, bias, features[idx])
			residual := p - float64(targets[idx])
			w := wNeg
			if targets[idx] == 1 {
				w = wPos
			}
			for i, x := range features[idx] {
				grad[i] += w * residual * x
			}
			gradBias += w * residual
		}
		scale := t.cfg.LearningRate / float64(len(trainIdx))
		for i := range weights {
			weights[i] -= scale * grad[i]
		}
		bias -= scale * gradBias
	}
	return weights, bias
}

func predict(weights []float64, bias float64, x []float64) float64 {
	z := bias
	for i, w := range weights {
		z += w * x[i]
	}
	return 1 / (1 + math.Exp(-z))
}

// split shuffles deterministically and carves off the holdout fraction. Both
// halves are always non-empty.
func split(n int, holdoutFrac float64) (train, holdout []int) {
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	rng := rand.New(rand.NewSource(shuffleSeed))
	rng.Shuffle(n, func(i, j int) { indices[i], indices[j] = indices[j], indices[i] })

	cut := int(float64(n) * holdoutFrac)
	if cut < 1 {
		cut = 1
	}
	if cut >= n {
		cut = n - 1
	}
	return indices[cut:], indices[:cut]
}

// auc is the Mann-Whitney estimate of ranking quality: the probability a
// random positive outscores a random negative. Single-class slices score 0.5.
func auc(scores []float64, targets []int) float64 {
	type pair struct {
		score float64
		label int
	}
	pairs := make([]pair, len(scores))
	positives, negatives := 0, 0
	for i := range scores {
		pairs[i] = pair{score: scores[i], label: targets[i]}
		if targets[i] == 1 {
			positives++
		} else {
			negatives++
		}
	}
	if positives == 0 || negatives == 0 {
		return 0.5
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].score < pairs[j].score })

	wins := 0.0
	seenNeg := 0.0
	i := 0
	for i < len(pairs) {
		j := i
		tiePos, tieNeg := 0.0, 0.0
		for j < len(pairs) && pairs[j].score == pairs[i].score {
			if pairs[j].label == 1 {
				tiePos++
			} else {
				tieNeg++
			}
			j++
		}
		wins += tiePos * (seenNeg + tieNeg/2)
		seenNeg += tieNeg
		i = j
	}
	return wins / (float64(positives) * float64(negatives))
}
