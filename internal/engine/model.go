package engine

import (
	"math"
	"sync/atomic"

	"github.com/miradorstack/mirador-causal/internal/models"
)

// ModelHolder publishes the active ranking model to the scoring path. The
// trainer swaps the snapshot atomically; rankers read whatever version was
// current when their pass started.
type ModelHolder struct {
	current atomic.Pointer[models.RankingModel]
}

// NewModelHolder constructs an empty holder; Snapshot returns nil until a
// model is set.
func NewModelHolder() *ModelHolder {
	return &ModelHolder{}
}

// Set publishes a model. A nil model clears the holder back to heuristic mode.
func (h *ModelHolder) Set(model *models.RankingModel) {
	h.current.Store(model)
}

// Snapshot returns the currently published model, or nil.
func (h *ModelHolder) Snapshot() *models.RankingModel {
	return h.current.Load()
}

// scoreLearned applies a logistic model to the evidence vector.
func scoreLearned(model *models.RankingModel, evidence models.Evidence) float64 {
	x := evidence.Vector(model.FeatureNames)
	z := model.Bias
	for i, w := range model.Weights {
		z += w * x[i]
	}
	return sigmoid(z)
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}
