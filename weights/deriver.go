// Package weights implements WeightDeriver: turns an aggregated tactic
// table into a softmax action-weight distribution, then blends it into
// the running per-mob weight map that the coordinator's episode-based
// EMA learning also writes into.
package weights

import (
	"math"

	"mobcoordinator/config"
	"mobcoordinator/types"
)

const scoreClamp = 50.0

// Derive computes updated weights for one mob type's tactics, blending
// against the previous weights for that mob type (may be nil/empty).
func Derive(tactics types.TacticTable, previous map[string]float64, cfg *config.Config) map[string]float64 {
	scores := make(map[string]float64, len(tactics))
	for action, stats := range tactics {
		score := (0.55*(2*stats.SuccessRate-1) + 0.45*math.Tanh(stats.AvgReward/8)) * math.Log1p(float64(stats.Count))
		scores[action] = score
	}

	softmaxed := softmax(scores, cfg.SoftmaxTemp)

	next := make(map[string]float64, len(scores))
	for action, softmaxWeight := range softmaxed {
		current := previous[action]
		mixed := current*(1-cfg.WeightBlend) + softmaxWeight*cfg.WeightBlend
		updated := current*(1-cfg.WeightLearningRate) + mixed*cfg.WeightLearningRate
		if !isFinite(updated) {
			continue
		}
		next[action] = clamp(updated, -1, 1)
	}

	return next
}

// softmax applies the numerically-stable max-subtraction trick with
// exponent clamping, mapping raw scores into a probability-like
// distribution in [0, 1] (used as weight contributions, not literal
// probabilities once blended with history).
func softmax(scores map[string]float64, temperature float64) map[string]float64 {
	if len(scores) == 0 {
		return map[string]float64{}
	}

	maxScore := math.Inf(-1)
	for _, s := range scores {
		if s > maxScore {
			maxScore = s
		}
	}

	exps := make(map[string]float64, len(scores))
	var sum float64
	for action, s := range scores {
		exponent := (s - maxScore) / temperature
		exponent = clamp(exponent, -scoreClamp, scoreClamp)
		e := math.Exp(exponent)
		exps[action] = e
		sum += e
	}

	out := make(map[string]float64, len(scores))
	for action, e := range exps {
		if sum > 0 {
			out[action] = e / sum
		} else {
			out[action] = 0
		}
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
