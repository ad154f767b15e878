// Package aggregator implements RobustAggregator: a pure function that
// folds per-client tactic tables into one blended tactic table using
// sublinear client weighting, Tukey-fence outlier rejection, and
// Bayesian-smoothed success rates, federated-averaging style per
// fedai-oss-fl-go's FedAvgAggregator but with outlier rejection and
// momentum blending against the previous round's published values.
package aggregator

import (
	"math"
	"sort"

	"mobcoordinator/config"
	"mobcoordinator/types"
)

// observation is one client's sanitized report of a single action.
type observation struct {
	count          int
	avgReward      float64
	successCount   int
	failureCount   int
	successRateRaw float64
	weight         float64
}

// AggregateAll runs Aggregate independently per mob type. perMob maps a
// mob type to the list of tactic tables submitted for it this round;
// previous is the prior round's global model tactics, keyed the same way.
func AggregateAll(perMob map[string][]types.TacticTable, previous map[string]types.TacticTable, cfg *config.Config) map[string]types.TacticTable {
	out := make(map[string]types.TacticTable, len(perMob))
	for mobType, tables := range perMob {
		out[mobType] = Aggregate(tables, previous[mobType], cfg)
	}
	return out
}

// Aggregate blends perClientTables (one TacticTable per contributing
// client for a given mob type) into a single TacticTable, using
// previous as the prior round's published aggregate for momentum
// blending (may be nil for a mob type's first round).
func Aggregate(perClientTables []types.TacticTable, previous types.TacticTable, cfg *config.Config) types.TacticTable {
	actions := unionActions(perClientTables, cfg.MaxActions)
	out := make(types.TacticTable, len(actions))

	for _, action := range actions {
		obs := collectObservations(perClientTables, action)
		obs = sanitize(obs)
		if len(obs) == 0 {
			continue
		}

		trimmed := trimOutliers(obs, cfg.IQRK)
		if len(trimmed) == 0 {
			trimmed = obs
		}

		avgReward, totalCount, totalSuccess := weightedAggregate(trimmed)
		successRate := bayesianSmooth(totalSuccess, totalCount, cfg.PriorA, cfg.PriorB)

		if prev, ok := previous[action]; ok {
			avgReward = cfg.Momentum*prev.AvgReward + (1-cfg.Momentum)*avgReward
			prevRate := prev.SuccessRate
			successRate = cfg.Momentum*prevRate + (1-cfg.Momentum)*successRate
		}

		avgReward = finiteOr(avgReward, 0)
		successRate = clamp01(finiteOr(successRate, 0.5))

		stats := types.TacticStats{
			Count:        totalCount,
			AvgReward:    avgReward,
			SuccessCount: totalSuccess,
			SuccessRate:  successRate,
		}
		stats.SetSuccessRate(successRate)
		out[action] = stats
	}

	return out
}

// unionActions collects the distinct action names across all tables, in
// first-seen order for stability, capped at maxActions.
func unionActions(tables []types.TacticTable, maxActions int) []string {
	seen := make(map[string]bool)
	var actions []string
	for _, t := range tables {
		keys := make([]string, 0, len(t))
		for a := range t {
			keys = append(keys, a)
		}
		sort.Strings(keys)
		for _, a := range keys {
			if !seen[a] {
				seen[a] = true
				actions = append(actions, a)
			}
		}
	}
	if len(actions) > maxActions {
		actions = actions[:maxActions]
	}
	return actions
}

func collectObservations(tables []types.TacticTable, action string) []observation {
	var obs []observation
	for _, t := range tables {
		s, ok := t[action]
		if !ok {
			continue
		}
		denom := math.Max(float64(s.Count), math.Max(float64(s.SuccessCount+s.FailureCount), 1))
		rate := clamp01(float64(s.SuccessCount) / denom)
		obs = append(obs, observation{
			count:          s.Count,
			avgReward:      s.AvgReward,
			successCount:   s.SuccessCount,
			failureCount:   s.FailureCount,
			successRateRaw: rate,
			weight:         math.Max(1, math.Sqrt(float64(s.Count))),
		})
	}
	return obs
}

// sanitize discards observations with non-positive count or non-finite
// numeric fields.
func sanitize(obs []observation) []observation {
	out := obs[:0:0]
	for _, o := range obs {
		if o.count <= 0 {
			continue
		}
		if !isFinite(o.avgReward) || !isFinite(o.successRateRaw) {
			continue
		}
		out = append(out, o)
	}
	return out
}

// trimOutliers applies the Tukey fence independently on avgReward and
// successRateRaw, keeping observations inside [Q1-k*IQR, Q3+k*IQR] for
// both dimensions. Skips trimming under 4 observations or zero IQR.
func trimOutliers(obs []observation, k float64) []observation {
	if len(obs) < 4 {
		return obs
	}

	rewards := make([]float64, len(obs))
	rates := make([]float64, len(obs))
	for i, o := range obs {
		rewards[i] = o.avgReward
		rates[i] = o.successRateRaw
	}

	rLo, rHi, rOK := tukeyFence(rewards, k)
	sLo, sHi, sOK := tukeyFence(rates, k)
	if !rOK && !sOK {
		return obs
	}

	var out []observation
	for _, o := range obs {
		if rOK && (o.avgReward < rLo || o.avgReward > rHi) {
			continue
		}
		if sOK && (o.successRateRaw < sLo || o.successRateRaw > sHi) {
			continue
		}
		out = append(out, o)
	}
	return out
}

// tukeyFence computes the Tukey fence bounds via linear-interpolation
// percentiles. ok is false when IQR is zero (fence would be degenerate).
func tukeyFence(values []float64, k float64) (lo, hi float64, ok bool) {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	q1 := percentile(sorted, 0.25)
	q3 := percentile(sorted, 0.75)
	iqr := q3 - q1
	if iqr == 0 {
		return 0, 0, false
	}
	return q1 - k*iqr, q3 + k*iqr, true
}

// percentile performs linear-interpolation percentile lookup over a
// pre-sorted slice.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	idx := p * float64(n-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// weightedAggregate computes the sublinear-weighted average reward and
// raw totals over the surviving observation set.
func weightedAggregate(obs []observation) (avgReward float64, totalCount, totalSuccess int) {
	var wSum, rewardSum float64
	for _, o := range obs {
		wSum += o.weight
		rewardSum += o.weight * o.avgReward
		totalCount += o.count
		totalSuccess += o.successCount
	}
	if wSum > 0 {
		avgReward = rewardSum / wSum
	}
	return
}

// bayesianSmooth applies a Beta(priorA, priorB) prior to the raw success tally.
func bayesianSmooth(successes, count int, priorA, priorB float64) float64 {
	return (float64(successes) + priorA) / (float64(count) + priorA + priorB)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func finiteOr(v, fallback float64) float64 {
	if isFinite(v) {
		return v
	}
	return fallback
}
