package coordinator

import (
	"time"

	"mobcoordinator/store"
	"mobcoordinator/types"
)

const (
	episodeCap  = 1000
	episodeEMA  = 0.05
	successMult = 1.0
	failureMult = -0.5
)

// TierUpload merges incoming tier/experience data via per-mob max-wins:
// a pure CRDT, safe under out-of-order arrival, matching spec.md §4.7.
func (a *Actor) TierUpload(req TierUploadRequest) (res types.TierState, err *Error) {
	a.do(func() {
		res, err = a.handleTierUpload(req)
	})
	return
}

func (a *Actor) handleTierUpload(req TierUploadRequest) (types.TierState, *Error) {
	if req.Experience == nil {
		return nil, clientError("malformed tier payload")
	}

	for mobType, experience := range req.Experience {
		stored, ok := a.tiers[mobType]
		if !ok || experience > stored.Experience {
			tier := req.Tiers[mobType]
			if tier == "" {
				tier = types.TierUntrained
			}
			a.tiers[mobType] = types.TierInfo{Experience: experience, Tier: tier}
		}
	}

	if err := a.persistJSON(store.KeyTierData, a.tiers); err != nil {
		return nil, transientExternal("persisting tier state", err)
	}

	return a.tiers.Clone(), nil
}

// TierDownload returns the current merged tier snapshot.
func (a *Actor) TierDownload() (res types.TierState) {
	a.do(func() {
		out := make(types.TierState, len(a.tiers))
		for k, v := range a.tiers {
			out[k] = v
		}
		res = out
	})
	return
}

// EpisodeUpload appends a combat episode and applies the EMA weight
// update described in spec.md §4.7, writing into the same per-mob
// weight map WeightDeriver maintains.
func (a *Actor) EpisodeUpload(episode types.EpisodeRecord) (res EpisodeResult, err *Error) {
	a.do(func() {
		res, err = a.handleEpisodeUpload(episode)
	})
	return
}

func (a *Actor) handleEpisodeUpload(episode types.EpisodeRecord) (EpisodeResult, *Error) {
	if episode.MobType == "" || len(episode.TacticsUsed) == 0 {
		return EpisodeResult{}, clientError("malformed episode payload")
	}

	episode.Timestamp = time.Now()
	a.episodes = append(a.episodes, episode)
	if len(a.episodes) > episodeCap {
		a.episodes = a.episodes[len(a.episodes)-episodeCap:]
	}

	a.totalEpisodes++
	a.totalSamples += episode.SampleCount

	mult := failureMult
	if episode.WasSuccessful {
		mult = successMult
	}

	var total int
	for _, count := range episode.TacticsUsed {
		total += count
	}

	if total > 0 {
		if a.weights[episode.MobType] == nil {
			a.weights[episode.MobType] = make(map[string]float64)
		}
		for action, count := range episode.TacticsUsed {
			contribution := (float64(count) / float64(total)) * mult
			current := a.weights[episode.MobType][action]
			a.weights[episode.MobType][action] = current*(1-episodeEMA) + contribution*episodeEMA
		}
	}

	if err := a.persistJSON(store.KeyTacticalData, a.weights); err != nil {
		return EpisodeResult{}, transientExternal("persisting weights", err)
	}

	return EpisodeResult{EpisodeNumber: a.totalEpisodes, TotalSamples: a.totalSamples}, nil
}

// TacticalWeightsDownload returns the full mobType -> action -> weight map.
func (a *Actor) TacticalWeightsDownload() (res types.TacticalWeights) {
	a.do(func() {
		res = a.weights.Clone()
	})
	return
}

// TacticalStats reports a summary of coordinator learning progress.
func (a *Actor) TacticalStats() (res TacticalStatsResult) {
	a.do(func() {
		res = TacticalStatsResult{
			CurrentRound:    a.currentRound,
			TotalEpisodes:   a.totalEpisodes,
			TotalSamples:    a.totalSamples,
			MobTypesTracked: len(a.weights),
		}
	})
	return
}
