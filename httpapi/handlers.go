package httpapi

import (
	"encoding/json"
	"net/http"

	"mobcoordinator/coordinator"
	"mobcoordinator/types"
)

// writeJSON encodes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError emits the typed JSON error shape from spec.md §7.
func writeError(w http.ResponseWriter, status int, errCode, message string) {
	writeJSON(w, status, map[string]string{"error": errCode, "message": message})
}

// writeCoordinatorError maps a coordinator.Error to an HTTP status and
// the standard {error, message[, round]} body.
func writeCoordinatorError(w http.ResponseWriter, err *coordinator.Error) {
	status := http.StatusInternalServerError
	code := "internal"

	switch err.Kind {
	case coordinator.KindClient:
		status, code = http.StatusBadRequest, "bad_request"
	case coordinator.KindDuplicate:
		status, code = http.StatusConflict, "Already contributed"
	case coordinator.KindUnauthorized:
		status, code = http.StatusUnauthorized, "unauthorized"
	case coordinator.KindNotConfigured:
		status, code = http.StatusServiceUnavailable, "not_configured"
	case coordinator.KindNotFound:
		status, code = http.StatusNotFound, "not_found"
	case coordinator.KindTransientExternal:
		// Durable-store or log-sink failures. Log-sink failures reach here
		// only from admin endpoints; upload and heartbeat reach here when
		// persisting their state to the durable store fails.
		status, code = http.StatusBadGateway, "transient_external"
	}

	body := map[string]interface{}{"error": code, "message": err.Error()}
	if err.Round > 0 {
		body["round"] = err.Round
		if err.Kind == coordinator.KindDuplicate {
			body["nextRound"] = err.Round + 1
		}
	}
	writeJSON(w, status, body)
}

func decodeJSON(r *http.Request, v interface{}) bool {
	if r.Body == nil {
		return false
	}
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v) == nil
}

type uploadRequestBody struct {
	ServerID  string                   `json:"serverId"`
	MobType   string                   `json:"mobType"`
	Tactics   map[string]tacticStatsDTO `json:"tactics"`
	Bootstrap bool                     `json:"bootstrap"`
}

// tacticStatsDTO mirrors TacticStats but tracks whether successRate was
// present on the wire, since the zero value is indistinguishable from
// "explicitly zero" otherwise.
type tacticStatsDTO struct {
	Count        int      `json:"count"`
	AvgReward    float64  `json:"avgReward"`
	SuccessCount int      `json:"successCount"`
	FailureCount int      `json:"failureCount"`
	SuccessRate  *float64 `json:"successRate,omitempty"`
}

func (s tacticStatsDTO) toStats() types.TacticStats {
	stats := types.TacticStats{
		Count:        s.Count,
		AvgReward:    s.AvgReward,
		SuccessCount: s.SuccessCount,
		FailureCount: s.FailureCount,
	}
	if s.SuccessRate != nil {
		stats.SetSuccessRate(*s.SuccessRate)
	}
	return stats
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	var body uploadRequestBody
	if !decodeJSON(r, &body) {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	tactics := make(types.TacticTable, len(body.Tactics))
	for action, dto := range body.Tactics {
		tactics[action] = dto.toStats()
	}

	res, err := s.actor.Upload(coordinator.UploadRequest{
		ServerID:  body.ServerID,
		MobType:   body.MobType,
		Tactics:   tactics,
		Bootstrap: body.Bootstrap,
	})
	if err != nil {
		writeCoordinatorError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"round":        res.Round,
		"contributors": res.ContributorCount,
		"modelsInRound": res.ModelsInRound,
	})
}

func (s *Server) handleGetGlobal(w http.ResponseWriter, r *http.Request) {
	mobType := r.URL.Query().Get("mobType")
	res, err := s.actor.GetGlobal(mobType)
	if err != nil {
		writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.actor.Status())
}

type heartbeatRequestBody struct {
	ServerID   string   `json:"serverId"`
	ActiveMobs []string `json:"activeMobs"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var body heartbeatRequestBody
	if !decodeJSON(r, &body) {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	res, err := s.actor.Heartbeat(coordinator.HeartbeatRequest{ServerID: body.ServerID, ActiveMobs: body.ActiveMobs})
	if err != nil {
		writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleFlushGitHub(w http.ResponseWriter, r *http.Request) {
	res := s.actor.FlushBacklog(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pendingRoundLogs":   res.PendingCount,
		"lastGitHubLogError": res.LastError,
	})
}

func (s *Server) handleBackfillCurrentGlobal(w http.ResponseWriter, r *http.Request) {
	res := s.actor.BackfillCurrentGlobal(r.Context())
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAdminResetRound(w http.ResponseWriter, r *http.Request) {
	var body struct {
		StartRound int `json:"startRound"`
	}
	if !decodeJSON(r, &body) {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	res, err := s.actor.AdminResetRound(body.StartRound)
	if err != nil {
		writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAdminBackfill(w http.ResponseWriter, r *http.Request) {
	res := s.actor.BackfillCurrentGlobal(r.Context())
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAdminMarkMissing(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Round  int    `json:"round"`
		Reason string `json:"reason"`
		Notes  string `json:"notes"`
	}
	if !decodeJSON(r, &body) {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if err := s.actor.AdminMarkMissingRound(r.Context(), coordinator.MarkMissingRequest{
		Round: body.Round, Reason: body.Reason, Notes: body.Notes,
	}); err != nil {
		writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type tierUploadRequestBody struct {
	Experience map[string]float64  `json:"experience"`
	Tiers      map[string]types.Tier `json:"tiers"`
}

func (s *Server) handleTierUpload(w http.ResponseWriter, r *http.Request) {
	var body tierUploadRequestBody
	if !decodeJSON(r, &body) {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	res, err := s.actor.TierUpload(coordinator.TierUploadRequest{Experience: body.Experience, Tiers: body.Tiers})
	if err != nil {
		writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tierStateResponse(res))
}

func (s *Server) handleTierDownload(w http.ResponseWriter, r *http.Request) {
	res := s.actor.TierDownload()
	writeJSON(w, http.StatusOK, tierStateResponse(res))
}

func tierStateResponse(state types.TierState) map[string]interface{} {
	experience := make(map[string]float64, len(state))
	tiers := make(map[string]types.Tier, len(state))
	for mobType, info := range state {
		experience[mobType] = info.Experience
		tiers[mobType] = info.Tier
	}
	return map[string]interface{}{"experience": experience, "tiers": tiers}
}

func (s *Server) handleEpisodeUpload(w http.ResponseWriter, r *http.Request) {
	var episode types.EpisodeRecord
	if !decodeJSON(r, &episode) {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	res, err := s.actor.EpisodeUpload(episode)
	if err != nil {
		writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleTacticalWeights(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.actor.TacticalWeightsDownload())
}

func (s *Server) handleTacticalStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.actor.TacticalStats())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.actor.Ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "store unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
