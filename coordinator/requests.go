package coordinator

import (
	"time"

	"mobcoordinator/types"
)

// UploadRequest is one client's domain-level submission.
type UploadRequest struct {
	ServerID  string
	MobType   string
	Tactics   types.TacticTable
	Bootstrap bool
}

// UploadResult mirrors the success payload of POST /coordinator/upload.
type UploadResult struct {
	Round            int `json:"round"`
	ContributorCount int `json:"contributors"`
	ModelsInRound    int `json:"modelsInRound"`
}

// GlobalResult is returned by GetGlobal, either the whole model (MobType
// empty on the request) or a single mob's slice.
type GlobalResult struct {
	Round            int                           `json:"round"`
	Timestamp        time.Time                     `json:"timestamp"`
	ContributorCount int                           `json:"contributorCount"`
	Tactics          map[string]types.TacticTable `json:"tactics"`
}

// StatusResult mirrors GET /coordinator/status.
type StatusResult struct {
	CurrentRound     int                  `json:"currentRound"`
	SubmissionCount  int                  `json:"submissionCount"`
	ContributorCount int                  `json:"contributorCount"`
	BacklogLength    int                  `json:"backlogLength"`
	LastLogError     *types.BacklogError  `json:"lastLogError,omitempty"`
	HasGlobalModel   bool                 `json:"hasGlobalModel"`
	GlobalModelRound int                  `json:"globalModelRound,omitempty"`
}

// HeartbeatRequest touches contributor liveness without submitting stats.
type HeartbeatRequest struct {
	ServerID   string
	ActiveMobs []string
}

// HeartbeatResult mirrors POST /coordinator/heartbeat.
type HeartbeatResult struct {
	Round        int `json:"round"`
	UpdatedCount int `json:"updatedCount"`
}

// FlushResult is returned by FlushBacklog. The flush-github handler
// reports its fields as pendingRoundLogs and lastGitHubLogError.
type FlushResult struct {
	PendingCount int                 `json:"pendingCount"`
	LastError    *types.BacklogError `json:"lastError,omitempty"`
}

// BackfillResult mirrors backfillCurrentGlobal.
type BackfillResult struct {
	GlobalRound  int                 `json:"globalRound"`
	PendingCount int                 `json:"pendingCount"`
	LastError    *types.BacklogError `json:"lastError,omitempty"`
}

// ResetSnapshot is the before/after pair returned by adminResetRound.
type ResetSnapshot struct {
	Round            int `json:"round"`
	SubmissionCount  int `json:"submissionCount"`
	ContributorCount int `json:"contributorCount"`
	BacklogLength    int `json:"backlogLength"`
}

// ResetResult mirrors adminResetRound.
type ResetResult struct {
	Before ResetSnapshot `json:"before"`
	After  ResetSnapshot `json:"after"`
}

// MarkMissingRequest mirrors adminMarkMissingRound.
type MarkMissingRequest struct {
	Round  int
	Reason string
	Notes  string
}

// TierUploadRequest mirrors tierUpload.
type TierUploadRequest struct {
	Experience map[string]float64
	Tiers      map[string]types.Tier
}

// EpisodeResult mirrors episodeUpload.
type EpisodeResult struct {
	EpisodeNumber int `json:"episodeNumber"`
	TotalSamples  int `json:"totalSamples"`
}

// TacticalStatsResult mirrors GET /coordinator/tactical-stats.
type TacticalStatsResult struct {
	CurrentRound    int `json:"currentRound"`
	TotalEpisodes   int `json:"totalEpisodes"`
	TotalSamples    int `json:"totalSamples"`
	MobTypesTracked int `json:"mobTypesTracked"`
}

// RoundClosedEvent is published (best-effort, non-blocking) to the
// LiveStream whenever a round finishes aggregating.
type RoundClosedEvent struct {
	Round            int       `json:"round"`
	ContributorCount int       `json:"contributorCount"`
	BacklogLength    int       `json:"backlogLength"`
	Timestamp        time.Time `json:"timestamp"`
}
