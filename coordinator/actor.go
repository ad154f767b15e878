// Package coordinator implements the CoordinatorActor: the single-writer
// state machine that owns the round lifecycle, submission set,
// contributor liveness, global model, tactical weights, tier state, and
// episode ring. Concurrency follows the teacher's own channel fan-in
// pattern (tabular/reinforcement's estimator goroutine draining a single
// episodes channel): every public method submits a closure to one
// internal channel drained by a single goroutine, giving strict
// sequential consistency for round transitions without per-field locks.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	charmlog "github.com/charmbracelet/log"

	"mobcoordinator/aggregator"
	"mobcoordinator/backlog"
	"mobcoordinator/config"
	"mobcoordinator/logsink"
	"mobcoordinator/store"
	"mobcoordinator/types"
	"mobcoordinator/weights"
)

// EventPublisher is the LiveStream side-channel. PublishRoundClosed must
// never block the actor; implementations drop events for slow/absent
// subscribers.
type EventPublisher interface {
	PublishRoundClosed(RoundClosedEvent)
}

func contributorKey(serverID, mobType string) string {
	return serverID + ":" + mobType
}

// Actor is the CoordinatorActor. All fields below the channel are
// touched only from within Run (and by New before Run starts); construct
// with New and drive with Run.
type Actor struct {
	cfg   *config.Config
	store store.Store
	sink  logsink.Sink
	log   *backlog.Backlog
	pub   EventPublisher
	logger *charmlog.Logger

	reqCh chan func()

	currentRound   int
	submissions    map[string]types.Submission
	contributors   map[string]*types.Contributor
	globalModel    *types.GlobalModel
	weights        types.TacticalWeights
	tiers          types.TierState
	episodes       []types.EpisodeRecord
	totalEpisodes  int
	totalSamples   int
	lastAggregation time.Time
}

// New constructs an Actor, restoring any persisted state from st. sink
// and pub may be nil (sink absence surfaces as NotConfigured on demand;
// pub absence simply disables the live stream). logger is the one
// structured logger built in main, shared across every component.
func New(cfg *config.Config, st store.Store, sink logsink.Sink, pub EventPublisher, logger *charmlog.Logger) (*Actor, error) {
	a := &Actor{
		cfg:          cfg,
		store:        st,
		sink:         sink,
		pub:          pub,
		logger:       logger,
		reqCh:        make(chan func()),
		submissions:  make(map[string]types.Submission),
		contributors: make(map[string]*types.Contributor),
		weights:      make(types.TacticalWeights),
		tiers:        make(types.TierState),
		currentRound: 1,
	}

	l, err := backlog.Load(st)
	if err != nil {
		return nil, fmt.Errorf("coordinator: loading backlog: %w", err)
	}
	a.log = l

	if err := a.restore(); err != nil {
		return nil, fmt.Errorf("coordinator: restoring state: %w", err)
	}

	return a, nil
}

// Run drains the request channel until ctx is canceled. Exactly one
// goroutine must call Run for the lifetime of the Actor.
func (a *Actor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-a.reqCh:
			fn()
		}
	}
}

// do submits fn to the run loop and blocks until it has executed,
// serializing fn against every other Actor operation.
func (a *Actor) do(fn func()) {
	done := make(chan struct{})
	a.reqCh <- func() {
		fn()
		close(done)
	}
	<-done
}

// restore reloads currentRound, submissions, contributors, global
// model, weights, and tier state from the durable store. Called once
// from New, before Run starts, so no synchronization is needed here.
func (a *Actor) restore() error {
	if raw, ok, err := a.store.Get(store.KeyCurrentRound); err != nil {
		return err
	} else if ok {
		var round int
		if err := json.Unmarshal(raw, &round); err != nil {
			return err
		}
		a.currentRound = round
	}

	if raw, ok, err := a.store.Get(store.KeyModels); err != nil {
		return err
	} else if ok {
		var subs map[string]types.Submission
		if err := json.Unmarshal(raw, &subs); err != nil {
			return err
		}
		a.submissions = subs
	}

	if raw, ok, err := a.store.Get(store.KeyContributors); err != nil {
		return err
	} else if ok {
		var contribs map[string]*types.Contributor
		if err := json.Unmarshal(raw, &contribs); err != nil {
			return err
		}
		a.contributors = contribs
	}

	if raw, ok, err := a.store.Get(store.KeyGlobalModel); err != nil {
		return err
	} else if ok {
		var gm types.GlobalModel
		if err := json.Unmarshal(raw, &gm); err != nil {
			return err
		}
		a.globalModel = &gm
	}

	if raw, ok, err := a.store.Get(store.KeyTacticalData); err != nil {
		return err
	} else if ok {
		var w types.TacticalWeights
		if err := json.Unmarshal(raw, &w); err != nil {
			return err
		}
		a.weights = w
	}

	if raw, ok, err := a.store.Get(store.KeyTierData); err != nil {
		return err
	} else if ok {
		var tiers types.TierState
		if err := json.Unmarshal(raw, &tiers); err != nil {
			return err
		}
		a.tiers = tiers
	}

	if raw, ok, err := a.store.Get(store.KeyLastAggregation); err != nil {
		return err
	} else if ok {
		var t time.Time
		if err := json.Unmarshal(raw, &t); err != nil {
			return err
		}
		a.lastAggregation = t
	}

	return nil
}

func (a *Actor) persistJSON(key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("coordinator: encoding %s: %w", key, err)
	}
	if err := a.store.Put(key, raw); err != nil {
		return fmt.Errorf("coordinator: persisting %s: %w", key, err)
	}
	return nil
}

func (a *Actor) persistSubmissions() error {
	return a.persistJSON(store.KeyModels, a.submissions)
}

func (a *Actor) persistContributors() error {
	return a.persistJSON(store.KeyContributors, a.contributors)
}

func (a *Actor) persistRound() error {
	return a.persistJSON(store.KeyCurrentRound, a.currentRound)
}

// Upload handles a client's tactic submission for the open round.
func (a *Actor) Upload(req UploadRequest) (res UploadResult, err *Error) {
	a.do(func() {
		res, err = a.handleUpload(req)
	})
	return
}

func (a *Actor) handleUpload(req UploadRequest) (UploadResult, *Error) {
	if req.ServerID == "" || req.MobType == "" {
		return UploadResult{}, clientError("missing serverId or mobType")
	}
	if len(req.Tactics) == 0 {
		return UploadResult{}, clientError("missing tactics")
	}

	sanitized := make(types.TacticTable, len(req.Tactics))
	for action, stats := range req.Tactics {
		s := stats
		if !s.Normalize() {
			continue
		}
		sanitized[action] = s
	}
	if len(sanitized) > a.cfg.MaxActions {
		keys := make([]string, 0, len(sanitized))
		for k := range sanitized {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		capped := make(types.TacticTable, a.cfg.MaxActions)
		for _, k := range keys[:a.cfg.MaxActions] {
			capped[k] = sanitized[k]
		}
		sanitized = capped
	}

	key := contributorKey(req.ServerID, req.MobType)
	if _, exists := a.submissions[key]; exists && !req.Bootstrap {
		return UploadResult{}, duplicateInRound(a.currentRound)
	}

	a.submissions[key] = types.Submission{
		ServerID:  req.ServerID,
		MobType:   req.MobType,
		Tactics:   sanitized,
		Bootstrap: req.Bootstrap,
	}
	a.touchContributorOnSubmission(req.ServerID, req.MobType)

	if err := a.persistSubmissions(); err != nil {
		return UploadResult{}, transientExternal("persisting submission", err)
	}
	if err := a.persistContributors(); err != nil {
		return UploadResult{}, transientExternal("persisting contributor", err)
	}

	round := a.currentRound
	contributorCount := len(a.contributors)
	modelsInRound := len(a.submissions)

	a.logger.Debug("upload accepted", "serverId", req.ServerID, "mobType", req.MobType, "round", round, "modelsInRound", modelsInRound)

	a.maybeAggregate(req.Bootstrap)

	return UploadResult{
		Round:            round,
		ContributorCount: contributorCount,
		ModelsInRound:    modelsInRound,
	}, nil
}

// touchContributorOnSubmission creates the contributor entry on first
// submission of (serverID, mobType), or updates it on every subsequent
// one. Submission is the only path that may create an entry.
func (a *Actor) touchContributorOnSubmission(serverID, mobType string) {
	key := contributorKey(serverID, mobType)
	now := time.Now()
	c, ok := a.contributors[key]
	if !ok {
		c = &types.Contributor{ServerID: serverID, MobType: mobType, FirstSeen: now}
		a.contributors[key] = c
	}
	c.LastUpload = now
	c.UploadCount++
}

// touchContributorOnHeartbeat updates an already-known contributor's
// liveness. It never creates an entry: a heartbeat for a (serverID,
// mobType) pair that never submitted is silently ignored, since
// contributor status is earned by submission.
func (a *Actor) touchContributorOnHeartbeat(serverID, mobType string) (updated bool) {
	key := contributorKey(serverID, mobType)
	c, ok := a.contributors[key]
	if !ok {
		return false
	}
	c.LastUpload = time.Now()
	c.UploadCount++
	return true
}

// maybeAggregate triggers a round close if the gating conditions in
// spec.md §4.6 are met. Runs inside the actor's single goroutine, so no
// additional locking is needed around the transition.
func (a *Actor) maybeAggregate(bootstrapTriggered bool) {
	count := len(a.submissions)
	if count < a.cfg.MinModels {
		return
	}
	if !bootstrapTriggered {
		if !a.lastAggregation.IsZero() && time.Since(a.lastAggregation) < a.cfg.AggregationInterval {
			return
		}
	}
	a.closeRound()
}

// closeRound performs the Closing(R) -> Open(R+1) transition: aggregate,
// derive weights, publish the global model, enqueue a backlog entry,
// and advance currentRound. Log-sink delivery itself is never performed
// here; flushing happens asynchronously via FlushBacklog.
func (a *Actor) closeRound() {
	round := a.currentRound
	started := time.Now()

	perMob := make(map[string][]types.TacticTable)
	for _, sub := range a.submissions {
		perMob[sub.MobType] = append(perMob[sub.MobType], sub.Tactics)
	}

	previous := make(map[string]types.TacticTable)
	if a.globalModel != nil {
		previous = a.globalModel.Tactics
	}

	aggregated := aggregator.AggregateAll(perMob, previous, a.cfg)

	for mobType, table := range aggregated {
		a.weights[mobType] = weights.Derive(table, a.weights[mobType], a.cfg)
	}

	contributorsInRound := len(a.submissions)
	gm := &types.GlobalModel{
		Round:            round,
		Timestamp:        time.Now(),
		ContributorCount: contributorsInRound,
		Tactics:          aggregated,
	}
	a.globalModel = gm

	perMobSummary := make(map[string]types.MobSummary, len(aggregated))
	for mobType, table := range aggregated {
		total := 0
		for _, s := range table {
			total += s.Count
		}
		perMobSummary[mobType] = types.MobSummary{ActionCount: len(table), TotalCount: total}
	}

	entry := types.BacklogEntry{
		Round:            round,
		Timestamp:        gm.Timestamp,
		ContributorCount: contributorsInRound,
		SubmissionCount:  len(a.submissions),
		PerMobStats:      perMobSummary,
		Tactics:          aggregated,
	}

	a.lastAggregation = time.Now()
	a.submissions = make(map[string]types.Submission)
	a.currentRound = round + 1

	// Persist everything that makes up the closed state before
	// considering the transition durable.
	_ = a.persistJSON(store.KeyGlobalModel, gm)
	for mobType, table := range aggregated {
		_ = a.persistJSON("global:"+mobType, table)
	}
	_ = a.persistJSON(store.KeyTacticalData, a.weights)
	_ = a.persistJSON(store.KeyLastAggregation, a.lastAggregation)
	_ = a.persistSubmissions()
	_ = a.persistRound()
	_ = a.log.Enqueue(a.store, entry)

	a.logger.Info("round aggregated", "round", round, "contributors", contributorsInRound,
		"mobTypes", len(aggregated), "durationMs", time.Since(started).Milliseconds())

	if a.pub != nil {
		length, _ := a.log.State()
		a.pub.PublishRoundClosed(RoundClosedEvent{
			Round:            round,
			ContributorCount: contributorsInRound,
			BacklogLength:    length,
			Timestamp:        gm.Timestamp,
		})
	}
}

// GetGlobal returns the current global model, or a single mob's slice
// when mobType is non-empty.
func (a *Actor) GetGlobal(mobType string) (res GlobalResult, err *Error) {
	a.do(func() {
		res, err = a.handleGetGlobal(mobType)
	})
	return
}

func (a *Actor) handleGetGlobal(mobType string) (GlobalResult, *Error) {
	if a.globalModel == nil {
		return GlobalResult{}, notFound("no global model yet", a.currentRound)
	}

	if mobType == "" {
		return GlobalResult{
			Round:            a.globalModel.Round,
			Timestamp:        a.globalModel.Timestamp,
			ContributorCount: a.globalModel.ContributorCount,
			Tactics:          a.globalModel.Tactics,
		}, nil
	}

	table, ok := a.globalModel.Tactics[mobType]
	if !ok {
		return GlobalResult{}, notFound("unknown mob type", a.globalModel.Round)
	}
	return GlobalResult{
		Round:            a.globalModel.Round,
		Timestamp:        a.globalModel.Timestamp,
		ContributorCount: a.globalModel.ContributorCount,
		Tactics:          map[string]types.TacticTable{mobType: table},
	}, nil
}

// Ping checks that the durable store is reachable, for healthz. It
// reads directly rather than routing through the actor's request
// channel, since database/sql serializes concurrent access safely and
// a stuck actor loop shouldn't make the liveness probe hang too.
func (a *Actor) Ping() error {
	return a.store.Ping()
}

// Status reports a point-in-time snapshot of round/backlog state.
func (a *Actor) Status() (res StatusResult) {
	a.do(func() {
		length, lastErr := a.log.State()
		res = StatusResult{
			CurrentRound:     a.currentRound,
			SubmissionCount:  len(a.submissions),
			ContributorCount: len(a.contributors),
			BacklogLength:    length,
			LastLogError:     lastErr,
		}
		if a.globalModel != nil {
			res.HasGlobalModel = true
			res.GlobalModelRound = a.globalModel.Round
		}
	})
	return
}

// Heartbeat touches contributor liveness for each active mob without
// submitting tactics.
func (a *Actor) Heartbeat(req HeartbeatRequest) (res HeartbeatResult, err *Error) {
	a.do(func() {
		res, err = a.handleHeartbeat(req)
	})
	return
}

func (a *Actor) handleHeartbeat(req HeartbeatRequest) (HeartbeatResult, *Error) {
	if req.ServerID == "" {
		return HeartbeatResult{}, clientError("missing serverId")
	}

	updatedCount := 0
	for _, mobType := range req.ActiveMobs {
		if a.touchContributorOnHeartbeat(req.ServerID, mobType) {
			updatedCount++
		}
	}
	if err := a.persistContributors(); err != nil {
		return HeartbeatResult{}, transientExternal("persisting heartbeat", err)
	}

	return HeartbeatResult{Round: a.currentRound, UpdatedCount: updatedCount}, nil
}

// FlushBacklog drains pending backlog entries to the configured sink.
// Runs inside the actor for state consistency, sink I/O included, and
// returns once the flush has finished. It is never on the upload path:
// callers invoke it from a background ticker or an explicit endpoint,
// never from inside handleUpload.
func (a *Actor) FlushBacklog(ctx context.Context) (res FlushResult) {
	a.do(func() {
		if a.sink == nil || !a.sink.Configured() {
			length, lastErr := a.log.State()
			res = FlushResult{PendingCount: length, LastError: lastErr}
			return
		}
		_ = a.log.Flush(ctx, a.store, a.sink)
		length, lastErr := a.log.State()
		if lastErr != nil {
			a.logger.Error("backlog flush incomplete", "pending", length, "error", lastErr.Message)
		}
		res = FlushResult{PendingCount: length, LastError: lastErr}
	})
	return
}

// BackfillCurrentGlobal re-enqueues the current global model's round for
// logging, for operators recovering from a sink outage that predates
// the round still being open.
func (a *Actor) BackfillCurrentGlobal(ctx context.Context) (res BackfillResult) {
	a.do(func() {
		if a.globalModel == nil {
			res = BackfillResult{}
			return
		}

		perMobSummary := make(map[string]types.MobSummary, len(a.globalModel.Tactics))
		for mobType, table := range a.globalModel.Tactics {
			total := 0
			for _, s := range table {
				total += s.Count
			}
			perMobSummary[mobType] = types.MobSummary{ActionCount: len(table), TotalCount: total}
		}

		entry := types.BacklogEntry{
			Round:            a.globalModel.Round,
			Timestamp:        a.globalModel.Timestamp,
			ContributorCount: a.globalModel.ContributorCount,
			PerMobStats:      perMobSummary,
			Tactics:          a.globalModel.Tactics,
		}
		_ = a.log.Enqueue(a.store, entry)

		if a.sink != nil && a.sink.Configured() {
			_ = a.log.Flush(ctx, a.store, a.sink)
		}

		length, lastErr := a.log.State()
		res = BackfillResult{GlobalRound: a.globalModel.Round, PendingCount: length, LastError: lastErr}
	})
	return
}

// AdminResetRound unconditionally discards all state and re-enters
// Open(startRound). Backlog is cleared too: spec.md §9 documents this
// as intentional ("restart audit trail"), preserved here even though it
// loses any not-yet-logged rounds.
func (a *Actor) AdminResetRound(startRound int) (res ResetResult, err *Error) {
	a.do(func() {
		res, err = a.handleAdminResetRound(startRound)
	})
	return
}

func (a *Actor) handleAdminResetRound(startRound int) (ResetResult, *Error) {
	if startRound < 1 {
		return ResetResult{}, clientError("startRound must be >= 1")
	}

	length, _ := a.log.State()
	before := ResetSnapshot{
		Round:            a.currentRound,
		SubmissionCount:  len(a.submissions),
		ContributorCount: len(a.contributors),
		BacklogLength:    length,
	}

	if err := a.store.DeleteAll(); err != nil {
		return ResetResult{}, transientExternal("clearing durable store", err)
	}

	a.currentRound = startRound
	a.submissions = make(map[string]types.Submission)
	a.contributors = make(map[string]*types.Contributor)
	a.globalModel = nil
	a.weights = make(types.TacticalWeights)
	a.tiers = make(types.TierState)
	a.lastAggregation = time.Time{}
	a.log = backlog.New()

	if err := a.persistRound(); err != nil {
		return ResetResult{}, transientExternal("persisting reset round", err)
	}

	after := ResetSnapshot{Round: a.currentRound}

	a.logger.Warn("admin reset round", "fromRound", before.Round, "toRound", after.Round,
		"discardedSubmissions", before.SubmissionCount, "discardedBacklog", before.BacklogLength)

	return ResetResult{Before: before, After: after}, nil
}

// AdminMarkMissingRound writes a placeholder recording that round will
// never be backfilled.
func (a *Actor) AdminMarkMissingRound(ctx context.Context, req MarkMissingRequest) (err *Error) {
	a.do(func() {
		err = a.handleAdminMarkMissingRound(ctx, req)
	})
	return
}

func (a *Actor) handleAdminMarkMissingRound(ctx context.Context, req MarkMissingRequest) *Error {
	if req.Round < 1 {
		return clientError("round must be >= 1")
	}
	if a.sink == nil || !a.sink.Configured() {
		return notConfigured("log sink not configured")
	}
	if err := a.sink.MarkMissing(ctx, req.Round, req.Reason, req.Notes); err != nil {
		a.logger.Error("mark-missing failed", "round", req.Round, "error", err)
		return transientExternal("marking round missing", err)
	}
	a.logger.Info("round marked missing", "round", req.Round, "reason", req.Reason)
	return nil
}
