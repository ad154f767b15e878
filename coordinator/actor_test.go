package coordinator

import (
	"context"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"mobcoordinator/config"
	"mobcoordinator/logging"
	"mobcoordinator/logsink"
	"mobcoordinator/store"
	"mobcoordinator/types"
)

func newTestActor(t *testing.T) (*Actor, context.CancelFunc) {
	cfg := &config.Config{
		Momentum: 0.25, PriorA: 2, PriorB: 2, IQRK: 2.5, MaxActions: 64,
		SoftmaxTemp: 0.85, WeightBlend: 0.35, WeightLearningRate: 0.08,
		MinModels: 3,
	}
	a, err := New(cfg, store.NewMemoryStore(), logsink.NewMemorySink(), nil, logging.New("error"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)
	return a, cancel
}

func flankTactics() types.TacticTable {
	return types.TacticTable{
		"flank": {Count: 10, AvgReward: 2.0, SuccessCount: 7, FailureCount: 3},
	}
}

func TestS1HappyPath(t *testing.T) {
	Convey("Given three servers submitting for the same mob type", t, func() {
		a, cancel := newTestActor(t)
		defer cancel()

		for _, server := range []string{"A", "B", "C"} {
			res, err := a.Upload(UploadRequest{ServerID: server, MobType: "zombie", Tactics: flankTactics()})
			So(err, ShouldBeNil)
			_ = res
		}

		Convey("Then aggregation triggers at the third submission", func() {
			status := a.Status()
			So(status.CurrentRound, ShouldEqual, 2)
			So(status.HasGlobalModel, ShouldBeTrue)
			So(status.GlobalModelRound, ShouldEqual, 1)

			global, gerr := a.GetGlobal("zombie")
			So(gerr, ShouldBeNil)
			stats := global.Tactics["zombie"]["flank"]
			So(stats.Count, ShouldEqual, 30)
			So(stats.SuccessCount, ShouldEqual, 21)
			So(stats.AvgReward, ShouldAlmostEqual, 2.0, 0.01)
			So(stats.SuccessRate, ShouldAlmostEqual, float64(21+2)/float64(30+4), 0.01)
		})
	})
}

func TestS2DuplicateRejection(t *testing.T) {
	Convey("Given one submission from server A", t, func() {
		a, cancel := newTestActor(t)
		defer cancel()

		_, err := a.Upload(UploadRequest{ServerID: "A", MobType: "zombie", Tactics: flankTactics()})
		So(err, ShouldBeNil)

		Convey("When A submits again non-bootstrap in the same round", func() {
			_, err := a.Upload(UploadRequest{ServerID: "A", MobType: "zombie", Tactics: flankTactics()})

			Convey("Then it is rejected with the current round", func() {
				So(err, ShouldNotBeNil)
				So(err.Kind, ShouldEqual, KindDuplicate)
				So(err.Round, ShouldEqual, 1)
			})
		})
	})
}

func TestS3OutlierRejection(t *testing.T) {
	Convey("Given two normal submissions and one wild outlier for 'rush'", t, func() {
		a, cancel := newTestActor(t)
		defer cancel()

		rush := func(reward float64) types.TacticTable {
			return types.TacticTable{"rush": {Count: 20, AvgReward: reward, SuccessCount: 10, FailureCount: 10}}
		}

		_, _ = a.Upload(UploadRequest{ServerID: "A", MobType: "zombie", Tactics: rush(3.0)})
		_, _ = a.Upload(UploadRequest{ServerID: "B", MobType: "zombie", Tactics: rush(3.0)})
		_, _ = a.Upload(UploadRequest{ServerID: "C", MobType: "zombie", Tactics: rush(1e6)})

		Convey("Then avgReward stays fenced near the normal observations", func() {
			global, err := a.GetGlobal("zombie")
			So(err, ShouldBeNil)
			So(global.Tactics["zombie"]["rush"].AvgReward, ShouldBeLessThanOrEqualTo, 3.01)
		})
	})
}

func TestS4BootstrapMidRound(t *testing.T) {
	Convey("Given two submissions already present in the round", t, func() {
		a, cancel := newTestActor(t)
		defer cancel()

		_, _ = a.Upload(UploadRequest{ServerID: "A", MobType: "zombie", Tactics: flankTactics()})
		_, _ = a.Upload(UploadRequest{ServerID: "B", MobType: "zombie", Tactics: flankTactics()})

		Convey("When a bootstrap upload arrives", func() {
			_, err := a.Upload(UploadRequest{ServerID: "C", MobType: "zombie", Tactics: flankTactics(), Bootstrap: true})

			Convey("Then it is accepted and triggers aggregation immediately", func() {
				So(err, ShouldBeNil)
				status := a.Status()
				So(status.CurrentRound, ShouldEqual, 2)
			})
		})
	})
}

func TestBootstrapIdempotence(t *testing.T) {
	Convey("Given a bootstrap upload from server A", t, func() {
		a, cancel := newTestActor(t)
		defer cancel()

		_, err := a.Upload(UploadRequest{ServerID: "A", MobType: "zombie", Tactics: flankTactics(), Bootstrap: true})
		So(err, ShouldBeNil)

		Convey("When A bootstraps again in the same round with different stats", func() {
			updated := types.TacticTable{"flank": {Count: 99, AvgReward: 9, SuccessCount: 9}}
			_, err := a.Upload(UploadRequest{ServerID: "A", MobType: "zombie", Tactics: updated, Bootstrap: true})

			Convey("Then it is accepted and overwrites the earlier submission", func() {
				So(err, ShouldBeNil)
				status := a.Status()
				So(status.SubmissionCount, ShouldEqual, 1)
			})
		})
	})
}

func TestS5BacklogSurvivesOutage(t *testing.T) {
	Convey("Given a sink configured to always fail", t, func() {
		cfg := &config.Config{Momentum: 0.25, PriorA: 2, PriorB: 2, IQRK: 2.5, MaxActions: 64,
			SoftmaxTemp: 0.85, WeightBlend: 0.35, WeightLearningRate: 0.08, MinModels: 3}
		sink := logsink.NewMemorySink()
		sink.AlwaysFail = true
		a, err := New(cfg, store.NewMemoryStore(), sink, nil, logging.New("error"))
		So(err, ShouldBeNil)
		ctx, cancel := context.WithCancel(context.Background())
		go a.Run(ctx)
		defer cancel()

		for round := 0; round < 4; round++ {
			for _, server := range []string{"A", "B", "C"} {
				_, uerr := a.Upload(UploadRequest{ServerID: server, MobType: "zombie", Tactics: flankTactics()})
				So(uerr, ShouldBeNil)
			}
		}

		Convey("When four rounds have aggregated", func() {
			status := a.Status()
			So(status.CurrentRound, ShouldEqual, 5)
			So(status.BacklogLength, ShouldEqual, 4)

			Convey("And the sink starts succeeding and a flush runs", func() {
				sink.AlwaysFail = false
				res := a.FlushBacklog(context.Background())

				Convey("Then the backlog drains and artifacts exist for all four rounds", func() {
					So(res.PendingCount, ShouldEqual, 0)
					So(len(sink.Written), ShouldEqual, 4)
				})
			})
		})
	})
}

func TestS6AdminReset(t *testing.T) {
	Convey("Given arbitrary existing state", t, func() {
		a, cancel := newTestActor(t)
		defer cancel()

		_, _ = a.Upload(UploadRequest{ServerID: "A", MobType: "zombie", Tactics: flankTactics()})

		Convey("When adminResetRound(100) is applied", func() {
			res, err := a.AdminResetRound(100)

			Convey("Then the coordinator re-enters Open(100) with no residual state", func() {
				So(err, ShouldBeNil)
				So(res.After.Round, ShouldEqual, 100)
				status := a.Status()
				So(status.CurrentRound, ShouldEqual, 100)
				So(status.SubmissionCount, ShouldEqual, 0)
				So(status.ContributorCount, ShouldEqual, 0)
				So(status.BacklogLength, ShouldEqual, 0)
				So(status.HasGlobalModel, ShouldBeFalse)
			})
		})
	})
}

func TestRoundMonotonicity(t *testing.T) {
	Convey("Given a sequence of uploads spanning several rounds", t, func() {
		a, cancel := newTestActor(t)
		defer cancel()

		last := a.Status().CurrentRound
		for round := 0; round < 6; round++ {
			for _, server := range []string{"A", "B", "C"} {
				_, _ = a.Upload(UploadRequest{ServerID: server, MobType: "zombie", Tactics: flankTactics()})
				current := a.Status().CurrentRound
				So(current, ShouldBeGreaterThanOrEqualTo, last)
				last = current
			}
		}
	})
}

func TestHeartbeatRequiresServerID(t *testing.T) {
	Convey("Given a heartbeat with no serverId", t, func() {
		a, cancel := newTestActor(t)
		defer cancel()

		_, err := a.Heartbeat(HeartbeatRequest{ActiveMobs: []string{"zombie"}})

		Convey("Then it is rejected", func() {
			So(err, ShouldNotBeNil)
			So(err.Kind, ShouldEqual, KindClient)
		})
	})
}

func TestTierMergeMaxWins(t *testing.T) {
	Convey("Given an initial tier upload", t, func() {
		a, cancel := newTestActor(t)
		defer cancel()

		_, err := a.TierUpload(TierUploadRequest{
			Experience: map[string]float64{"zombie": 100},
			Tiers:      map[string]types.Tier{"zombie": types.TierLearning},
		})
		So(err, ShouldBeNil)

		Convey("When a lower-experience upload arrives out of order", func() {
			_, err := a.TierUpload(TierUploadRequest{
				Experience: map[string]float64{"zombie": 50},
				Tiers:      map[string]types.Tier{"zombie": types.TierUntrained},
			})

			Convey("Then the higher-experience state wins", func() {
				So(err, ShouldBeNil)
				snapshot := a.TierDownload()
				So(snapshot["zombie"].Experience, ShouldEqual, 100)
				So(snapshot["zombie"].Tier, ShouldEqual, types.TierLearning)
			})
		})
	})
}

func TestEpisodeUploadUpdatesWeights(t *testing.T) {
	Convey("Given a successful episode using one tactic exclusively", t, func() {
		a, cancel := newTestActor(t)
		defer cancel()

		res, err := a.EpisodeUpload(types.EpisodeRecord{
			MobType:       "zombie",
			SampleCount:   5,
			WasSuccessful: true,
			TacticsUsed:   map[string]int{"flank": 10},
		})

		Convey("Then the episode is counted and flank's weight moves positive", func() {
			So(err, ShouldBeNil)
			So(res.EpisodeNumber, ShouldEqual, 1)
			w := a.TacticalWeightsDownload()
			So(w["zombie"]["flank"], ShouldBeGreaterThan, 0)
		})
	})
}
