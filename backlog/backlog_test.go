package backlog

import (
	"context"
	"errors"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"mobcoordinator/store"
	"mobcoordinator/types"
)

type fakeSink struct {
	failFrom int
	written  []int
}

func (f *fakeSink) Write(_ context.Context, entry types.BacklogEntry) error {
	if f.failFrom != 0 && entry.Round >= f.failFrom {
		return errors.New("simulated remote failure")
	}
	f.written = append(f.written, entry.Round)
	return nil
}

func entry(round int) types.BacklogEntry {
	return types.BacklogEntry{Round: round}
}

func TestEnqueueDedupesByRound(t *testing.T) {
	Convey("Given a backlog with one enqueued round", t, func() {
		s := store.NewMemoryStore()
		b := New()
		So(b.Enqueue(s, entry(1)), ShouldBeNil)

		Convey("When the same round is enqueued again", func() {
			So(b.Enqueue(s, entry(1)), ShouldBeNil)

			Convey("Then the backlog still holds exactly one entry", func() {
				length, _ := b.State()
				So(length, ShouldEqual, 1)
			})
		})
	})
}

func TestEnqueueCapsAt250(t *testing.T) {
	Convey("Given 260 enqueued rounds", t, func() {
		s := store.NewMemoryStore()
		b := New()
		for i := 1; i <= 260; i++ {
			So(b.Enqueue(s, entry(i)), ShouldBeNil)
		}

		Convey("Then only the most recent 250 remain", func() {
			length, _ := b.State()
			So(length, ShouldEqual, 250)
		})
	})
}

func TestFlushStopsOnFirstFailure(t *testing.T) {
	Convey("Given four pending rounds and a sink that fails from round 3", t, func() {
		s := store.NewMemoryStore()
		b := New()
		for i := 1; i <= 4; i++ {
			So(b.Enqueue(s, entry(i)), ShouldBeNil)
		}
		sink := &fakeSink{failFrom: 3}

		Convey("When flushed", func() {
			err := b.Flush(context.Background(), s, sink)

			Convey("Then rounds before the failure are written in order and the rest remain queued", func() {
				So(err, ShouldBeNil)
				So(sink.written, ShouldResemble, []int{1, 2})
				length, lastErr := b.State()
				So(length, ShouldEqual, 2)
				So(lastErr, ShouldNotBeNil)
			})
		})
	})
}

func TestFlushFullySucceeds(t *testing.T) {
	Convey("Given pending rounds and an always-succeeding sink", t, func() {
		s := store.NewMemoryStore()
		b := New()
		for i := 1; i <= 4; i++ {
			So(b.Enqueue(s, entry(i)), ShouldBeNil)
		}
		sink := &fakeSink{}

		Convey("When flushed", func() {
			So(b.Flush(context.Background(), s, sink), ShouldBeNil)

			Convey("Then the backlog is empty and order was preserved", func() {
				length, lastErr := b.State()
				So(length, ShouldEqual, 0)
				So(lastErr, ShouldBeNil)
				So(sink.written, ShouldResemble, []int{1, 2, 3, 4})
			})
		})
	})
}

func TestLoadRestoresPersistedState(t *testing.T) {
	Convey("Given a backlog persisted across a restart", t, func() {
		s := store.NewMemoryStore()
		b := New()
		So(b.Enqueue(s, entry(1)), ShouldBeNil)
		So(b.Enqueue(s, entry(2)), ShouldBeNil)

		Convey("When reloaded from the store", func() {
			restored, err := Load(s)

			Convey("Then the pending rounds are identical", func() {
				So(err, ShouldBeNil)
				length, _ := restored.State()
				So(length, ShouldEqual, 2)
			})
		})
	})
}
