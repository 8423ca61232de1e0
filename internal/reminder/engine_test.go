package reminder

import (
	"context"
	"errors"
	"testing"
	"time"

	"reviewremind/internal/review"
	logx "reviewremind/pkg/logx"
)

func TestScheduleArmsAtNextFireTime(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 2)
	pr := openPR(42, monday9)

	info, err := h.engine.Schedule(pr)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if info.Key != "pull-42" || info.PullID != 42 {
		t.Fatalf("unexpected job: %+v", info)
	}
	if want := monday9.AddDate(0, 0, 2); !info.FireAt.Equal(want) {
		t.Fatalf("fire at = %s, want %s", info.FireAt, want)
	}
	if info.State != StateArmed || info.IntervalDays != 2 {
		t.Fatalf("state=%s interval=%d", info.State, info.IntervalDays)
	}
	if h.clock.Pending() != 1 {
		t.Fatalf("pending timers = %d, want 1", h.clock.Pending())
	}
}

func TestScheduleTwiceKeepsOneJob(t *testing.T) {
	t.Parallel()
	pr := openPR(1, monday9)
	h := newHarness(t, 2, pr)

	first, err := h.engine.Schedule(pr)
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.engine.Schedule(pr)
	if err != nil {
		t.Fatal(err)
	}
	if first.ID == second.ID {
		t.Fatalf("re-schedule must create a new job")
	}
	if h.engine.Len() != 1 || h.clock.Pending() != 1 {
		t.Fatalf("jobs=%d pending=%d, want 1/1", h.engine.Len(), h.clock.Pending())
	}

	h.clock.Advance(2 * day)
	if h.pings.count() != 1 {
		t.Fatalf("pings = %d, want 1", h.pings.count())
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	t.Parallel()
	pr := openPR(1, monday9)
	h := newHarness(t, 2, pr)

	if h.engine.Cancel(pr) {
		t.Fatalf("cancel without job reported true")
	}
	if _, err := h.engine.Schedule(pr); err != nil {
		t.Fatal(err)
	}
	if !h.engine.Cancel(pr) {
		t.Fatalf("cancel reported false")
	}
	if h.engine.Cancel(pr) {
		t.Fatalf("second cancel reported true")
	}

	h.clock.Advance(10 * day)
	if h.pings.count() != 0 || h.finder.calls != 0 {
		t.Fatalf("cancelled job ran: pings=%d lookups=%d", h.pings.count(), h.finder.calls)
	}
}

func TestStaleCallbackIsIgnored(t *testing.T) {
	t.Parallel()
	pr := openPR(1, monday9)
	h := newHarness(t, 2, pr)

	if _, err := h.engine.Schedule(pr); err != nil {
		t.Fatal(err)
	}
	tm := h.clock.last()
	h.engine.Cancel(pr)

	// Timer stop lost the race: the callback runs anyway.
	tm.f()
	if h.finder.calls != 0 || h.pings.count() != 0 {
		t.Fatalf("stale callback acted: lookups=%d pings=%d", h.finder.calls, h.pings.count())
	}

	// A callback from a replaced job must not touch the new one.
	if _, err := h.engine.Schedule(pr); err != nil {
		t.Fatal(err)
	}
	old := h.clock.last()
	next, err := h.engine.Schedule(pr)
	if err != nil {
		t.Fatal(err)
	}
	old.f()
	if h.finder.calls != 0 {
		t.Fatalf("replaced job looked up the pull request")
	}
	if cur, ok := h.engine.Job(pr.Key()); !ok || cur.ID != next.ID || cur.State != StateArmed {
		t.Fatalf("current job disturbed: %+v ok=%v", cur, ok)
	}
}

func TestFireRearmsWithDefaultInterval(t *testing.T) {
	t.Parallel()
	pr := openPR(9, monday9)
	h := newHarness(t, 2, pr)

	first, err := h.engine.ScheduleOpt(pr, ScheduleOptions{IntervalDays: 5})
	if err != nil {
		t.Fatal(err)
	}
	nextMonday := monday9.AddDate(0, 0, 7)
	if !first.FireAt.Equal(nextMonday) || first.IntervalDays != 5 {
		t.Fatalf("override ignored: %+v", first)
	}

	h.clock.AdvanceTo(first.FireAt)
	if h.pings.count() != 1 {
		t.Fatalf("pings = %d, want 1", h.pings.count())
	}
	next, ok := h.engine.Job(pr.Key())
	if !ok {
		t.Fatalf("job not re-armed")
	}
	if next.ID == first.ID {
		t.Fatalf("re-arm reused the job id")
	}
	if next.IntervalDays != DefaultIntervalDays {
		t.Fatalf("re-arm interval = %d, want %d", next.IntervalDays, DefaultIntervalDays)
	}
	// Seven whole days elapsed since start, plus two.
	if want := monday9.AddDate(0, 0, 9); !next.FireAt.Equal(want) {
		t.Fatalf("next fire = %s, want %s", next.FireAt, want)
	}
	if h.engine.Len() != 1 || h.clock.Pending() != 1 {
		t.Fatalf("jobs=%d pending=%d, want 1/1", h.engine.Len(), h.clock.Pending())
	}

	h.clock.AdvanceTo(next.FireAt)
	if h.pings.count() != 2 {
		t.Fatalf("pings = %d, want 2", h.pings.count())
	}
	st := h.engine.Stats()
	if st.Fired != 2 || st.Pings != 2 || st.Active != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestFireStopsWhenAttended(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*review.PullRequest)
	}{
		{name: "review comment", mutate: func(pr *review.PullRequest) { pr.ReviewComments = 1 }},
		{name: "closed", mutate: func(pr *review.PullRequest) { pr.State = review.StateClosed }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pr := openPR(5, monday9)
			h := newHarness(t, 2, pr)
			if _, err := h.engine.Schedule(pr); err != nil {
				t.Fatal(err)
			}

			fresh := pr
			tt.mutate(&fresh)
			h.finder.set(fresh)

			h.clock.Advance(2 * day)
			if h.pings.count() != 0 {
				t.Fatalf("pinged an attended review")
			}
			if h.engine.Len() != 0 || h.clock.Pending() != 0 {
				t.Fatalf("jobs=%d pending=%d, want 0/0", h.engine.Len(), h.clock.Pending())
			}
		})
	}
}

func TestFireLookupFailureDropsJob(t *testing.T) {
	t.Parallel()
	t.Run("error", func(t *testing.T) {
		t.Parallel()
		pr := openPR(5, monday9)
		h := newHarness(t, 2, pr)
		h.finder.err = errors.New("db down")
		if _, err := h.engine.Schedule(pr); err != nil {
			t.Fatal(err)
		}
		h.clock.Advance(2 * day)
		if h.pings.count() != 0 || h.engine.Len() != 0 {
			t.Fatalf("pings=%d jobs=%d, want 0/0", h.pings.count(), h.engine.Len())
		}
		if h.engine.Stats().Failures != 1 {
			t.Fatalf("failures = %d, want 1", h.engine.Stats().Failures)
		}
	})
	t.Run("not found", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, 2) // finder knows nothing
		if _, err := h.engine.Schedule(openPR(77, monday9)); err != nil {
			t.Fatal(err)
		}
		h.clock.Advance(2 * day)
		if h.pings.count() != 0 || h.engine.Len() != 0 || h.clock.Pending() != 0 {
			t.Fatalf("pings=%d jobs=%d pending=%d", h.pings.count(), h.engine.Len(), h.clock.Pending())
		}
	})
}

func TestCancelDuringLookupDropsResult(t *testing.T) {
	t.Parallel()
	pr := openPR(3, monday9)
	h := newHarness(t, 2, pr)
	h.finder.during = func() { h.engine.Cancel(pr) }

	if _, err := h.engine.Schedule(pr); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(2 * day)
	if h.finder.calls != 1 {
		t.Fatalf("lookups = %d, want 1", h.finder.calls)
	}
	if h.pings.count() != 0 || h.engine.Len() != 0 || h.clock.Pending() != 0 {
		t.Fatalf("pings=%d jobs=%d pending=%d, want all 0", h.pings.count(), h.engine.Len(), h.clock.Pending())
	}
}

func TestRescheduleDuringLookupKeepsNewJob(t *testing.T) {
	t.Parallel()
	pr := openPR(3, monday9)
	h := newHarness(t, 2, pr)

	var fresh JobInfo
	h.finder.during = func() {
		h.finder.during = nil
		info, err := h.engine.Schedule(pr)
		if err != nil {
			t.Errorf("schedule during lookup: %v", err)
		}
		fresh = info
	}
	if _, err := h.engine.Schedule(pr); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(2 * day)

	if h.pings.count() != 0 {
		t.Fatalf("superseded fire pinged")
	}
	cur, ok := h.engine.Job(pr.Key())
	if !ok || cur.ID != fresh.ID {
		t.Fatalf("current job = %+v ok=%v, want %s", cur, ok, fresh.ID)
	}
	if h.engine.Len() != 1 || h.clock.Pending() != 1 {
		t.Fatalf("jobs=%d pending=%d, want 1/1", h.engine.Len(), h.clock.Pending())
	}
}

func TestScheduleValidation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 2)
	if _, err := h.engine.Schedule(review.PullRequest{}); !errors.Is(err, ErrNoPullRequest) {
		t.Fatalf("err = %v, want ErrNoPullRequest", err)
	}
	if _, err := h.engine.ScheduleOpt(openPR(1, monday9), ScheduleOptions{IntervalDays: -1}); !errors.Is(err, ErrInvalidInterval) {
		t.Fatalf("err = %v, want ErrInvalidInterval", err)
	}
	if h.engine.Len() != 0 {
		t.Fatalf("invalid schedule left a job")
	}
}

func TestScheduleIfIdle(t *testing.T) {
	t.Parallel()
	pr := openPR(8, monday9)
	h := newHarness(t, 2, pr)

	a, added, err := h.engine.ScheduleIfIdle(pr)
	if err != nil || !added {
		t.Fatalf("first: added=%v err=%v", added, err)
	}
	b, added, err := h.engine.ScheduleIfIdle(pr)
	if err != nil || added {
		t.Fatalf("second: added=%v err=%v", added, err)
	}
	if a.ID != b.ID || h.clock.Pending() != 1 {
		t.Fatalf("existing job replaced: %s vs %s, pending=%d", a.ID, b.ID, h.clock.Pending())
	}
}

func TestShutdownAll(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 2, openPR(1, monday9), openPR(2, monday9))
	for _, id := range []int64{1, 2} {
		if _, err := h.engine.Schedule(openPR(id, monday9)); err != nil {
			t.Fatal(err)
		}
	}

	h.engine.ShutdownAll()
	if h.engine.Len() != 0 || h.clock.Pending() != 0 {
		t.Fatalf("jobs=%d pending=%d after shutdown", h.engine.Len(), h.clock.Pending())
	}
	if _, err := h.engine.Schedule(openPR(3, monday9)); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
	if _, _, err := h.engine.ScheduleIfIdle(openPR(3, monday9)); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}

	h.clock.Advance(10 * day)
	if h.pings.count() != 0 {
		t.Fatalf("pinged after shutdown")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.engine.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestShutdownDuringFireRefusesRearm(t *testing.T) {
	t.Parallel()
	pr := openPR(4, monday9)
	h := newHarness(t, 2, pr)
	h.finder.during = func() { h.engine.ShutdownAll() }

	if _, err := h.engine.Schedule(pr); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(2 * day)
	if h.engine.Len() != 0 || h.clock.Pending() != 0 {
		t.Fatalf("re-armed after shutdown: jobs=%d pending=%d", h.engine.Len(), h.clock.Pending())
	}
}

func TestApplyChangesDefaultInterval(t *testing.T) {
	t.Parallel()
	pr := openPR(1, monday9)
	h := newHarness(t, 2, pr)
	armed, err := h.engine.Schedule(pr)
	if err != nil {
		t.Fatal(err)
	}

	h.engine.Apply(Config{IntervalDays: 3, Location: time.UTC})
	if got := h.engine.Config().IntervalDays; got != 3 {
		t.Fatalf("interval = %d, want 3", got)
	}
	if cur, _ := h.engine.Job(pr.Key()); !cur.FireAt.Equal(armed.FireAt) {
		t.Fatalf("apply moved an armed job")
	}

	info, err := h.engine.Schedule(openPR(2, monday9))
	if err != nil {
		t.Fatal(err)
	}
	if info.IntervalDays != 3 || !info.FireAt.Equal(monday9.AddDate(0, 0, 3)) {
		t.Fatalf("new default not applied: %+v", info)
	}
}

func TestNotifierErrorStillRearms(t *testing.T) {
	t.Parallel()
	pr := openPR(6, monday9)
	h := newHarness(t, 2, pr)
	h.engine.SetNotifier(NotifierFunc(func(context.Context, review.PullRequest) error {
		return errors.New("outbox full")
	}))

	if _, err := h.engine.Schedule(pr); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(2 * day)
	if h.engine.Len() != 1 {
		t.Fatalf("jobs = %d, want 1", h.engine.Len())
	}
	if st := h.engine.Stats(); st.Pings != 0 || st.Fired != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestFireAcrossDSTPingsOnce(t *testing.T) {
	t.Parallel()
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	start := time.Date(2024, time.March, 4, 9, 0, 0, 0, ny)
	clock := newFakeClock(time.Date(2024, time.March, 11, 9, 0, 0, 0, ny))
	pr := openPR(9, start)
	pings := &pingRecorder{}
	e := New(Config{IntervalDays: 1, Location: ny}, newFakeFinder(pr), logx.Nop(),
		WithClock(clock), WithNotifier(pings))
	t.Cleanup(e.ShutdownAll)

	info, err := e.Schedule(pr)
	if err != nil {
		t.Fatal(err)
	}
	if !info.FireAt.After(clock.Now()) {
		t.Fatalf("armed at %s, not after now %s", info.FireAt, clock.Now())
	}

	clock.AdvanceTo(info.FireAt)
	if got := pings.count(); got != 1 {
		t.Fatalf("pings = %d, want 1", got)
	}
	next, ok := e.Job(pr.Key())
	if !ok {
		t.Fatalf("job not re-armed")
	}
	if !next.FireAt.After(clock.Now()) {
		t.Fatalf("re-armed at %s, not after now %s", next.FireAt, clock.Now())
	}
	// A zero-delay re-arm would already be due here.
	clock.Advance(0)
	if got := pings.count(); got != 1 {
		t.Fatalf("pings after re-arm = %d, want 1", got)
	}
}
