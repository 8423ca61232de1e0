package reminder

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"reviewremind/internal/review"
	logx "reviewremind/pkg/logx"
)

// fakeClock runs timer callbacks synchronously from Advance.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock(now time.Time) *fakeClock { return &fakeClock{now: now} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d < 0 {
		d = 0
	}
	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves the clock and runs every timer that became due, in deadline order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

// AdvanceTo moves the clock to at (no-op if at is in the past).
func (c *fakeClock) AdvanceTo(at time.Time) {
	d := at.Sub(c.Now())
	if d < 0 {
		d = 0
	}
	c.Advance(d)
}

// Pending counts timers that have neither fired nor been stopped.
func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// last returns the most recently armed timer.
func (c *fakeClock) last() *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.timers) == 0 {
		return nil
	}
	return c.timers[len(c.timers)-1]
}

type fakeFinder struct {
	mu     sync.Mutex
	prs    map[int64]review.PullRequest
	err    error
	calls  int
	during func() // runs inside FindByID, before returning
}

func newFakeFinder(prs ...review.PullRequest) *fakeFinder {
	f := &fakeFinder{prs: map[int64]review.PullRequest{}}
	for _, pr := range prs {
		f.prs[pr.ID] = pr
	}
	return f
}

func (f *fakeFinder) set(pr review.PullRequest) {
	f.mu.Lock()
	f.prs[pr.ID] = pr
	f.mu.Unlock()
}

func (f *fakeFinder) FindByID(ctx context.Context, id int64) (review.PullRequest, error) {
	f.mu.Lock()
	f.calls++
	during := f.during
	err := f.err
	pr, ok := f.prs[id]
	f.mu.Unlock()

	if during != nil {
		during()
	}
	if err != nil {
		return review.PullRequest{}, err
	}
	if !ok {
		return review.PullRequest{}, review.ErrNotFound
	}
	return pr, nil
}

func (f *fakeFinder) FindInReview(ctx context.Context) ([]review.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]review.PullRequest, 0, len(f.prs))
	for _, pr := range f.prs {
		if pr.InReview() {
			out = append(out, pr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type pingRecorder struct {
	mu    sync.Mutex
	pings []review.PullRequest
}

func (r *pingRecorder) Ping(ctx context.Context, pr review.PullRequest) error {
	r.mu.Lock()
	r.pings = append(r.pings, pr)
	r.mu.Unlock()
	return nil
}

func (r *pingRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pings)
}

// monday9 is Monday 2024-01-01 09:00 UTC.
var monday9 = time.Date(2024, time.January, 1, 9, 0, 0, 0, time.UTC)

func openPR(id int64, started time.Time) review.PullRequest {
	return review.PullRequest{
		ID:     id,
		State:  review.StateOpen,
		Review: review.Review{Status: review.StatusInProgress, StartedAt: started},
	}
}

type harness struct {
	clock  *fakeClock
	finder *fakeFinder
	pings  *pingRecorder
	engine *Engine
}

func newHarness(t *testing.T, days int, prs ...review.PullRequest) *harness {
	t.Helper()
	h := &harness{
		clock:  newFakeClock(monday9),
		finder: newFakeFinder(prs...),
		pings:  &pingRecorder{},
	}
	h.engine = New(Config{IntervalDays: days, Location: time.UTC}, h.finder, logx.Nop(),
		WithClock(h.clock), WithNotifier(h.pings))
	t.Cleanup(h.engine.ShutdownAll)
	return h
}
