package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"reviewremind/internal/eventbus"
	"reviewremind/internal/review"
	"reviewremind/internal/storage"
	logx "reviewremind/pkg/logx"
)

type recordingSink struct {
	mu      sync.Mutex
	got     []int64
	fails   atomic.Int32 // remaining failures
	block   chan struct{}
	entered chan struct{}
}

func (r *recordingSink) Name() string { return "test" }

func (r *recordingSink) Deliver(ctx context.Context, pr review.PullRequest) error {
	if r.entered != nil {
		select {
		case r.entered <- struct{}{}:
		default:
		}
	}
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if r.fails.Add(-1) >= 0 {
		return errors.New("sink unavailable")
	}
	r.mu.Lock()
	r.got = append(r.got, pr.ID)
	r.mu.Unlock()
	return nil
}

func (r *recordingSink) delivered() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.got...)
}

func testConfig() Config {
	return Config{
		Enabled:     true,
		Workers:     1,
		QueueSize:   8,
		RatePerSec:  1000,
		RetryBase:   time.Millisecond,
		DedupWindow: time.Hour,
	}
}

func pr(id int64) review.PullRequest {
	return review.PullRequest{ID: id, Number: int(id), Repository: "acme/api", State: review.StateOpen}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startRelay(t *testing.T, cfg Config, sink Sink, st Store, bus eventbus.Bus) *Service {
	t.Helper()
	s := New(cfg, sink, st, bus, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestRelayDeliversBusPings(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	st := storage.NewMemory()
	sink := &recordingSink{}
	sent, unsub := bus.Subscribe(8, TopicSent)
	defer unsub()

	startRelay(t, testConfig(), sink, st, bus)
	bus.Publish(review.NewEvent(review.TopicPing, pr(7)))

	select {
	case e := <-sent:
		ev, ok := e.Data.(PingEvent)
		if !ok || ev.PullID != 7 || ev.Sink != "test" {
			t.Fatalf("sent event = %+v", e.Data)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no %s event", TopicSent)
	}
	if got := sink.delivered(); len(got) != 1 || got[0] != 7 {
		t.Fatalf("delivered = %v", got)
	}
	waitFor(t, "ping record", func() bool {
		pings, _ := st.Pings(context.Background(), 7)
		return len(pings) == 1 && pings[0].Sink == "test" && pings[0].Key == "pull-7"
	})
}

func TestRelayDedupWindow(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	sink := &recordingSink{}
	s := startRelay(t, testConfig(), sink, st, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.Enqueue(ctx, pr(1)); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if err := s.Enqueue(ctx, pr(2)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "two deliveries", func() bool { return len(sink.delivered()) == 2 })
	if got := s.Stats(); got.Deduped != 2 || got.Queued != 2 {
		t.Fatalf("stats = %+v", got)
	}

	// The window is persisted; a fresh relay on the same store keeps suppressing.
	waitFor(t, "persisted window", func() bool {
		_, ok, _ := st.GetDedup(ctx, "ping:pull-1")
		return ok
	})
	sink2 := &recordingSink{}
	s2 := startRelay(t, testConfig(), sink2, st, nil)
	if err := s2.Enqueue(ctx, pr(1)); err != nil {
		t.Fatal(err)
	}
	if got := s2.Stats(); got.Deduped != 1 {
		t.Fatalf("restarted relay stats = %+v", got)
	}
}

func TestRelayRetries(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	sink.fails.Store(2)
	cfg := testConfig()
	cfg.RetryMax = 3
	s := startRelay(t, cfg, sink, nil, nil)

	if err := s.Enqueue(context.Background(), pr(3)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "delivery after retries", func() bool { return s.Stats().Sent == 1 })
	if got := s.Stats(); got.Failed != 0 {
		t.Fatalf("stats = %+v", got)
	}
}

func TestRelayGivesUp(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	failed, unsub := bus.Subscribe(8, TopicFailed)
	defer unsub()
	sink := &recordingSink{}
	sink.fails.Store(100)
	cfg := testConfig()
	cfg.RetryMax = 1
	st := storage.NewMemory()
	s := startRelay(t, cfg, sink, st, bus)

	if err := s.Enqueue(context.Background(), pr(4)); err != nil {
		t.Fatal(err)
	}
	select {
	case e := <-failed:
		if ev := e.Data.(PingEvent); ev.Error == "" {
			t.Fatalf("failed event without error: %+v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no %s event", TopicFailed)
	}
	if pings, _ := st.Pings(context.Background(), 4); len(pings) != 0 {
		t.Fatalf("failed ping recorded: %+v", pings)
	}
}

func TestRelayQueueFull(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	cfg := testConfig()
	cfg.QueueSize = 1
	s := startRelay(t, cfg, sink, nil, nil)
	defer close(sink.block)
	ctx := context.Background()

	if err := s.Enqueue(ctx, pr(1)); err != nil {
		t.Fatal(err)
	}
	select {
	case <-sink.entered:
	case <-time.After(3 * time.Second):
		t.Fatalf("worker never picked up the first ping")
	}
	if err := s.Enqueue(ctx, pr(2)); err != nil {
		t.Fatalf("second ping: %v", err)
	}
	if err := s.Enqueue(ctx, pr(3)); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("third ping err = %v, want ErrQueueFull", err)
	}
	if got := s.Stats().Dropped; got != 1 {
		t.Fatalf("dropped = %d", got)
	}
}

func TestRelayStopDrains(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	s := New(testConfig(), sink, nil, nil, logx.Nop())
	s.Start(context.Background())
	ctx := context.Background()
	for i := int64(1); i <= 5; i++ {
		if err := s.Enqueue(ctx, pr(i)); err != nil {
			t.Fatal(err)
		}
	}
	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	s.Stop(stopCtx)

	if got := len(sink.delivered()); got != 5 {
		t.Fatalf("delivered %d pings before stop, want 5", got)
	}
	if err := s.Enqueue(ctx, pr(9)); !errors.Is(err, ErrStopped) {
		t.Fatalf("enqueue after stop err = %v, want ErrStopped", err)
	}

	// Restart works after a full stop.
	s.Start(ctx)
	defer s.Stop(stopCtx)
	if err := s.Enqueue(ctx, pr(9)); err != nil {
		t.Fatalf("enqueue after restart: %v", err)
	}
}

func TestRelayDisabled(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Enabled = false
	s := New(cfg, &recordingSink{}, nil, nil, logx.Nop())
	s.Start(context.Background())
	if err := s.Enqueue(context.Background(), pr(1)); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
	s.Stop(context.Background())
}

func TestRetryDelayBounded(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 10; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > cfg.RetryMaxDelay {
			t.Fatalf("attempt %d: delay %s out of range", attempt, d)
		}
	}
	if d := retryDelay(cfg, 1); d < 70*time.Millisecond || d > 130*time.Millisecond {
		t.Fatalf("first delay %s outside jitter band", d)
	}
}
