package resync

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "reviewremind/pkg/logx"
)

func TestTriggerCountsRuns(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	fail := errors.New("store down")
	s := New(Config{}, func(context.Context) error {
		if calls.Add(1) == 2 {
			return fail
		}
		return nil
	}, logx.Nop())

	ctx := context.Background()
	if err := s.Trigger(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Trigger(ctx); !errors.Is(err, fail) {
		t.Fatalf("err = %v, want %v", err, fail)
	}
	st := s.Stats()
	if st.Runs != 2 || st.Failed != 1 || st.LastRun.IsZero() {
		t.Fatalf("stats = %+v", st)
	}
}

func TestTriggerSkipsOverlap(t *testing.T) {
	t.Parallel()
	entered := make(chan struct{})
	release := make(chan struct{})
	s := New(Config{}, func(context.Context) error {
		close(entered)
		<-release
		return nil
	}, logx.Nop())

	done := make(chan error, 1)
	go func() { done <- s.Trigger(context.Background()) }()
	<-entered
	if err := s.Trigger(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("overlapping run err = %v, want ErrBusy", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if st := s.Stats(); st.Runs != 1 || st.Skipped != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestTriggerTimeout(t *testing.T) {
	t.Parallel()
	s := New(Config{Timeout: 20 * time.Millisecond}, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, logx.Nop())
	if err := s.Trigger(context.Background()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestStartRejectsBadSpec(t *testing.T) {
	t.Parallel()
	s := New(Config{Spec: "every tuesday"}, func(context.Context) error { return nil }, logx.Nop())
	if err := s.Start(context.Background()); err == nil {
		s.Stop(context.Background())
		t.Fatalf("expected error")
	}
}

func TestEmptySpecDisables(t *testing.T) {
	t.Parallel()
	s := New(Config{}, func(context.Context) error { return nil }, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if next := s.Stats().Next; !next.IsZero() {
		t.Fatalf("next = %s, want zero", next)
	}
	s.Stop(context.Background())
}

func TestScheduleRunsAndApplyReschedules(t *testing.T) {
	t.Parallel()
	ran := make(chan struct{}, 8)
	s := New(Config{Spec: "@every 1s", Location: time.UTC}, func(context.Context) error {
		ran <- struct{}{}
		return nil
	}, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop(context.Background())

	if next := s.Stats().Next; next.IsZero() {
		t.Fatalf("no next run scheduled")
	}
	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatalf("scheduled run did not happen")
	}

	if err := s.Apply(Config{Spec: "0 0 1 1 *", Location: time.UTC}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	next := s.Stats().Next
	if next.Month() != time.January || next.Day() != 1 || next.Hour() != 0 {
		t.Fatalf("next after apply = %s", next)
	}
}
