package relay

import (
	"context"
	"sync"
	"time"

	"reviewremind/internal/review"
	logx "reviewremind/pkg/logx"
)

// windowKey is the store key of a pull request's dedup window.
func windowKey(pr review.PullRequest) string { return "ping:" + pr.Key() }

type windowWrite struct {
	key   string
	until time.Time
}

// pingWindow holds, per pull request, the instant until which further pings
// are suppressed. It outlives pipelines so a relay restart keeps suppressing.
type pingWindow struct {
	mu    sync.Mutex
	until map[string]time.Time
}

func (w *pingWindow) open(key string, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	until, ok := w.until[key]
	return ok && now.Before(until)
}

// hold records until for key, then drops expired entries and, past limit,
// the ones closest to expiry.
func (w *pingWindow) hold(key string, until, now time.Time, limit int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.until == nil {
		w.until = map[string]time.Time{}
	}
	w.until[key] = until
	for k, u := range w.until {
		if !now.Before(u) {
			delete(w.until, k)
		}
	}
	for len(w.until) > limit {
		var oldest string
		for k, u := range w.until {
			if oldest == "" || u.Before(w.until[oldest]) {
				oldest = k
			}
		}
		delete(w.until, oldest)
	}
}

// admit opens a new window for key unless one is already open in memory or
// in the store. New windows are handed to the persist loop.
func (s *Service) admit(ctx context.Context, p *pipeline, key string, cfg Config) bool {
	now := time.Now()
	if s.window.open(key, now) {
		return false
	}
	if s.store != nil {
		lookup, cancel := context.WithTimeout(ctx, 25*time.Millisecond)
		until, ok, err := s.store.GetDedup(lookup, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.window.hold(key, until, now, cfg.DedupMaxEntries)
			return false
		}
	}

	until := now.Add(cfg.DedupWindow)
	s.window.hold(key, until, now, cfg.DedupMaxEntries)
	if p.writes != nil {
		select {
		case p.writes <- windowWrite{key: key, until: until}:
		default:
			s.log.Debug("window persist backlog full; kept in memory", logx.String("key", key))
		}
	}
	return true
}

// persistWindows stores new windows until writes is closed.
func (s *Service) persistWindows(ctx context.Context, writes <-chan windowWrite) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case w, ok := <-writes:
			if !ok {
				return nil
			}
			wctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			if err := s.store.PutDedup(wctx, w.key, w.until); err != nil {
				s.log.Debug("window persist failed", logx.String("key", w.key), logx.Err(err))
			}
			cancel()
		}
	}
}
