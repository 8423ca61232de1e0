package relay

import (
	"context"
	"math/rand"
	"time"

	"reviewremind/internal/storage"
	logx "reviewremind/pkg/logx"
)

// work delivers queued pings until the queue is closed.
func (s *Service) work(ctx context.Context, queue <-chan ping) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p, ok := <-queue:
			if !ok {
				return nil
			}
			s.deliver(ctx, p)
		}
	}
}

// deliver hands p to the sink, retrying up to RetryMax times. A delivered
// ping is recorded in the store; one that exhausts its retries is reported
// on TopicFailed.
func (s *Service) deliver(ctx context.Context, p ping) {
	s.mu.Lock()
	cfg, limiter := s.cfg, s.limiter
	s.mu.Unlock()
	if s.sink == nil {
		return
	}
	log := s.log.With(logx.String("key", p.key), logx.Int64("pull_id", p.pr.ID))

	var err error
	for attempt := 1; ; attempt++ {
		if limiter.Wait(ctx) != nil {
			return
		}
		sendCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err = s.sink.Deliver(sendCtx, p.pr)
		cancel()
		if err == nil {
			s.sent.Add(1)
			s.record(ctx, p, log)
			s.publish(TopicSent, p.pr, p.key, nil)
			return
		}
		if attempt > cfg.RetryMax {
			break
		}
		wait := retryDelay(cfg, attempt)
		log.Debug("ping delivery failed; retrying", logx.Int("attempt", attempt), logx.Duration("wait", wait), logx.Err(err))
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}

	s.failed.Add(1)
	log.Warn("ping dropped after retries", logx.Int("attempts", cfg.RetryMax+1), logx.Err(err))
	s.publish(TopicFailed, p.pr, p.key, err)
}

func (s *Service) record(ctx context.Context, p ping, log logx.Logger) {
	if s.store == nil {
		return
	}
	rec := storage.PingRecord{PullID: p.pr.ID, Key: p.pr.Key(), At: time.Now().UTC(), Sink: s.sink.Name()}
	rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.store.RecordPing(rctx, rec); err != nil {
		log.Warn("ping history write failed", logx.Err(err))
	}
}

// retryDelay is the wait after the given failed attempt (1-based): RetryBase
// doubling per attempt, capped at RetryMaxDelay, with ±30% jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = min(d, cfg.RetryMaxDelay)
	d = time.Duration(float64(d) * (0.7 + 0.6*rand.Float64()))
	return min(d, cfg.RetryMaxDelay)
}
