package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"reviewremind/internal/eventbus"
	"reviewremind/internal/review"
	rtsup "reviewremind/internal/runtime/supervisor"
	logx "reviewremind/pkg/logx"
)

// ping is one queued delivery.
type ping struct {
	pr  review.PullRequest
	key string // window key
}

// pipeline is the state of one Start..Stop cycle.
type pipeline struct {
	queue  chan ping
	writes chan windowWrite // nil without a store
	unsub  func()
	sup    *rtsup.Supervisor

	admits  sync.WaitGroup // Enqueue calls still holding queue
	closing bool           // guarded by Service.mu
	drained chan struct{}
}

// Service moves pings from the bus to the sink. It is safe for concurrent
// use and can be started again after Stop.
type Service struct {
	log   logx.Logger
	sink  Sink
	bus   eventbus.Bus
	store Store

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	cur     *pipeline

	window pingWindow

	queued, sent, failed, deduped, dropped atomic.Uint64
}

// New builds a relay. store may be nil: pings are then not recorded and the
// dedup window lives in memory only.
func New(cfg Config, sink Sink, store Store, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{sink: sink, store: store, bus: bus, log: log}
	s.setConfig(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. Workers and QueueSize take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.setConfig(cfg)
	s.mu.Unlock()
}

// setConfig fills defaults and rebuilds the limiter. Call with s.mu held
// (or before s is shared).
func (s *Service) setConfig(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg = cfg
	// A resync can release many pings at once; let a second's worth through.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Stats() Stats {
	return Stats{
		Queued:  s.queued.Load(),
		Sent:    s.sent.Load(),
		Failed:  s.failed.Load(),
		Deduped: s.deduped.Load(),
		Dropped: s.dropped.Load(),
	}
}

// Start subscribes to review.TopicPing and starts the workers. It is a no-op
// while running or disabled, and waits for a Stop still in progress.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	for s.cur != nil && s.cur.closing {
		drained := s.cur.drained
		s.mu.Unlock()
		select {
		case <-drained:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.cur != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	p := &pipeline{
		queue:   make(chan ping, cfg.QueueSize),
		drained: make(chan struct{}),
		// A failing sink must not take the scheduler down.
		sup: rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false)),
	}
	if s.store != nil {
		p.writes = make(chan windowWrite, 1024)
	}
	var events <-chan eventbus.Event
	if s.bus != nil {
		events, p.unsub = s.bus.Subscribe(cfg.QueueSize, review.TopicPing)
	}
	s.cur = p
	s.mu.Unlock()

	if events != nil {
		p.sup.Go("intake", func(c context.Context) error {
			s.intake(c, events)
			return nil
		})
	}
	if p.writes != nil {
		p.sup.GoRestart("window.persist", func(c context.Context) error {
			return s.persistWindows(c, p.writes)
		}, rtsup.WithPublishFirstError(true))
	}
	for i := 0; i < cfg.Workers; i++ {
		p.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			return s.work(c, p.queue)
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Debug("relay started", logx.Int("workers", cfg.Workers), logx.String("sink", s.sinkName()))
}

// Stop refuses new pings and delivers what is already queued. When ctx ends
// first, delivery is abandoned and Stop returns; the cleanup still finishes
// in the background.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	p := s.cur
	if p == nil {
		s.mu.Unlock()
		return
	}
	first := !p.closing
	p.closing = true
	s.mu.Unlock()

	if first {
		go s.drain(p)
	}
	select {
	case <-p.drained:
	case <-ctx.Done():
		p.sup.Cancel()
	}
}

func (s *Service) drain(p *pipeline) {
	if p.unsub != nil {
		p.unsub()
	}
	// No Enqueue can start once closing is set; wait out the running ones.
	p.admits.Wait()
	close(p.queue)
	if p.writes != nil {
		close(p.writes)
	}
	_ = p.sup.Wait(context.Background())

	s.mu.Lock()
	if s.cur == p {
		s.cur = nil
	}
	s.mu.Unlock()
	close(p.drained)
	s.log.Debug("relay stopped", logx.Uint64("sent", s.sent.Load()), logx.Uint64("failed", s.failed.Load()))
}

// Enqueue admits one ping. A ping for a pull request still inside its dedup
// window is counted and dropped, and Enqueue returns nil.
func (s *Service) Enqueue(ctx context.Context, pr review.PullRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	p := s.cur
	if p == nil || p.closing {
		s.mu.Unlock()
		return ErrStopped
	}
	p.admits.Add(1)
	cfg := s.cfg
	s.mu.Unlock()
	defer p.admits.Done()

	key := windowKey(pr)
	if cfg.DedupWindow > 0 && !s.admit(ctx, p, key, cfg) {
		s.deduped.Add(1)
		s.publish(TopicDeduped, pr, key, nil)
		return nil
	}

	select {
	case p.queue <- ping{pr: pr, key: key}:
		s.queued.Add(1)
		s.publish(TopicQueued, pr, key, nil)
		return nil
	default:
		s.dropped.Add(1)
		s.publish(TopicDropped, pr, key, ErrQueueFull)
		return ErrQueueFull
	}
}

func (s *Service) intake(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			pr, err := review.PayloadOf(e)
			if err != nil {
				s.log.Error("malformed ping payload", logx.String("topic", e.Type), logx.Err(err))
				continue
			}
			switch err := s.Enqueue(ctx, pr); {
			case err == nil, errors.Is(err, ErrStopped), errors.Is(err, ErrDisabled):
			default:
				s.log.Warn("ping not queued", logx.String("key", pr.Key()), logx.Err(err))
			}
		}
	}
}

func (s *Service) publish(topic string, pr review.PullRequest, key string, err error) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	ev := PingEvent{PullID: pr.ID, Key: key, Sink: s.sinkName(), At: now}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: topic, Time: now, Data: ev})
}

func (s *Service) sinkName() string {
	if s.sink == nil {
		return ""
	}
	return s.sink.Name()
}
