// Package resync periodically re-runs reminder reconciliation on a cron
// schedule, so pull requests that entered review without a start event
// reaching this process get a reminder. Reviews the engine already ended
// are left alone. Runs never overlap; a tick that finds the previous run
// still busy is skipped.
package resync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "reviewremind/pkg/logx"
)

var ErrBusy = errors.New("resync already running")

// Config controls the schedule.
type Config struct {
	Spec     string         // cron spec; empty disables the schedule
	Location *time.Location // nil means time.Local
	Timeout  time.Duration  // per run; 0 = none
}

// Func is one resync pass.
type Func func(ctx context.Context) error

// Stats are cumulative run counters.
type Stats struct {
	Runs    uint64    `json:"runs"`
	Skipped uint64    `json:"skipped"`
	Failed  uint64    `json:"failed"`
	LastRun time.Time `json:"last_run"`
	Next    time.Time `json:"next"`
}

type Service struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	fn     Func
	parser cron.Parser

	c       *cron.Cron
	entry   cron.EntryID
	runCtx  context.Context
	cancel  context.CancelFunc
	running atomic.Bool

	runs, skipped, failed atomic.Uint64
	lastRun               atomic.Int64 // unix nanos
}

func New(cfg Config, fn Func, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		fn:  fn,
		log: log,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Start registers the schedule. It is idempotent and a no-op for an empty spec.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	return s.startLocked(ctx)
}

func (s *Service) startLocked(ctx context.Context) error {
	spec := strings.TrimSpace(s.cfg.Spec)
	if spec == "" {
		s.log.Debug("resync disabled")
		return nil
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("resync: invalid spec %q: %w", spec, err)
	}
	loc := s.cfg.Location
	if loc == nil {
		loc = time.Local
	}

	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.c = cron.New(cron.WithLocation(loc), cron.WithParser(s.parser), cron.WithChain(cron.Recover(cronLogger{s.log})))
	s.entry = s.c.Schedule(sched, cron.FuncJob(s.tick))
	s.c.Start()
	s.log.Info("resync scheduled", logx.String("spec", spec), logx.String("tz", loc.String()), logx.Time("next", s.c.Entry(s.entry).Next))
	return nil
}

// Stop removes the schedule and waits for a running pass until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel, s.runCtx = nil, nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	done := c.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
	}
	cancel()
}

// Apply swaps the config; a changed spec or location restarts the schedule.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg = cfg
	if s.c == nil {
		return nil
	}
	if strings.TrimSpace(old.Spec) == strings.TrimSpace(cfg.Spec) && locName(old.Location) == locName(cfg.Location) {
		return nil
	}

	parent := context.Background()
	if s.runCtx != nil {
		parent = context.WithoutCancel(s.runCtx)
	}
	// In-flight runs finish on their own; only the schedule is replaced.
	s.c.Stop()
	s.cancel()
	s.c, s.cancel, s.runCtx = nil, nil, nil
	return s.startLocked(parent)
}

// Trigger runs one pass now, unless one is already running.
func (s *Service) Trigger(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		return ErrBusy
	}
	defer s.running.Store(false)

	s.mu.Lock()
	timeout := s.cfg.Timeout
	s.mu.Unlock()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	s.runs.Add(1)
	s.lastRun.Store(start.UnixNano())
	err := s.fn(ctx)
	if err != nil {
		s.failed.Add(1)
		s.log.Warn("resync failed", logx.Duration("took", time.Since(start)), logx.Err(err))
		return err
	}
	s.log.Debug("resync done", logx.Duration("took", time.Since(start)))
	return nil
}

func (s *Service) tick() {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		return
	}
	if err := s.Trigger(ctx); errors.Is(err, ErrBusy) {
		s.log.Debug("resync skipped: previous run still busy")
	}
}

func (s *Service) Stats() Stats {
	st := Stats{Runs: s.runs.Load(), Skipped: s.skipped.Load(), Failed: s.failed.Load()}
	if n := s.lastRun.Load(); n != 0 {
		st.LastRun = time.Unix(0, n)
	}
	s.mu.Lock()
	if s.c != nil {
		st.Next = s.c.Entry(s.entry).Next
	}
	s.mu.Unlock()
	return st
}

func locName(l *time.Location) string {
	if l == nil {
		return time.Local.String()
	}
	return l.String()
}

// cronLogger routes cron's internal messages (recovered panics) to logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
