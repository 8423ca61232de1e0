package reminder

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"reviewremind/internal/review"
	logx "reviewremind/pkg/logx"
)

// DefaultIntervalDays is used when Config.IntervalDays is not set.
const DefaultIntervalDays = 2

var (
	ErrClosed          = errors.New("reminder engine closed")
	ErrInvalidInterval = errors.New("reminder interval must be > 0 days")
	ErrNoPullRequest   = errors.New("pull request id required")
)

// Config controls the engine. It can be swapped at runtime with Apply.
type Config struct {
	IntervalDays  int            // default re-arm interval
	Location      *time.Location // weekday rule location; nil means time.Local
	LookupTimeout time.Duration  // 0 = wait for the lookup as long as it takes
}

func (c Config) withDefaults() Config {
	if c.IntervalDays <= 0 {
		c.IntervalDays = DefaultIntervalDays
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.LookupTimeout < 0 {
		c.LookupTimeout = 0
	}
	return c
}

// Finder fetches the authoritative state of a pull request when a job fires.
// It returns review.ErrNotFound for unknown ids.
type Finder interface {
	FindByID(ctx context.Context, id int64) (review.PullRequest, error)
}

// Notifier receives the pings for pull requests nobody has reacted to.
type Notifier interface {
	Ping(ctx context.Context, pr review.PullRequest) error
}

type NotifierFunc func(ctx context.Context, pr review.PullRequest) error

func (f NotifierFunc) Ping(ctx context.Context, pr review.PullRequest) error { return f(ctx, pr) }

// ScheduleOptions overrides per-call scheduling parameters.
type ScheduleOptions struct {
	IntervalDays int // 0 = engine default
}

type Option func(*Engine)

func WithClock(c Clock) Option { return func(e *Engine) { e.clock = c } }

func WithNotifier(n Notifier) Option { return func(e *Engine) { e.notifier = n } }

// Engine keeps one deferred check per pull request and re-arms it until the
// review gets attention or the pull request is closed.
//
// Per key: Schedule moves Idle to Armed, a fire moves Armed to Firing, and the
// fire outcome moves Firing to Armed (new job) or Idle. Cancel moves any state
// to Idle; a fire whose job was cancelled or replaced mid-lookup is dropped.
type Engine struct {
	mu       sync.RWMutex // guards cfg, closed, notifier; held (R) across store mutations
	cfg      Config
	closed   bool
	notifier Notifier

	log    logx.Logger
	finder Finder
	clock  Clock
	jobs   *JobStore

	ctx    context.Context
	cancel context.CancelFunc
	fires  sync.WaitGroup

	scheduled atomic.Uint64
	fired     atomic.Uint64
	pings     atomic.Uint64
	failures  atomic.Uint64
}

func New(cfg Config, finder Finder, log logx.Logger, opts ...Option) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:    cfg.withDefaults(),
		log:    log,
		finder: finder,
		clock:  SystemClock{},
		jobs:   NewJobStore(),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Apply swaps the config. Armed jobs keep their fire time; the new default
// interval applies from the next Schedule or re-arm.
func (e *Engine) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	e.mu.Lock()
	old := e.cfg
	e.cfg = cfg
	e.mu.Unlock()
	if old.IntervalDays != cfg.IntervalDays || old.Location.String() != cfg.Location.String() || old.LookupTimeout != cfg.LookupTimeout {
		e.log.Info("config applied",
			logx.Int("interval_days", cfg.IntervalDays),
			logx.String("tz", cfg.Location.String()),
			logx.Duration("lookup_timeout", cfg.LookupTimeout),
		)
	}
}

func (e *Engine) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// SetNotifier installs the ping outbox. Used when the notifier is built
// after the engine (the event bridge needs the engine first).
func (e *Engine) SetNotifier(n Notifier) {
	e.mu.Lock()
	e.notifier = n
	e.mu.Unlock()
}

// Schedule arms the reminder for pr with the default interval, replacing any
// job already armed for the same key.
func (e *Engine) Schedule(pr review.PullRequest) (JobInfo, error) {
	return e.ScheduleOpt(pr, ScheduleOptions{})
}

// ScheduleOpt is Schedule with options.
//
// It returns once the job is registered; the check itself runs later on the
// timer goroutine.
func (e *Engine) ScheduleOpt(pr review.PullRequest, opt ScheduleOptions) (JobInfo, error) {
	if pr.ID == 0 {
		return JobInfo{}, ErrNoPullRequest
	}
	if opt.IntervalDays < 0 {
		return JobInfo{}, fmt.Errorf("%w: got %d", ErrInvalidInterval, opt.IntervalDays)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return JobInfo{}, ErrClosed
	}

	job := e.newJobLocked(pr, opt.IntervalDays)
	if prev := e.jobs.Put(job); prev != nil {
		prev.stop()
		e.log.Debug("job replaced", logx.String("key", job.Key), logx.String("prev_id", prev.ID))
	}
	e.armLocked(job)
	return job.Info(), nil
}

// ScheduleIfIdle arms the reminder only when the key has no job and was not
// ended by Cancel, a finished review or a failed lookup. It returns the
// existing job and false when one is already armed or firing, and a zero
// JobInfo and false for an ended key. Schedule clears the ended mark.
func (e *Engine) ScheduleIfIdle(pr review.PullRequest) (JobInfo, bool, error) {
	if pr.ID == 0 {
		return JobInfo{}, false, ErrNoPullRequest
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return JobInfo{}, false, ErrClosed
	}

	job := e.newJobLocked(pr, 0)
	cur, added := e.jobs.PutIfAbsent(job)
	if !added {
		if cur == nil {
			return JobInfo{}, false, nil
		}
		return cur.Info(), false, nil
	}
	e.armLocked(job)
	return job.Info(), true, nil
}

// Cancel drops the reminder for pr. Cancelling a key without a job is a no-op.
// It reports whether a job was removed.
func (e *Engine) Cancel(pr review.PullRequest) bool {
	return e.CancelKey(pr.Key())
}

func (e *Engine) CancelKey(key string) bool {
	job := e.jobs.Remove(key)
	if job == nil {
		return false
	}
	job.stop()
	e.log.Debug("job cancelled", logx.String("key", key), logx.String("id", job.ID), logx.String("state", job.State().String()))
	return true
}

// ShutdownAll cancels every job and refuses further scheduling.
// In-flight fires are not interrupted; their re-arm is refused. Use Wait to
// block until they return.
func (e *Engine) ShutdownAll() {
	e.mu.Lock()
	e.closed = true
	jobs := e.jobs.Clear()
	e.mu.Unlock()

	for _, j := range jobs {
		j.stop()
	}
	e.cancel()
	e.log.Info("all jobs cancelled", logx.Int("jobs", len(jobs)))
}

// Wait blocks until in-flight fires return or ctx is done.
func (e *Engine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.fires.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Job returns the live job for key.
func (e *Engine) Job(key string) (JobInfo, bool) {
	j, ok := e.jobs.Get(key)
	if !ok {
		return JobInfo{}, false
	}
	return j.Info(), true
}

// Jobs returns the live jobs ordered by key.
func (e *Engine) Jobs() []JobInfo {
	all := e.jobs.All()
	out := make([]JobInfo, 0, len(all))
	for _, j := range all {
		out = append(out, j.Info())
	}
	return out
}

func (e *Engine) Len() int { return e.jobs.Len() }

// Ended reports whether the reminder for key was stopped and has not been
// scheduled again.
func (e *Engine) Ended(key string) bool { return e.jobs.Ended(key) }

// Stats are best-effort counters for logs and status output.
type Stats struct {
	Active    int
	Scheduled uint64
	Fired     uint64
	Pings     uint64
	Failures  uint64
}

func (e *Engine) Stats() Stats {
	return Stats{
		Active:    e.jobs.Len(),
		Scheduled: e.scheduled.Load(),
		Fired:     e.fired.Load(),
		Pings:     e.pings.Load(),
		Failures:  e.failures.Load(),
	}
}

// newJobLocked computes the fire time for pr. Call with e.mu held.
func (e *Engine) newJobLocked(pr review.PullRequest, intervalDays int) *Job {
	if intervalDays <= 0 {
		intervalDays = e.cfg.IntervalDays
	}
	now := e.clock.Now()
	fireAt := NextFireTime(pr.Review.StartedAt, now, intervalDays, e.cfg.Location)
	return newJob(pr, fireAt, now, intervalDays)
}

// armLocked starts the timer of a job that is already in the store.
// Call with e.mu held.
func (e *Engine) armLocked(job *Job) {
	delay := job.FireAt.Sub(e.clock.Now())
	if delay < 0 {
		delay = 0
	}
	job.setTimer(e.clock.AfterFunc(delay, func() { e.fire(job) }))
	e.scheduled.Add(1)
	e.log.Debug("job armed",
		logx.String("key", job.Key),
		logx.String("id", job.ID),
		logx.Time("fire_at", job.FireAt),
		logx.Int("interval_days", job.IntervalDays),
		logx.Duration("in", delay),
	)
}

func (e *Engine) fire(job *Job) {
	if !e.jobs.Claim(job.Key, job.ID) {
		e.log.Debug("stale fire ignored", logx.String("key", job.Key), logx.String("id", job.ID))
		return
	}
	e.fires.Add(1)
	defer e.fires.Done()
	e.fired.Add(1)

	log := e.log.With(logx.String("key", job.Key), logx.String("id", job.ID))
	defer func() {
		if r := recover(); r != nil {
			e.failures.Add(1)
			e.jobs.RemoveIf(job.Key, job.ID)
			log.Error("fire panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()

	e.mu.RLock()
	timeout := e.cfg.LookupTimeout
	notifier := e.notifier
	e.mu.RUnlock()

	ctx := e.ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	pr, err := e.finder.FindByID(ctx, job.PullID)
	if err != nil {
		// Not found is handled like any other lookup failure: stop monitoring.
		e.failures.Add(1)
		e.jobs.RemoveIf(job.Key, job.ID)
		log.Error("pull request lookup failed; reminder dropped",
			logx.Int64("pull_id", job.PullID),
			logx.Bool("not_found", errors.Is(err, review.ErrNotFound)),
			logx.Err(err),
		)
		return
	}

	if !e.jobs.Owns(job.Key, job.ID) {
		log.Debug("job cancelled during lookup; result dropped")
		return
	}

	if !pr.Unattended() {
		e.jobs.RemoveIf(job.Key, job.ID)
		log.Info("review attended; reminder finished",
			logx.Int("review_comments", pr.ReviewComments),
			logx.String("state", string(pr.State)),
		)
		return
	}

	if notifier != nil {
		if err := notifier.Ping(ctx, pr); err != nil {
			log.Error("ping failed", logx.Err(err))
		} else {
			e.pings.Add(1)
		}
	}
	e.rearm(job, pr, log)
}

// rearm replaces a fired job with a new one using the default interval.
func (e *Engine) rearm(job *Job, pr review.PullRequest, log logx.Logger) {
	if pr.Review.StartedAt.IsZero() {
		pr.Review.StartedAt = job.pr.Review.StartedAt
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		log.Debug("engine closed; not re-arming")
		return
	}
	next := e.newJobLocked(pr, 0)
	if !e.jobs.ReplaceIf(job.Key, job.ID, next) {
		log.Debug("job cancelled before re-arm")
		return
	}
	e.armLocked(next)
	log.Info("review still unattended; reminder re-armed", logx.Time("next_fire_at", next.FireAt))
}
