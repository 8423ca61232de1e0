package reminder

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"reviewremind/internal/review"
)

// JobState is the lifecycle state of a job key.
// A key with no job in the store is Idle.
type JobState int32

const (
	StateIdle JobState = iota
	StateArmed
	StateFiring
)

func (s JobState) String() string {
	switch s {
	case StateArmed:
		return "armed"
	case StateFiring:
		return "firing"
	default:
		return "idle"
	}
}

// Job is one pending deferred check for a pull request.
//
// A job is never mutated after it is stored, except for its state and timer
// handle; re-arming replaces it with a new Job carrying a new ID.
type Job struct {
	ID           string
	Key          string
	PullID       int64
	FireAt       time.Time
	IntervalDays int
	CreatedAt    time.Time

	pr    review.PullRequest
	state atomic.Int32

	mu      sync.Mutex
	timer   Timer
	stopped bool
}

func newJob(pr review.PullRequest, fireAt, now time.Time, intervalDays int) *Job {
	j := &Job{
		ID:           uuid.NewString(),
		Key:          pr.Key(),
		PullID:       pr.ID,
		FireAt:       fireAt,
		IntervalDays: intervalDays,
		CreatedAt:    now,
		pr:           pr,
	}
	j.state.Store(int32(StateArmed))
	return j
}

func (j *Job) State() JobState { return JobState(j.state.Load()) }

// setTimer attaches the armed timer. If the job was stopped before the timer
// existed, the timer is stopped right away.
func (j *Job) setTimer(t Timer) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.stopped {
		_ = t.Stop()
		return
	}
	j.timer = t
}

// stop cancels the underlying timer. Safe to call more than once and after
// the timer has fired.
func (j *Job) stop() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.stopped = true
	if j.timer != nil {
		_ = j.timer.Stop()
	}
}

// JobInfo is an immutable snapshot of a Job.
type JobInfo struct {
	ID           string
	Key          string
	PullID       int64
	FireAt       time.Time
	IntervalDays int
	CreatedAt    time.Time
	State        JobState
}

func (j *Job) Info() JobInfo {
	return JobInfo{
		ID:           j.ID,
		Key:          j.Key,
		PullID:       j.PullID,
		FireAt:       j.FireAt,
		IntervalDays: j.IntervalDays,
		CreatedAt:    j.CreatedAt,
		State:        j.State(),
	}
}
