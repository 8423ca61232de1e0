package reminder

import (
	"sort"
	"sync"
)

// JobStore maps a job key to its single live job.
//
// Every method holds one mutex, so a replace (put + previous removal) is
// observed atomically and a key never maps to two jobs.
//
// Keys whose job was removed (cancelled, finished or dropped after a failed
// lookup) are remembered as ended until the next Put. PutIfAbsent refuses
// them, so only an explicit schedule brings an ended key back.
type JobStore struct {
	mu    sync.Mutex
	jobs  map[string]*Job
	ended map[string]struct{}
}

func NewJobStore() *JobStore {
	return &JobStore{jobs: map[string]*Job{}, ended: map[string]struct{}{}}
}

// Put stores job under its key and returns the job it replaced, if any.
// The caller is responsible for stopping the returned job.
func (s *JobStore) Put(job *Job) (prev *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev = s.jobs[job.Key]
	s.jobs[job.Key] = job
	delete(s.ended, job.Key)
	return prev
}

// PutIfAbsent stores job only when its key has no job and has not ended.
// It returns the existing job (nil for an ended key) and false otherwise.
func (s *JobStore) PutIfAbsent(job *Job) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.jobs[job.Key]; ok {
		return cur, false
	}
	if _, ok := s.ended[job.Key]; ok {
		return nil, false
	}
	s.jobs[job.Key] = job
	return job, true
}

// Ended reports whether key was ended and not scheduled again since.
func (s *JobStore) Ended(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ended[key]
	return ok
}

// ReplaceIf swaps in next only while the key is still held by the job with id.
func (s *JobStore) ReplaceIf(key, id string, next *Job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[key]
	if !ok || cur.ID != id {
		return false
	}
	s.jobs[key] = next
	return true
}

func (s *JobStore) Get(key string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[key]
	return j, ok
}

// Owns reports whether key is still held by the job with id.
func (s *JobStore) Owns(key, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[key]
	return ok && cur.ID == id
}

// Claim moves the job with id from Armed to Firing. It fails when the key
// was cancelled or re-scheduled since the timer was armed, or when the job
// is already firing.
func (s *JobStore) Claim(key, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[key]
	if !ok || cur.ID != id {
		return false
	}
	return cur.state.CompareAndSwap(int32(StateArmed), int32(StateFiring))
}

// Remove deletes the job for key and returns it (nil if there was none).
// The key is marked ended either way.
func (s *JobStore) Remove(key string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended[key] = struct{}{}
	j, ok := s.jobs[key]
	if !ok {
		return nil
	}
	delete(s.jobs, key)
	return j
}

// RemoveIf deletes key only while it is held by the job with id.
func (s *JobStore) RemoveIf(key, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[key]
	if !ok || cur.ID != id {
		return false
	}
	delete(s.jobs, key)
	s.ended[key] = struct{}{}
	return true
}

// All returns the live jobs ordered by key.
func (s *JobStore) All() []*Job {
	s.mu.Lock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, k int) bool { return out[i].Key < out[k].Key })
	return out
}

// Clear empties the store and returns what it held.
func (s *JobStore) Clear() []*Job {
	s.mu.Lock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	s.jobs = map[string]*Job{}
	s.ended = map[string]struct{}{}
	s.mu.Unlock()
	return out
}

func (s *JobStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}
