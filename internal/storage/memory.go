package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"reviewremind/internal/review"
)

// Memory is a process-local Store. It is the default backend and the one
// used by tests.
type Memory struct {
	mu     sync.RWMutex
	pulls  map[int64]review.PullRequest
	pings  map[int64][]PingRecord
	dedup  map[string]time.Time
	closed bool
}

func NewMemory() *Memory {
	return &Memory{
		pulls: map[int64]review.PullRequest{},
		pings: map[int64][]PingRecord{},
		dedup: map[string]time.Time{},
	}
}

func (m *Memory) FindByID(ctx context.Context, id int64) (review.PullRequest, error) {
	if err := ctx.Err(); err != nil {
		return review.PullRequest{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	pr, ok := m.pulls[id]
	if !ok {
		return review.PullRequest{}, review.ErrNotFound
	}
	return pr, nil
}

func (m *Memory) FindInReview(ctx context.Context) ([]review.PullRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterInReview(m.pulls), nil
}

func (m *Memory) Upsert(ctx context.Context, pr review.PullRequest) error {
	if err := validatePull(pr); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	m.pulls[pr.ID] = stampUpdated(pr)
	return nil
}

func (m *Memory) RecordPing(ctx context.Context, p PingRecord) error {
	p = normalizePing(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	m.pings[p.PullID] = append(m.pings[p.PullID], p)
	return nil
}

func (m *Memory) Pings(ctx context.Context, pullID int64) ([]PingRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]PingRecord(nil), m.pings[pullID]...), nil
}

func (m *Memory) PutDedup(ctx context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dedup[key] = until
	return nil
}

func (m *Memory) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	until, ok := m.dedup[strings.TrimSpace(key)]
	return until, ok, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

var errClosed = errors.New("store closed")

func validatePull(pr review.PullRequest) error {
	if pr.ID == 0 {
		return errors.New("pull request id required")
	}
	return nil
}

func stampUpdated(pr review.PullRequest) review.PullRequest {
	if pr.UpdatedAt.IsZero() {
		pr.UpdatedAt = time.Now().UTC()
	}
	return pr
}

func normalizePing(p PingRecord) PingRecord {
	if p.Key == "" {
		p.Key = review.Key(p.PullID)
	}
	if p.At.IsZero() {
		p.At = time.Now().UTC()
	}
	return p
}

func filterInReview(pulls map[int64]review.PullRequest) []review.PullRequest {
	out := make([]review.PullRequest, 0, len(pulls))
	for _, pr := range pulls {
		if pr.InReview() {
			out = append(out, pr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
