package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"reviewremind/internal/review"
	logx "reviewremind/pkg/logx"
)

// fileStore keeps everything in memory and persists it as JSON files.
//
// Files:
//   - <prefix>.pings.jsonl         (append-only JSON Lines)
//   - <prefix>.pulls.snapshot.json (periodic snapshot)
//   - <prefix>.pulls.journal.jsonl (append-only journal)
//   - <prefix>.dedup.snapshot.json
//   - <prefix>.dedup.journal.jsonl
//
// Journals are periodically compacted into their snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	pingFile *os.File
	pings    map[int64][]PingRecord

	pulls *journal[review.PullRequest]
	dedup *journal[int64] // unix milli
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	pingPath := prefix + ".pings.jsonl"
	pings := map[int64][]PingRecord{}
	if err := replayPings(pingPath, pings); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("ping history unreadable", logx.String("path", pingPath), logx.Err(err))
	}
	pf, err := os.OpenFile(pingPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	pulls, err := openJournal[review.PullRequest](prefix+".pulls", log, 1000)
	if err != nil {
		_ = pf.Close()
		return nil, err
	}
	dedup, err := openJournal[int64](prefix+".dedup", log, 1000)
	if err != nil {
		_ = pf.Close()
		_ = pulls.close()
		return nil, err
	}
	pruneExpiredDedup(dedup.m)

	return &fileStore{
		log:      log,
		pingFile: pf,
		pings:    pings,
		pulls:    pulls,
		dedup:    dedup,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.pingFile != nil {
		errs = append(errs, s.pingFile.Close())
		s.pingFile = nil
	}
	if s.pulls != nil {
		errs = append(errs, s.pulls.close())
	}
	if s.dedup != nil {
		errs = append(errs, s.dedup.close())
	}
	return errors.Join(errs...)
}

func (s *fileStore) FindByID(ctx context.Context, id int64) (review.PullRequest, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	pr, ok := s.pulls.m[pullKey(id)]
	if !ok {
		return review.PullRequest{}, review.ErrNotFound
	}
	return pr, nil
}

func (s *fileStore) FindInReview(ctx context.Context) ([]review.PullRequest, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := make(map[int64]review.PullRequest, len(s.pulls.m))
	for _, pr := range s.pulls.m {
		byID[pr.ID] = pr
	}
	return filterInReview(byID), nil
}

func (s *fileStore) Upsert(ctx context.Context, pr review.PullRequest) error {
	_ = ctx
	if err := validatePull(pr); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pulls.put(pullKey(pr.ID), stampUpdated(pr))
}

func (s *fileStore) RecordPing(ctx context.Context, p PingRecord) error {
	_ = ctx
	p = normalizePing(p)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pingFile == nil {
		return errors.New("ping file closed")
	}
	if err := json.NewEncoder(s.pingFile).Encode(p); err != nil {
		return err
	}
	s.pings[p.PullID] = append(s.pings[p.PullID], p)
	return nil
}

func (s *fileStore) Pings(ctx context.Context, pullID int64) ([]PingRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PingRecord(nil), s.pings[pullID]...), nil
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dedup.put(key, until.UnixMilli())
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup.m[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func pullKey(id int64) string { return strconv.FormatInt(id, 10) }

// journal is a string-keyed map persisted as a snapshot plus an append-only
// journal of puts. Callers serialize access.
type journal[V any] struct {
	log          logx.Logger
	snapshotPath string
	file         *os.File
	m            map[string]V
	writes       int
	compactEvery int
}

type journalRecord[V any] struct {
	Key   string `json:"key"`
	Value V      `json:"value"`
}

func openJournal[V any](prefix string, log logx.Logger, compactEvery int) (*journal[V], error) {
	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	m := map[string]V{}
	if err := loadSnapshot(snapPath, m); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("snapshot unreadable", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, m); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("journal unreadable", logx.String("path", journalPath), logx.Err(err))
	}

	f, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	return &journal[V]{
		log:          log,
		snapshotPath: snapPath,
		file:         f,
		m:            m,
		compactEvery: compactEvery,
	}, nil
}

func (j *journal[V]) put(key string, v V) error {
	if j.file == nil {
		return errors.New("journal closed")
	}
	j.m[key] = v
	if err := json.NewEncoder(j.file).Encode(journalRecord[V]{Key: key, Value: v}); err != nil {
		return err
	}
	j.writes++
	if j.compactEvery > 0 && j.writes%j.compactEvery == 0 {
		// Best-effort compact.
		if err := j.compact(); err != nil {
			j.log.Debug("journal compact failed", logx.String("path", j.snapshotPath), logx.Err(err))
		}
	}
	return nil
}

func (j *journal[V]) compact() error {
	tmp := j.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(j.m); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, j.snapshotPath); err != nil {
		return err
	}
	if err := j.file.Truncate(0); err != nil {
		return err
	}
	_, err = j.file.Seek(0, 2)
	return err
}

func (j *journal[V]) close() error {
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

func loadSnapshot[V any](path string, out map[string]V) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]V
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal[V any](path string, out map[string]V) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for s.Scan() {
		var r journalRecord[V]
		if err := json.Unmarshal(s.Bytes(), &r); err != nil {
			continue
		}
		if r.Key == "" {
			continue
		}
		out[r.Key] = r.Value
	}
	return s.Err()
}

func replayPings(path string, out map[int64][]PingRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		var p PingRecord
		if err := json.Unmarshal(s.Bytes(), &p); err != nil || p.PullID == 0 {
			continue
		}
		out[p.PullID] = append(out[p.PullID], p)
	}
	return s.Err()
}

func pruneExpiredDedup(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}
