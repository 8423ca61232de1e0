package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"reviewremind/internal/review"
	logx "reviewremind/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

const pullColumns = `id, number, repository, title, author, state, review_comments, review_status, review_started_at, updated_at`

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store ready", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) FindByID(ctx context.Context, id int64) (review.PullRequest, error) {
	if s == nil || s.db == nil {
		return review.PullRequest{}, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+pullColumns+` FROM pull_requests WHERE id = ?`, id)
	pr, err := scanSQLitePull(row)
	if errors.Is(err, sql.ErrNoRows) {
		return review.PullRequest{}, review.ErrNotFound
	}
	if err != nil {
		return review.PullRequest{}, fmt.Errorf("find pull %d: %w", id, err)
	}
	return pr, nil
}

func (s *sqliteStore) FindInReview(ctx context.Context) ([]review.PullRequest, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pullColumns+` FROM pull_requests WHERE state = ? AND review_status = ? ORDER BY id`,
		string(review.StateOpen), string(review.StatusInProgress),
	)
	if err != nil {
		return nil, fmt.Errorf("find in review: %w", err)
	}
	defer rows.Close()

	var out []review.PullRequest
	for rows.Next() {
		pr, err := scanSQLitePull(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Upsert(ctx context.Context, pr review.PullRequest) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if err := validatePull(pr); err != nil {
		return err
	}
	pr = stampUpdated(pr)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pull_requests(`+pullColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   number=excluded.number, repository=excluded.repository, title=excluded.title,
		   author=excluded.author, state=excluded.state, review_comments=excluded.review_comments,
		   review_status=excluded.review_status, review_started_at=excluded.review_started_at,
		   updated_at=excluded.updated_at`,
		pr.ID, pr.Number, pr.Repository, pr.Title, pr.Author, string(pr.State), pr.ReviewComments,
		string(pr.Review.Status), nullTime(pr.Review.StartedAt), pr.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) RecordPing(ctx context.Context, p PingRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	p = normalizePing(p)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pings(pull_id, key, at, sink) VALUES(?,?,?,?)`,
		p.PullID, p.Key, p.At.UTC().Format(time.RFC3339Nano), nullStr(p.Sink),
	)
	return err
}

func (s *sqliteStore) Pings(ctx context.Context, pullID int64) ([]PingRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT pull_id, key, at, sink FROM pings WHERE pull_id = ? ORDER BY seq`, pullID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PingRecord
	for rows.Next() {
		var (
			p    PingRecord
			at   string
			sink sql.NullString
		)
		if err := rows.Scan(&p.PullID, &p.Key, &at, &sink); err != nil {
			return nil, err
		}
		p.At, _ = time.Parse(time.RFC3339Nano, at)
		p.Sink = sink.String
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, ms,
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, now)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLitePull(r rowScanner) (review.PullRequest, error) {
	var (
		pr            review.PullRequest
		state, status string
		started       sql.NullString
		updated       string
	)
	if err := r.Scan(&pr.ID, &pr.Number, &pr.Repository, &pr.Title, &pr.Author, &state,
		&pr.ReviewComments, &status, &started, &updated); err != nil {
		return review.PullRequest{}, err
	}
	pr.State = review.State(state)
	pr.Review.Status = review.Status(status)
	if started.Valid && started.String != "" {
		t, err := time.Parse(time.RFC3339Nano, started.String)
		if err != nil {
			return review.PullRequest{}, fmt.Errorf("pull %d review_started_at: %w", pr.ID, err)
		}
		pr.Review.StartedAt = t
	}
	pr.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return pr, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
