package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"reviewremind/internal/review"
	logx "reviewremind/pkg/logx"
)

//go:embed postgres_migrations.sql
var postgresMigrations string

const (
	pgSelectPull     = `SELECT ` + pullColumns + ` FROM pull_requests WHERE id=$1`
	pgSelectInReview = `SELECT ` + pullColumns + ` FROM pull_requests WHERE state=$1 AND review_status=$2 ORDER BY id`
	pgUpsertPull     = `INSERT INTO pull_requests(` + pullColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET
		  number=EXCLUDED.number, repository=EXCLUDED.repository, title=EXCLUDED.title,
		  author=EXCLUDED.author, state=EXCLUDED.state, review_comments=EXCLUDED.review_comments,
		  review_status=EXCLUDED.review_status, review_started_at=EXCLUDED.review_started_at,
		  updated_at=EXCLUDED.updated_at`
	pgInsertPing     = `INSERT INTO review_pings(pull_id, key, at, sink) VALUES ($1,$2,$3,$4)`
	pgSelectPings    = `SELECT pull_id, key, at, sink FROM review_pings WHERE pull_id=$1 ORDER BY seq`
	pgUpsertDedup    = `INSERT INTO review_dedup(key, until) VALUES ($1,$2) ON CONFLICT (key) DO UPDATE SET until=EXCLUDED.until`
	pgSelectDedup    = `SELECT until FROM review_dedup WHERE key=$1`
	pgConnectTimeout = 10 * time.Second
)

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	ctx, cancel := context.WithTimeout(context.Background(), pgConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pool: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresMigrations); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	log.Info("postgres store ready",
		logx.String("host", poolCfg.ConnConfig.Host),
		logx.Int("max_conns", int(poolCfg.MaxConns)),
	)
	return &postgresStore{pool: pool, log: log}, nil
}

func (p *postgresStore) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

func (p *postgresStore) FindByID(ctx context.Context, id int64) (review.PullRequest, error) {
	pr, err := scanPostgresPull(p.pool.QueryRow(ctx, pgSelectPull, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return review.PullRequest{}, review.ErrNotFound
	}
	if err != nil {
		return review.PullRequest{}, fmt.Errorf("find pull %d: %w", id, err)
	}
	return pr, nil
}

func (p *postgresStore) FindInReview(ctx context.Context) ([]review.PullRequest, error) {
	rows, err := p.pool.Query(ctx, pgSelectInReview, string(review.StateOpen), string(review.StatusInProgress))
	if err != nil {
		return nil, fmt.Errorf("find in review: %w", err)
	}
	defer rows.Close()

	var out []review.PullRequest
	for rows.Next() {
		pr, err := scanPostgresPull(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pull: %w", err)
		}
		out = append(out, pr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *postgresStore) Upsert(ctx context.Context, pr review.PullRequest) error {
	if err := validatePull(pr); err != nil {
		return err
	}
	pr = stampUpdated(pr)
	var started *time.Time
	if !pr.Review.StartedAt.IsZero() {
		t := pr.Review.StartedAt
		started = &t
	}
	if _, err := p.pool.Exec(ctx, pgUpsertPull,
		pr.ID, pr.Number, pr.Repository, pr.Title, pr.Author, string(pr.State), pr.ReviewComments,
		string(pr.Review.Status), started, pr.UpdatedAt,
	); err != nil {
		return fmt.Errorf("upsert pull %d: %w", pr.ID, err)
	}
	return nil
}

func (p *postgresStore) RecordPing(ctx context.Context, rec PingRecord) error {
	rec = normalizePing(rec)
	var sink *string
	if rec.Sink != "" {
		sink = &rec.Sink
	}
	if _, err := p.pool.Exec(ctx, pgInsertPing, rec.PullID, rec.Key, rec.At, sink); err != nil {
		return fmt.Errorf("record ping: %w", err)
	}
	return nil
}

func (p *postgresStore) Pings(ctx context.Context, pullID int64) ([]PingRecord, error) {
	rows, err := p.pool.Query(ctx, pgSelectPings, pullID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PingRecord
	for rows.Next() {
		var (
			rec  PingRecord
			sink *string
		)
		if err := rows.Scan(&rec.PullID, &rec.Key, &rec.At, &sink); err != nil {
			return nil, err
		}
		if sink != nil {
			rec.Sink = *sink
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *postgresStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := p.pool.Exec(ctx, pgUpsertDedup, key, until)
	return err
}

func (p *postgresStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var until time.Time
	err := p.pool.QueryRow(ctx, pgSelectDedup, key).Scan(&until)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return until, true, nil
}

func scanPostgresPull(r rowScanner) (review.PullRequest, error) {
	var (
		pr            review.PullRequest
		state, status string
		started       *time.Time
	)
	if err := r.Scan(&pr.ID, &pr.Number, &pr.Repository, &pr.Title, &pr.Author, &state,
		&pr.ReviewComments, &status, &started, &pr.UpdatedAt); err != nil {
		return review.PullRequest{}, err
	}
	pr.State = review.State(state)
	pr.Review.Status = review.Status(status)
	if started != nil {
		pr.Review.StartedAt = *started
	}
	return pr, nil
}
