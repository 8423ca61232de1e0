package storage

import (
	"context"
	"errors"
	"time"

	"reviewremind/internal/review"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "memory": process-local maps (default)
//   - "file": JSON snapshot + journal files under Path
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL reachable through DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int32         // postgres only; 0 means pgx default
}

// Store is the persistence API used by the reminder engine, the
// reconciler and the ping relay.
type Store interface {
	// FindByID returns review.ErrNotFound for unknown ids.
	FindByID(ctx context.Context, id int64) (review.PullRequest, error)
	// FindInReview lists open pull requests whose review is in progress,
	// ordered by id.
	FindInReview(ctx context.Context) ([]review.PullRequest, error)
	Upsert(ctx context.Context, pr review.PullRequest) error

	RecordPing(ctx context.Context, p PingRecord) error
	Pings(ctx context.Context, pullID int64) ([]PingRecord, error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}

// PingRecord is one delivered reminder ping.
type PingRecord struct {
	PullID int64     `json:"pull_id"`
	Key    string    `json:"key"`
	At     time.Time `json:"at"`
	Sink   string    `json:"sink,omitempty"`
}
