package relay

import (
	"context"
	"errors"
	"time"

	"reviewremind/internal/storage"
)

var (
	ErrDisabled  = errors.New("relay disabled")
	ErrQueueFull = errors.New("relay queue full")
	ErrStopped   = errors.New("relay stopped")
)

// Bus topics published by the relay.
const (
	TopicQueued  = "relay.queued"
	TopicSent    = "relay.sent"
	TopicFailed  = "relay.failed"
	TopicDeduped = "relay.deduped"
	TopicDropped = "relay.dropped"
)

// Config controls the async ping pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 5
	}
	c.RetryMax = max(c.RetryMax, 0)
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	c.DedupWindow = max(c.DedupWindow, 0)
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = 2000
	}
	return c
}

// Store is the persistence the relay needs. storage.Store satisfies it.
type Store interface {
	RecordPing(ctx context.Context, p storage.PingRecord) error
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

// PingEvent is the Data of every relay bus event.
type PingEvent struct {
	PullID int64     `json:"pull_id"`
	Key    string    `json:"key"`
	Sink   string    `json:"sink"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
}

// Stats are cumulative pipeline counters.
type Stats struct {
	Queued  uint64 `json:"queued"`
	Sent    uint64 `json:"sent"`
	Failed  uint64 `json:"failed"`
	Deduped uint64 `json:"deduped"`
	Dropped uint64 `json:"dropped"`
}
