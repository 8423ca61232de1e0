package relay

import (
	"context"

	"reviewremind/internal/review"
	logx "reviewremind/pkg/logx"
)

// Sink receives pings that passed the pipeline.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, pr review.PullRequest) error
}

// LogSink writes each ping as an info log line.
type LogSink struct {
	log logx.Logger
}

func NewLogSink(log logx.Logger) *LogSink {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogSink{log: log}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(ctx context.Context, pr review.PullRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.log.Info("review reminder",
		logx.String("key", pr.Key()),
		logx.String("repo", pr.Repository),
		logx.Int("number", pr.Number),
		logx.String("title", pr.Title),
		logx.String("author", pr.Author),
		logx.Time("review_started", pr.Review.StartedAt),
	)
	return nil
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, pr review.PullRequest) error

func (f SinkFunc) Name() string { return "func" }

func (f SinkFunc) Deliver(ctx context.Context, pr review.PullRequest) error { return f(ctx, pr) }
