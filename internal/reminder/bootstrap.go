package reminder

import (
	"context"
	"fmt"

	"reviewremind/internal/review"
	logx "reviewremind/pkg/logx"
)

// InReviewSource lists the open pull requests with a review in progress.
type InReviewSource interface {
	FindInReview(ctx context.Context) ([]review.PullRequest, error)
}

// Seeder is the part of the engine used by reconciliation.
type Seeder interface {
	Schedule(pr review.PullRequest) (JobInfo, error)
	ScheduleIfIdle(pr review.PullRequest) (JobInfo, bool, error)
}

// ReconcileResult summarises one reconciliation pass.
type ReconcileResult struct {
	Found     int
	Scheduled int
	Skipped   int // already armed or ended (idle pass only)
	Failed    int
}

// Reconcile schedules a reminder for every pull request currently in review.
// It returns once all of them were submitted, not when they fire.
// A failing entity is logged and counted; it does not stop the pass.
func Reconcile(ctx context.Context, src InReviewSource, s Seeder, log logx.Logger) (ReconcileResult, error) {
	return reconcile(ctx, src, log, func(pr review.PullRequest) (bool, error) {
		_, err := s.Schedule(pr)
		return err == nil, err
	})
}

// ReconcileIdle is Reconcile for keys the engine has never seen, or lost
// without ending them. Armed reminders keep their fire time; keys ended by a
// cancel, a finished review or a failed lookup stay ended until a lifecycle
// event schedules them again.
func ReconcileIdle(ctx context.Context, src InReviewSource, s Seeder, log logx.Logger) (ReconcileResult, error) {
	return reconcile(ctx, src, log, func(pr review.PullRequest) (bool, error) {
		_, added, err := s.ScheduleIfIdle(pr)
		return added, err
	})
}

func reconcile(ctx context.Context, src InReviewSource, log logx.Logger, schedule func(review.PullRequest) (bool, error)) (ReconcileResult, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	var res ReconcileResult
	prs, err := src.FindInReview(ctx)
	if err != nil {
		return res, fmt.Errorf("find in review: %w", err)
	}
	res.Found = len(prs)
	for _, pr := range prs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		added, err := schedule(pr)
		switch {
		case err != nil:
			res.Failed++
			log.Error("reconcile schedule failed", logx.String("key", pr.Key()), logx.Err(err))
		case added:
			res.Scheduled++
		default:
			res.Skipped++
		}
	}
	log.Info("reconciled reviews",
		logx.Int("found", res.Found),
		logx.Int("scheduled", res.Scheduled),
		logx.Int("skipped", res.Skipped),
		logx.Int("failed", res.Failed),
	)
	return res, nil
}
