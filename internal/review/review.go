// Package review holds the pull request model shared by storage, the
// reminder engine and the event topics that connect them.
package review

import (
	"errors"
	"strconv"
	"time"
)

// ErrNotFound is returned by lookups when the pull request does not exist.
var ErrNotFound = errors.New("pull request not found")

type State string

const (
	StateOpen   State = "open"
	StateClosed State = "closed"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "inprogress"
	StatusApproved   Status = "approved"
	StatusComplete   Status = "complete"
)

// Review is the review sub-document of a pull request.
type Review struct {
	Status    Status    `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

// PullRequest is a snapshot of a code-review request.
// The reminder engine never mutates it.
type PullRequest struct {
	ID             int64     `json:"id"`
	Number         int       `json:"number,omitempty"`
	Repository     string    `json:"repository,omitempty"`
	Title          string    `json:"title,omitempty"`
	Author         string    `json:"author,omitempty"`
	State          State     `json:"state"`
	ReviewComments int       `json:"review_comments"`
	Review         Review    `json:"review"`
	UpdatedAt      time.Time `json:"updated_at,omitempty"`
}

// KeyPrefix prefixes every job key.
const KeyPrefix = "pull-"

// Key derives the job key of a pull request id.
func Key(id int64) string { return KeyPrefix + strconv.FormatInt(id, 10) }

func (pr PullRequest) Key() string { return Key(pr.ID) }

// Closed reports whether the pull request is closed.
func (pr PullRequest) Closed() bool { return pr.State == StateClosed }

// Unattended reports whether nobody has reacted to the review yet:
// no review comments and the pull request is still not closed.
func (pr PullRequest) Unattended() bool {
	return pr.ReviewComments == 0 && !pr.Closed()
}

// InReview reports whether the pull request is open with a review in progress.
func (pr PullRequest) InReview() bool {
	return pr.State == StateOpen && pr.Review.Status == StatusInProgress
}
