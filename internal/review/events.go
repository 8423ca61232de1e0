package review

import (
	"fmt"

	"reviewremind/internal/eventbus"
)

// Bus topics. Inbound topics drive the reminder engine; TopicPing is the only
// topic it emits.
const (
	TopicStart    = "review:command:start"
	TopicStop     = "review:command:stop"
	TopicApproved = "review:approved"
	TopicComplete = "review:complete"

	TopicPing = "review:scheduler:ping"
)

// Payload is the Data of every review bus event.
type Payload struct {
	PullRequest PullRequest `json:"pull_request"`
}

// NewEvent builds a bus event for topic carrying pr.
func NewEvent(topic string, pr PullRequest) eventbus.Event {
	return eventbus.Event{Type: topic, Data: Payload{PullRequest: pr}}
}

// PayloadOf extracts the pull request carried by e.
// Both Payload and *Payload (and a bare PullRequest) are accepted.
func PayloadOf(e eventbus.Event) (PullRequest, error) {
	switch v := e.Data.(type) {
	case Payload:
		return v.PullRequest, nil
	case *Payload:
		if v == nil {
			return PullRequest{}, fmt.Errorf("%s: nil payload", e.Type)
		}
		return v.PullRequest, nil
	case PullRequest:
		return v, nil
	case *PullRequest:
		if v == nil {
			return PullRequest{}, fmt.Errorf("%s: nil payload", e.Type)
		}
		return *v, nil
	default:
		return PullRequest{}, fmt.Errorf("%s: unexpected payload %T", e.Type, e.Data)
	}
}
