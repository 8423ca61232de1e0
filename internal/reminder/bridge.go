package reminder

import (
	"context"
	"fmt"
	"runtime/debug"

	"reviewremind/internal/eventbus"
	"reviewremind/internal/review"
	logx "reviewremind/pkg/logx"
)

// Commander is the part of the engine driven by lifecycle events.
type Commander interface {
	Schedule(pr review.PullRequest) (JobInfo, error)
	Cancel(pr review.PullRequest) bool
}

// InboundTopics are the bus topics the bridge reacts to.
var InboundTopics = []string{
	review.TopicStart,
	review.TopicStop,
	review.TopicApproved,
	review.TopicComplete,
}

// Bridge connects the engine to the event bus: lifecycle topics become
// Schedule/Cancel calls and pings are published back as TopicPing.
type Bridge struct {
	cmd    Commander
	bus    eventbus.Bus
	log    logx.Logger
	buffer int
}

func NewBridge(cmd Commander, bus eventbus.Bus, log logx.Logger) *Bridge {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bridge{cmd: cmd, bus: bus, log: log, buffer: 1024}
}

// Run subscribes to the inbound topics and handles events one at a time, so
// events for the same pull request are applied in publish order.
// It returns when ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	run, err := b.Listen()
	if err != nil {
		return err
	}
	return run(ctx)
}

// Listen subscribes now and returns the loop that consumes the subscription,
// so events published after Listen returns are never missed.
func (b *Bridge) Listen() (func(ctx context.Context) error, error) {
	if b.bus == nil {
		return nil, fmt.Errorf("bridge: no event bus")
	}
	events, unsub := b.bus.Subscribe(b.buffer, InboundTopics...)
	b.log.Debug("bridge subscribed", logx.Int("buffer", b.buffer))
	return func(ctx context.Context) error {
		defer unsub()
		b.serve(ctx, events)
		return nil
	}, nil
}

func (b *Bridge) serve(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := b.Handle(ctx, e); err != nil {
				b.log.Error("review event failed", logx.String("topic", e.Type), logx.Err(err))
			}
		}
	}
}

// Handle applies a single event. Panics in the engine are converted into
// errors; unknown topics are ignored.
func (b *Bridge) Handle(ctx context.Context, e eventbus.Event) (err error) {
	_ = ctx
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("review event handler panicked", logx.String("topic", e.Type), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("%s: panic: %v", e.Type, r)
		}
	}()

	switch e.Type {
	case review.TopicStart:
		pr, err := review.PayloadOf(e)
		if err != nil {
			return err
		}
		info, err := b.cmd.Schedule(pr)
		if err != nil {
			return fmt.Errorf("schedule %s: %w", pr.Key(), err)
		}
		b.log.Info("reminder scheduled", logx.String("key", info.Key), logx.Time("fire_at", info.FireAt))
		return nil
	case review.TopicStop, review.TopicApproved, review.TopicComplete:
		pr, err := review.PayloadOf(e)
		if err != nil {
			return err
		}
		if b.cmd.Cancel(pr) {
			b.log.Info("reminder cancelled", logx.String("key", pr.Key()), logx.String("topic", e.Type))
		}
		return nil
	default:
		return nil
	}
}

// Ping publishes the reminder ping for pr. It implements Notifier.
func (b *Bridge) Ping(ctx context.Context, pr review.PullRequest) error {
	_ = ctx
	if b.bus == nil {
		return fmt.Errorf("bridge: no event bus")
	}
	b.bus.Publish(review.NewEvent(review.TopicPing, pr))
	return nil
}
