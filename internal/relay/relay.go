// Package relay translates typed envelopes to and from the message channel.
package relay

import (
	"context"
	"fmt"

	"github.com/buildkite/taskroom/internal/channel"
	"github.com/buildkite/taskroom/internal/envelope"
	"github.com/charmbracelet/log"
)

type Relay struct {
	Channel channel.Channel
	// Publisher is used for outgoing envelopes. When nil, Channel is used
	// directly.
	Publisher channel.Publisher
	Names     channel.Names
	Logger    *log.Logger
}

func (r *Relay) publisher() channel.Publisher {
	if r.Publisher != nil {
		return r.Publisher
	}
	return r.Channel
}

// SubscribeEvents delivers sandbox-emitted envelopes for taskID. Payloads that
// fail to decode or name a different task are dropped.
func (r *Relay) SubscribeEvents(ctx context.Context, taskID string, fn func(envelope.Envelope)) (channel.Subscription, error) {
	return r.subscribe(ctx, r.Names.Events(taskID), taskID, fn)
}

// SubscribeAnswers delivers orchestrator-published answers for taskID.
func (r *Relay) SubscribeAnswers(ctx context.Context, taskID string, fn func(envelope.Envelope)) (channel.Subscription, error) {
	return r.subscribe(ctx, r.Names.Answers(taskID), taskID, fn)
}

func (r *Relay) subscribe(ctx context.Context, name, taskID string, fn func(envelope.Envelope)) (channel.Subscription, error) {
	sub, err := r.Channel.Subscribe(ctx, name, func(payload []byte) {
		env, err := envelope.Decode(payload)
		if err != nil {
			if r.Logger != nil {
				r.Logger.Warn("dropping undecodable envelope", "channel", name, "error", err)
			}
			return
		}
		if env.TaskID != taskID {
			if r.Logger != nil {
				r.Logger.Warn("dropping envelope for another task", "channel", name, "task_id", env.TaskID)
			}
			return
		}
		fn(env)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", name, err)
	}
	return sub, nil
}

// PublishEvent publishes a sandbox event for env.TaskID.
func (r *Relay) PublishEvent(ctx context.Context, env envelope.Envelope) error {
	return r.publish(ctx, r.Names.Events(env.TaskID), env)
}

func (r *Relay) PublishAnswer(ctx context.Context, taskID, answer string) error {
	return r.publish(ctx, r.Names.Answers(taskID), envelope.Answer(taskID, answer))
}

func (r *Relay) publish(ctx context.Context, name string, env envelope.Envelope) error {
	b, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	if err := r.publisher().Publish(ctx, name, b); err != nil {
		return fmt.Errorf("publish %s envelope: %w", env.Kind, err)
	}
	return nil
}
