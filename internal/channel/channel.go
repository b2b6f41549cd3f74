// Package channel provides the publish/subscribe transport used between the
// orchestrator and sandboxes. Delivery is best effort: there is no
// acknowledgement, redelivery or ordering guarantee across channels.
package channel

import (
	"context"
	"errors"
	"strings"
)

const DefaultPrefix = "taskroom"

var ErrClosed = errors.New("channel closed")

// Handler receives one published payload. Handlers for a single subscription
// are invoked sequentially in arrival order.
type Handler func(payload []byte)

type Publisher interface {
	Publish(ctx context.Context, name string, payload []byte) error
}

type Subscription interface {
	Close() error
}

type Channel interface {
	Publisher
	Subscribe(ctx context.Context, name string, handler Handler) (Subscription, error)
	Close() error
}

// Names builds the per-task channel names shared by the orchestrator and the
// sandbox helper.
type Names struct {
	Prefix string
}

func (n Names) prefix() string {
	if p := strings.TrimSpace(n.Prefix); p != "" {
		return p
	}
	return DefaultPrefix
}

// Events is the sandbox to orchestrator channel for a task.
func (n Names) Events(taskID string) string {
	return n.prefix() + ":events:" + taskID
}

// Answers is the orchestrator to sandbox channel for a task.
func (n Names) Answers(taskID string) string {
	return n.prefix() + ":answers:" + taskID
}
