// Package sandboxagent is the helper that runs inside a sandbox and talks to
// the orchestrator over the task's message channels.
package sandboxagent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/buildkite/taskroom/internal/channel"
	"github.com/buildkite/taskroom/internal/envelope"
	"github.com/charmbracelet/log"
)

const DefaultAnswerTimeout = 600 * time.Second

var ErrAnswerTimeout = errors.New("timed out waiting for an answer")

// Env is the task context the orchestrator hands to every sandbox.
type Env struct {
	TaskID         string
	RedisURL       string
	EventsChannel  string
	AnswersChannel string
	AnswerTimeout  time.Duration
}

// EnvFromOS reads Env from the process environment. Channel names fall back to
// the default prefix when the orchestrator did not set them.
func EnvFromOS() (Env, error) {
	return envFrom(os.Getenv)
}

func envFrom(getenv func(string) string) (Env, error) {
	env := Env{
		TaskID:         strings.TrimSpace(getenv("TASK_ID")),
		RedisURL:       strings.TrimSpace(getenv("REDIS_URL")),
		EventsChannel:  strings.TrimSpace(getenv("TASKROOM_EVENTS_CHANNEL")),
		AnswersChannel: strings.TrimSpace(getenv("TASKROOM_ANSWERS_CHANNEL")),
		AnswerTimeout:  DefaultAnswerTimeout,
	}
	if env.TaskID == "" {
		return Env{}, errors.New("TASK_ID is not set")
	}
	names := channel.Names{}
	if env.EventsChannel == "" {
		env.EventsChannel = names.Events(env.TaskID)
	}
	if env.AnswersChannel == "" {
		env.AnswersChannel = names.Answers(env.TaskID)
	}
	if raw := strings.TrimSpace(getenv("TASKROOM_ANSWER_TIMEOUT_SECONDS")); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 {
			return Env{}, fmt.Errorf("invalid TASKROOM_ANSWER_TIMEOUT_SECONDS %q", raw)
		}
		env.AnswerTimeout = time.Duration(secs) * time.Second
	}
	return env, nil
}

type Agent struct {
	Env     Env
	Channel channel.Channel
	// Publisher is used for outgoing envelopes. When nil, Channel is used
	// directly.
	Publisher channel.Publisher
	Logger    *log.Logger
}

func (a *Agent) publisher() channel.Publisher {
	if a.Publisher != nil {
		return a.Publisher
	}
	return a.Channel
}

func (a *Agent) publish(ctx context.Context, env envelope.Envelope) error {
	b, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	if err := a.publisher().Publish(ctx, a.Env.EventsChannel, b); err != nil {
		return fmt.Errorf("publish %s: %w", env.Kind, err)
	}
	if a.Logger != nil {
		a.Logger.Debug("published envelope", "task_id", a.Env.TaskID, "kind", env.Kind)
	}
	return nil
}

func (a *Agent) Progress(ctx context.Context, message, stage string) error {
	return a.publish(ctx, envelope.Progress(a.Env.TaskID, message, stage))
}

func (a *Agent) Result(ctx context.Context, result, filename string) error {
	return a.publish(ctx, envelope.Result(a.Env.TaskID, result, filename))
}

func (a *Agent) Fail(ctx context.Context, message string) error {
	return a.publish(ctx, envelope.Error(a.Env.TaskID, message))
}

// Ask publishes a question and blocks until the orchestrator relays an answer
// or the answer timeout elapses. The answers subscription is opened before the
// question goes out so a fast answer is never missed.
func (a *Agent) Ask(ctx context.Context, question string, options []string) (string, error) {
	answers := make(chan string, 1)
	sub, err := a.Channel.Subscribe(ctx, a.Env.AnswersChannel, func(payload []byte) {
		env, err := envelope.Decode(payload)
		if err != nil || env.TaskID != a.Env.TaskID || env.Kind != envelope.KindAnswer {
			if a.Logger != nil {
				a.Logger.Warn("ignoring message on answers channel", "task_id", a.Env.TaskID)
			}
			return
		}
		select {
		case answers <- env.Get(envelope.KeyAnswer):
		default:
		}
	})
	if err != nil {
		return "", fmt.Errorf("subscribe %s: %w", a.Env.AnswersChannel, err)
	}
	defer sub.Close()

	if err := a.publish(ctx, envelope.Question(a.Env.TaskID, question, options)); err != nil {
		return "", err
	}

	timeout := a.Env.AnswerTimeout
	if timeout <= 0 {
		timeout = DefaultAnswerTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case answer := <-answers:
		return answer, nil
	case <-timer.C:
		return "", ErrAnswerTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
