// Package gateway is the boundary between the orchestrator and the requester
// surface. The orchestrator reports every task outcome through a Gateway.
package gateway

import (
	"fmt"
	"unicode/utf8"

	"github.com/buildkite/taskroom/internal/task"
)

// DefaultInlineLimit is the largest result, in characters, delivered inline.
const DefaultInlineLimit = 4000

type FailureReason string

const (
	ReasonProvisioning  FailureReason = "provisioning"
	ReasonCollaborator  FailureReason = "collaborator"
	ReasonAnswerTimeout FailureReason = "answer_timeout"
	ReasonCancelled     FailureReason = "cancelled"
	ReasonPublish       FailureReason = "publish"
	ReasonShutdown      FailureReason = "shutdown"
	ReasonRestart       FailureReason = "restart"
)

type Failure struct {
	Reason  FailureReason `json:"reason"`
	Message string        `json:"message"`
}

func (f Failure) String() string {
	if f.Message == "" {
		return string(f.Reason)
	}
	return fmt.Sprintf("%s: %s", f.Reason, f.Message)
}

// Gateway receives task notifications. Implementations must not block for
// long: callbacks run on the orchestrator's event path.
//
// Every task receives exactly one terminal callback: OnResult, OnResultFile
// or OnFailure.
type Gateway interface {
	OnAck(t task.Task, queuePosition int)
	OnProgress(t task.Task, text string)
	OnQuestion(t task.Task, q task.PendingQuestion)
	OnResult(t task.Task, text string)
	OnResultFile(t task.Task, filename, content string)
	OnFailure(t task.Task, f Failure)
}

// Forgetter is implemented by gateways that keep per-task state and want to
// release it when the task is evicted.
type Forgetter interface {
	Forget(taskID string)
}

// DeliverResult applies the size-based delivery policy: results of at most
// limit characters go inline, longer ones as a named file.
func DeliverResult(g Gateway, t task.Task, result, filename string, limit int) {
	if limit <= 0 {
		limit = DefaultInlineLimit
	}
	if utf8.RuneCountInString(result) <= limit {
		g.OnResult(t, result)
		return
	}
	if filename == "" {
		filename = ResultFilename(t.ID)
	}
	g.OnResultFile(t, filename, result)
}

func ResultFilename(taskID string) string {
	return "result-" + taskID + ".txt"
}

// Multi fans notifications out to several gateways in order.
type Multi []Gateway

func (m Multi) OnAck(t task.Task, pos int) {
	for _, g := range m {
		g.OnAck(t, pos)
	}
}

func (m Multi) OnProgress(t task.Task, text string) {
	for _, g := range m {
		g.OnProgress(t, text)
	}
}

func (m Multi) OnQuestion(t task.Task, q task.PendingQuestion) {
	for _, g := range m {
		g.OnQuestion(t, q)
	}
}

func (m Multi) OnResult(t task.Task, text string) {
	for _, g := range m {
		g.OnResult(t, text)
	}
}

func (m Multi) OnResultFile(t task.Task, filename, content string) {
	for _, g := range m {
		g.OnResultFile(t, filename, content)
	}
}

func (m Multi) OnFailure(t task.Task, f Failure) {
	for _, g := range m {
		g.OnFailure(t, f)
	}
}

func (m Multi) Forget(taskID string) {
	for _, g := range m {
		if f, ok := g.(Forgetter); ok {
			f.Forget(taskID)
		}
	}
}

var _ Forgetter = Multi(nil)
