package gateway

import (
	"unicode/utf8"

	"github.com/buildkite/taskroom/internal/task"
	"github.com/charmbracelet/log"
)

// Log is a Gateway that writes notifications to a structured logger. Result
// bodies are summarised by size only.
type Log struct {
	Logger *log.Logger
}

func (l Log) log(t task.Task, msg string, kv ...any) {
	if l.Logger == nil {
		return
	}
	base := []any{"task_id", t.ID, "state", t.State}
	if t.Origin.Channel != "" {
		base = append(base, "origin_channel", t.Origin.Channel, "origin_thread", t.Origin.Thread)
	}
	l.Logger.Info(msg, append(base, kv...)...)
}

func (l Log) OnAck(t task.Task, pos int) {
	l.log(t, "task acknowledged", "queue_position", pos)
}

func (l Log) OnProgress(t task.Task, text string) {
	l.log(t, "task progress", "text", text)
}

func (l Log) OnQuestion(t task.Task, q task.PendingQuestion) {
	l.log(t, "task question", "question", q.Question, "options", len(q.Options), "deadline", q.Deadline)
}

func (l Log) OnResult(t task.Task, text string) {
	l.log(t, "task result delivered inline", "chars", utf8.RuneCountInString(text))
}

func (l Log) OnResultFile(t task.Task, filename, content string) {
	l.log(t, "task result delivered as file", "filename", filename, "chars", utf8.RuneCountInString(content))
}

func (l Log) OnFailure(t task.Task, f Failure) {
	if l.Logger == nil {
		return
	}
	l.Logger.Warn("task ended without result", "task_id", t.ID, "state", t.State, "reason", f.Reason, "message", f.Message)
}

var _ Gateway = Log{}
