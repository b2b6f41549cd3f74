// Package controlapi defines the wire types of the taskroom control API.
package controlapi

import (
	"time"

	"github.com/buildkite/taskroom/internal/gateway"
	"github.com/buildkite/taskroom/internal/task"
)

const ServiceName = "taskroom.v1.TaskService"

const (
	SubmitTaskProcedure     = "/" + ServiceName + "/SubmitTask"
	GetTaskProcedure        = "/" + ServiceName + "/GetTask"
	ListTasksProcedure      = "/" + ServiceName + "/ListTasks"
	CancelTaskProcedure     = "/" + ServiceName + "/CancelTask"
	AnswerQuestionProcedure = "/" + ServiceName + "/AnswerQuestion"
	StreamTaskProcedure     = "/" + ServiceName + "/StreamTask"
)

type SubmitTaskRequest struct {
	Prompt         string `json:"prompt"`
	Repository     string `json:"repository"`
	Channel        string `json:"channel,omitempty"`
	Thread         string `json:"thread,omitempty"`
	User           string `json:"user,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type SubmitTaskResponse struct {
	TaskID    string `json:"task_id"`
	Queued    bool   `json:"queued"`
	Position  int    `json:"position,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

type Question struct {
	Question string    `json:"question"`
	Options  []string  `json:"options,omitempty"`
	AskedAt  time.Time `json:"asked_at"`
	Deadline time.Time `json:"deadline"`
}

type Task struct {
	TaskID         string     `json:"task_id"`
	State          string     `json:"state"`
	Label          string     `json:"label"`
	Prompt         string     `json:"prompt"`
	Repository     string     `json:"repository"`
	Channel        string     `json:"channel,omitempty"`
	Thread         string     `json:"thread,omitempty"`
	User           string     `json:"user,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	Question       *Question  `json:"question,omitempty"`
	QueuePosition  int        `json:"queue_position,omitempty"`
	SandboxName    string     `json:"sandbox_name,omitempty"`
	SandboxStatus  string     `json:"sandbox_status,omitempty"`
}

type GetTaskRequest struct {
	TaskID string `json:"task_id"`
	// IncludeSandbox asks the provisioner for the sandbox's live status.
	IncludeSandbox bool `json:"include_sandbox,omitempty"`
}

type GetTaskResponse struct {
	Task Task `json:"task"`
}

type ListTasksRequest struct {
	// State filters by state name when set.
	State string `json:"state,omitempty"`
}

type ListTasksResponse struct {
	Tasks  []Task `json:"tasks"`
	Active int    `json:"active"`
	Queued int    `json:"queued"`
	Limit  int    `json:"limit"`
}

type CancelTaskRequest struct {
	TaskID string `json:"task_id"`
}

type CancelTaskResponse struct {
	Task Task `json:"task"`
}

type AnswerQuestionRequest struct {
	TaskID string `json:"task_id"`
	Answer string `json:"answer"`
}

type AnswerQuestionResponse struct {
	TaskID string `json:"task_id"`
	State  string `json:"state"`
}

type StreamTaskRequest struct {
	TaskID string `json:"task_id"`
	Follow bool   `json:"follow"`
}

// TaskEvent is one notification on a task stream.
type TaskEvent struct {
	TaskID     string    `json:"task_id"`
	Kind       string    `json:"kind"`
	State      string    `json:"state"`
	Text       string    `json:"text"`
	Question   *Question `json:"question,omitempty"`
	Filename   string    `json:"filename,omitempty"`
	Content    string    `json:"content,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	Terminal   bool      `json:"terminal,omitempty"`
}

func TaskFrom(t task.Task) Task {
	out := Task{
		TaskID:         t.ID,
		State:          t.State.String(),
		Label:          t.State.Label(),
		Prompt:         t.Prompt,
		Repository:     t.Repository,
		Channel:        t.Origin.Channel,
		Thread:         t.Origin.Thread,
		User:           t.Origin.User,
		CreatedAt:      t.CreatedAt,
		LastActivityAt: t.LastActivityAt,
		FinishedAt:     t.FinishedAt,
		Reason:         t.Reason,
		QueuePosition:  t.QueuePosition,
		SandboxName:    t.SandboxName,
	}
	if q := t.Question; q != nil {
		out.Question = &Question{Question: q.Question, Options: q.Options, AskedAt: q.AskedAt, Deadline: q.Deadline}
	}
	return out
}

func EventFrom(n gateway.Notification) TaskEvent {
	ev := TaskEvent{
		TaskID:     n.TaskID,
		Kind:       string(n.Kind),
		State:      n.State.String(),
		Text:       n.Text,
		Filename:   n.Filename,
		Content:    n.Content,
		Reason:     string(n.Reason),
		OccurredAt: n.OccurredAt,
		Terminal:   n.Terminal(),
	}
	if n.Kind == gateway.KindQuestion {
		ev.Question = &Question{Question: n.Question, Options: n.Options, Deadline: n.Deadline}
	}
	return ev
}

type ErrorResponse struct {
	Error string `json:"error"`
}
