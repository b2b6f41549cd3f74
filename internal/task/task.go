// Package task defines the task record and its lifecycle states. It also
// validates submissions before they reach admission.
package task

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// DefaultRepositoryPattern accepts GitHub HTTPS repository URLs.
const DefaultRepositoryPattern = `^https://github\.com/\S+$`

var (
	ErrInvalidRequest    = errors.New("invalid request")
	ErrQueueFull         = errors.New("admission queue full")
	ErrNotFound          = errors.New("unknown task")
	ErrNoPendingQuestion = errors.New("no pending question")
)

// Origin identifies where a request came from on the chat surface. All fields
// are opaque to the orchestrator.
type Origin struct {
	Channel string `json:"channel,omitempty"`
	Thread  string `json:"thread,omitempty"`
	User    string `json:"user,omitempty"`
}

type PendingQuestion struct {
	Question string    `json:"question"`
	Options  []string  `json:"options,omitempty"`
	AskedAt  time.Time `json:"askedAt"`
	Deadline time.Time `json:"deadline"`
}

// Expired reports whether the deadline has passed at now.
func (q *PendingQuestion) Expired(now time.Time) bool {
	return q != nil && !now.Before(q.Deadline)
}

type Task struct {
	ID             string           `json:"id"`
	IdempotencyKey string           `json:"idempotencyKey"`
	Origin         Origin           `json:"origin"`
	Prompt         string           `json:"prompt"`
	Repository     string           `json:"repository"`
	State          State            `json:"state"`
	CreatedAt      time.Time        `json:"createdAt"`
	LastActivityAt time.Time        `json:"lastActivityAt"`
	FinishedAt     *time.Time       `json:"finishedAt,omitempty"`
	Reason         string           `json:"reason,omitempty"`
	Question       *PendingQuestion `json:"question,omitempty"`
	SandboxName    string           `json:"sandboxName,omitempty"`
	// QueuePosition is informational and only set on pending snapshots.
	QueuePosition int `json:"queuePosition,omitempty"`
}

// Clone returns a detached copy safe to hand to other goroutines.
func (t Task) Clone() Task {
	out := t
	if t.FinishedAt != nil {
		finished := *t.FinishedAt
		out.FinishedAt = &finished
	}
	if t.Question != nil {
		q := *t.Question
		q.Options = append([]string(nil), t.Question.Options...)
		out.Question = &q
	}
	return out
}

type SubmitRequest struct {
	Prompt         string
	Repository     string
	Origin         Origin
	IdempotencyKey string
}

// Validator checks submissions before any state is created.
type Validator struct {
	repository *regexp.Regexp
}

func NewValidator(pattern string) (*Validator, error) {
	if strings.TrimSpace(pattern) == "" {
		pattern = DefaultRepositoryPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile repository pattern %q: %w", pattern, err)
	}
	return &Validator{repository: re}, nil
}

func (v *Validator) Validate(req SubmitRequest) error {
	if strings.TrimSpace(req.Prompt) == "" {
		return fmt.Errorf("%w: missing prompt", ErrInvalidRequest)
	}
	repo := strings.TrimSpace(req.Repository)
	if repo == "" {
		return fmt.Errorf("%w: missing repository", ErrInvalidRequest)
	}
	if !v.repository.MatchString(repo) {
		return fmt.Errorf("%w: repository %q does not match %s", ErrInvalidRequest, repo, v.repository.String())
	}
	return nil
}

// IdempotencyKey returns the caller-supplied key, or derives one from the
// origin channel, thread and prompt.
func IdempotencyKey(req SubmitRequest) string {
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		return key
	}
	h := sha256.New()
	for _, part := range []string{req.Origin.Channel, req.Origin.Thread, strings.TrimSpace(req.Prompt)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return "derived-" + hex.EncodeToString(h.Sum(nil))[:32]
}
