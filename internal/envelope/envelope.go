// Package envelope defines the messages exchanged between the orchestrator and
// sandboxes over the message channel.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	KindProgress Kind = "progress"
	KindQuestion Kind = "question"
	KindAnswer   Kind = "answer"
	KindResult   Kind = "result"
	KindError    Kind = "error"
)

// Payload keys.
const (
	KeyMessage  = "message"
	KeyStage    = "stage"
	KeyQuestion = "question"
	KeyOptions  = "options"
	KeyAnswer   = "answer"
	KeyResult   = "result"
	KeyFilename = "filename"
	KeyError    = "error"
)

// Progress stages a sandbox may report.
const (
	StageCloning = "cloning"
	StageRunning = "running"
)

// requiredKey is the payload key each kind must carry.
var requiredKey = map[Kind]string{
	KindProgress: KeyMessage,
	KindQuestion: KeyQuestion,
	KindAnswer:   KeyAnswer,
	KindResult:   KeyResult,
	KindError:    KeyError,
}

func (k Kind) Valid() bool {
	_, ok := requiredKey[k]
	return ok
}

type Envelope struct {
	TaskID  string            `json:"taskId"`
	Kind    Kind              `json:"kind"`
	Payload map[string]string `json:"payload"`
}

func (e Envelope) Get(key string) string {
	if e.Payload == nil {
		return ""
	}
	return e.Payload[key]
}

// Validate checks the task id, kind and required payload key. A result may
// carry an empty string; every other required value must be non-blank.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.TaskID) == "" {
		return errors.New("missing taskId")
	}
	key, ok := requiredKey[e.Kind]
	if !ok {
		return fmt.Errorf("unknown envelope kind %q", e.Kind)
	}
	value, present := e.Payload[key]
	if !present {
		return fmt.Errorf("%s envelope missing payload key %q", e.Kind, key)
	}
	if e.Kind != KindResult && strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s envelope has empty %q", e.Kind, key)
	}
	return nil
}

func Encode(e Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

func Decode(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	e.TaskID = strings.TrimSpace(e.TaskID)
	e.Kind = Kind(strings.ToLower(strings.TrimSpace(string(e.Kind))))
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

func Progress(taskID, message, stage string) Envelope {
	payload := map[string]string{KeyMessage: message}
	if stage != "" {
		payload[KeyStage] = stage
	}
	return Envelope{TaskID: taskID, Kind: KindProgress, Payload: payload}
}

func Question(taskID, question string, options []string) Envelope {
	payload := map[string]string{KeyQuestion: question}
	if opts := cleanOptions(options); len(opts) > 0 {
		payload[KeyOptions] = strings.Join(opts, "\n")
	}
	return Envelope{TaskID: taskID, Kind: KindQuestion, Payload: payload}
}

func Answer(taskID, answer string) Envelope {
	return Envelope{TaskID: taskID, Kind: KindAnswer, Payload: map[string]string{KeyAnswer: answer}}
}

func Result(taskID, result, filename string) Envelope {
	payload := map[string]string{KeyResult: result}
	if filename != "" {
		payload[KeyFilename] = filename
	}
	return Envelope{TaskID: taskID, Kind: KindResult, Payload: payload}
}

func Error(taskID, message string) Envelope {
	return Envelope{TaskID: taskID, Kind: KindError, Payload: map[string]string{KeyError: message}}
}

// Options splits the newline separated options of a question envelope.
func (e Envelope) Options() []string {
	raw := e.Get(KeyOptions)
	if raw == "" {
		return nil
	}
	return cleanOptions(strings.Split(raw, "\n"))
}

func cleanOptions(options []string) []string {
	out := make([]string, 0, len(options))
	for _, opt := range options {
		opt = strings.TrimSpace(opt)
		if opt != "" {
			out = append(out, opt)
		}
	}
	return out
}
