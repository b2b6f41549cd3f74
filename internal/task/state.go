package task

import (
	"fmt"
	"strings"
)

// State is the lifecycle state of a task. The zero value is not a valid state.
type State uint8

const (
	StatePending State = iota + 1
	StateStarting
	StateCloning
	StateRunning
	StateAwaitingAnswer
	StateCompleted
	StateFailed
	StateCancelled
)

var stateNames = map[State]string{
	StatePending:        "pending",
	StateStarting:       "starting",
	StateCloning:        "cloning",
	StateRunning:        "running",
	StateAwaitingAnswer: "awaiting_answer",
	StateCompleted:      "completed",
	StateFailed:         "failed",
	StateCancelled:      "cancelled",
}

// transitions lists the legal edges of the state machine. Terminal states have
// no outgoing edges.
var transitions = map[State][]State{
	StatePending:        {StateStarting, StateFailed, StateCancelled},
	StateStarting:       {StateCloning, StateRunning, StateFailed, StateCancelled},
	StateCloning:        {StateRunning, StateFailed, StateCancelled},
	StateRunning:        {StateAwaitingAnswer, StateCompleted, StateFailed, StateCancelled},
	StateAwaitingAnswer: {StateRunning, StateFailed, StateCancelled},
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

func (s State) Valid() bool {
	_, ok := stateNames[s]
	return ok
}

// Terminal reports whether s is absorbing.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Admitted reports whether a task in state s holds an admission slot.
func (s State) Admitted() bool {
	return s.Valid() && s != StatePending && !s.Terminal()
}

func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Label is the human-facing status text shown by gateways.
func (s State) Label() string {
	switch s {
	case StatePending:
		return "Pending..."
	case StateStarting:
		return "Starting..."
	case StateCloning:
		return "Cloning..."
	case StateRunning:
		return "Running..."
	case StateAwaitingAnswer:
		return "Waiting for answer..."
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	case StateCancelled:
		return "Cancelled"
	default:
		return s.String()
	}
}

func ParseState(raw string) (State, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	for state, name := range stateNames {
		if name == value {
			return state, nil
		}
	}
	return 0, fmt.Errorf("unknown task state %q", raw)
}

func (s State) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid task state %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	parsed, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// TransitionError reports an attempted edge that the state machine forbids.
type TransitionError struct {
	TaskID string
	From   State
	To     State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s: illegal transition %s -> %s", e.TaskID, e.From, e.To)
}
