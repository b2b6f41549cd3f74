package gateway

import (
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/buildkite/taskroom/internal/task"
	"github.com/charmbracelet/log"
)

type NotificationKind string

const (
	KindAck        NotificationKind = "ack"
	KindProgress   NotificationKind = "progress"
	KindQuestion   NotificationKind = "question"
	KindResult     NotificationKind = "result"
	KindResultFile NotificationKind = "result_file"
	KindFailure    NotificationKind = "failure"
)

type Notification struct {
	TaskID     string           `json:"taskId"`
	Kind       NotificationKind `json:"kind"`
	State      task.State       `json:"state"`
	Text       string           `json:"text"`
	Question   string           `json:"question,omitempty"`
	Options    []string         `json:"options,omitempty"`
	Deadline   time.Time        `json:"deadline,omitempty"`
	Filename   string           `json:"filename,omitempty"`
	Content    string           `json:"content,omitempty"`
	Reason     FailureReason    `json:"reason,omitempty"`
	OccurredAt time.Time        `json:"occurredAt"`
}

func (n Notification) Terminal() bool {
	switch n.Kind {
	case KindResult, KindResultFile, KindFailure:
		return true
	default:
		return false
	}
}

var maxRetainedNotifications = 256

// Hub is a Gateway that keeps a bounded notification history per task and
// fans notifications out to live subscribers. Subscribers that cannot keep
// up are dropped rather than blocking the orchestrator.
type Hub struct {
	Logger *log.Logger

	now func() time.Time

	mu    sync.Mutex
	tasks map[string]*hubTask
}

type hubTask struct {
	history    []Notification
	subs       map[int]chan Notification
	nextSubID  int
	done       chan struct{}
	doneClosed bool
}

func NewHub(logger *log.Logger) *Hub {
	return &Hub{Logger: logger, tasks: map[string]*hubTask{}}
}

func (h *Hub) clock() time.Time {
	if h.now != nil {
		return h.now()
	}
	return time.Now().UTC()
}

func (h *Hub) taskLocked(id string) *hubTask {
	if h.tasks == nil {
		h.tasks = map[string]*hubTask{}
	}
	ht, ok := h.tasks[id]
	if !ok {
		ht = &hubTask{subs: map[int]chan Notification{}, done: make(chan struct{})}
		h.tasks[id] = ht
	}
	return ht
}

func (h *Hub) record(n Notification) {
	n.OccurredAt = h.clock()

	h.mu.Lock()
	defer h.mu.Unlock()
	ht := h.taskLocked(n.TaskID)
	if ht.doneClosed {
		if h.Logger != nil {
			h.Logger.Warn("dropping notification after terminal notice", "task_id", n.TaskID, "kind", n.Kind)
		}
		return
	}
	ht.history = appendBounded(ht.history, n, maxRetainedNotifications)
	for id, ch := range ht.subs {
		select {
		case ch <- n:
		default:
			close(ch)
			delete(ht.subs, id)
		}
	}
	if n.Terminal() {
		ht.doneClosed = true
		close(ht.done)
	}
}

// Subscribe returns the notification history for taskID, a channel of
// subsequent notifications, and a channel closed after the terminal notice.
// The updates channel is closed early if the subscriber falls behind.
// Tasks the hub has never seen, or has forgotten, yield task.ErrNotFound.
func (h *Hub) Subscribe(taskID string) ([]Notification, <-chan Notification, <-chan struct{}, func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ht, ok := h.tasks[taskID]
	if !ok {
		return nil, nil, nil, nil, fmt.Errorf("%w: %s", task.ErrNotFound, taskID)
	}
	history := append([]Notification(nil), ht.history...)
	updates := make(chan Notification, 64)
	done := ht.done

	subID := ht.nextSubID
	ht.nextSubID++
	if ht.doneClosed {
		close(updates)
	} else {
		ht.subs[subID] = updates
	}

	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		current, ok := h.tasks[taskID]
		if !ok || current != ht {
			return
		}
		ch, ok := current.subs[subID]
		if !ok {
			return
		}
		delete(current.subs, subID)
		close(ch)
	}
	return history, updates, done, unsubscribe, nil
}

func (h *Hub) History(taskID string) []Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	ht, ok := h.tasks[taskID]
	if !ok {
		return nil
	}
	return append([]Notification(nil), ht.history...)
}

// Forget drops all state for taskID and disconnects its subscribers.
func (h *Hub) Forget(taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ht, ok := h.tasks[taskID]
	if !ok {
		return
	}
	for id, ch := range ht.subs {
		close(ch)
		delete(ht.subs, id)
	}
	if !ht.doneClosed {
		ht.doneClosed = true
		close(ht.done)
	}
	delete(h.tasks, taskID)
}

func (h *Hub) OnAck(t task.Task, pos int) {
	h.record(Notification{TaskID: t.ID, Kind: KindAck, State: t.State, Text: FormatAck(t, pos)})
}

func (h *Hub) OnProgress(t task.Task, text string) {
	h.record(Notification{TaskID: t.ID, Kind: KindProgress, State: t.State, Text: text})
}

func (h *Hub) OnQuestion(t task.Task, q task.PendingQuestion) {
	h.record(Notification{
		TaskID:   t.ID,
		Kind:     KindQuestion,
		State:    t.State,
		Text:     FormatQuestion(t, q),
		Question: q.Question,
		Options:  append([]string(nil), q.Options...),
		Deadline: q.Deadline,
	})
}

func (h *Hub) OnResult(t task.Task, text string) {
	h.record(Notification{TaskID: t.ID, Kind: KindResult, State: t.State, Text: text})
}

func (h *Hub) OnResultFile(t task.Task, filename, content string) {
	h.record(Notification{
		TaskID:   t.ID,
		Kind:     KindResultFile,
		State:    t.State,
		Text:     FormatResultFile(t, filename, utf8.RuneCountInString(content)),
		Filename: filename,
		Content:  content,
	})
}

func (h *Hub) OnFailure(t task.Task, f Failure) {
	h.record(Notification{TaskID: t.ID, Kind: KindFailure, State: t.State, Text: FormatFailure(t, f), Reason: f.Reason})
}

func appendBounded[T any](items []T, item T, limit int) []T {
	items = append(items, item)
	if limit > 0 && len(items) > limit {
		items = append([]T(nil), items[len(items)-limit:]...)
	}
	return items
}

var (
	_ Gateway   = (*Hub)(nil)
	_ Forgetter = (*Hub)(nil)
)
