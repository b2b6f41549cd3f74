package channel

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
)

const defaultMemoryBuffer = 64

// Memory is an in-process Channel. Each subscription owns a bounded buffer;
// when it is full new payloads for that subscriber are dropped.
type Memory struct {
	Logger *log.Logger

	buffer int

	mu     sync.Mutex
	subs   map[string]map[int]*memorySubscription
	nextID int
	closed bool
}

type memorySubscription struct {
	owner *Memory
	name  string
	id    int
	ch    chan []byte
	done  chan struct{}
	once  sync.Once
}

func NewMemory(buffer int) *Memory {
	if buffer <= 0 {
		buffer = defaultMemoryBuffer
	}
	return &Memory{
		buffer: buffer,
		subs:   map[string]map[int]*memorySubscription{},
	}
}

func (m *Memory) Publish(ctx context.Context, name string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("missing channel name")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, sub := range m.subs[name] {
		msg := append([]byte(nil), payload...)
		select {
		case sub.ch <- msg:
		default:
			if m.Logger != nil {
				m.Logger.Warn("dropping message for slow subscriber", "channel", name)
			}
		}
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, name string, handler Handler) (Subscription, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("missing channel name")
	}
	if handler == nil {
		return nil, errors.New("missing handler")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	sub := &memorySubscription{
		owner: m,
		name:  name,
		id:    m.nextID,
		ch:    make(chan []byte, m.buffer),
		done:  make(chan struct{}),
	}
	m.nextID++
	if m.subs[name] == nil {
		m.subs[name] = map[int]*memorySubscription{}
	}
	m.subs[name][sub.id] = sub
	m.mu.Unlock()

	go sub.deliver(handler)
	return sub, nil
}

// Subscribers returns the number of live subscriptions on name.
func (m *Memory) Subscribers(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[name])
}

func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var all []*memorySubscription
	for _, byID := range m.subs {
		for _, sub := range byID {
			all = append(all, sub)
		}
	}
	m.mu.Unlock()

	for _, sub := range all {
		_ = sub.Close()
	}
	return nil
}

func (s *memorySubscription) deliver(handler Handler) {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.ch:
			select {
			case <-s.done:
				return
			default:
			}
			handler(msg)
		}
	}
}

// Close stops delivery. It does not wait for an in-flight handler, so it is
// safe to call from inside the handler.
func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.owner.mu.Lock()
		if byID, ok := s.owner.subs[s.name]; ok {
			delete(byID, s.id)
			if len(byID) == 0 {
				delete(s.owner.subs, s.name)
			}
		}
		s.owner.mu.Unlock()
		close(s.done)
	})
	return nil
}
