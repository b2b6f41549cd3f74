// Package admission bounds the number of concurrently active tasks and holds
// the rest in a FIFO wait queue.
package admission

import (
	"fmt"
	"sync"

	"github.com/buildkite/taskroom/internal/task"
)

type Decision int

const (
	Dispatch Decision = iota + 1
	Queued
)

func (d Decision) String() string {
	switch d {
	case Dispatch:
		return "dispatch"
	case Queued:
		return "queued"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

type Stats struct {
	Active int
	Queued int
	Limit  int
}

// Controller is the only cross-task mutable state in the orchestrator. Every
// method holds the lock for a bounded amount of work.
type Controller struct {
	limit    int
	maxQueue int

	mu     sync.Mutex
	active map[string]struct{}
	queue  []string
}

// New returns a controller admitting up to limit tasks at once. maxQueue of 0
// leaves the queue unbounded.
func New(limit, maxQueue int) *Controller {
	if limit < 1 {
		limit = 1
	}
	if maxQueue < 0 {
		maxQueue = 0
	}
	return &Controller{
		limit:    limit,
		maxQueue: maxQueue,
		active:   map[string]struct{}{},
	}
}

// Admit either takes a slot for id or appends it to the queue. The returned
// position is 1-based and only meaningful when queued.
func (c *Controller) Admit(id string) (Decision, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.active[id]; ok {
		return Dispatch, 0, nil
	}
	if pos := c.positionLocked(id); pos > 0 {
		return Queued, pos, nil
	}
	if len(c.active) < c.limit && len(c.queue) == 0 {
		c.active[id] = struct{}{}
		return Dispatch, 0, nil
	}
	if c.maxQueue > 0 && len(c.queue) >= c.maxQueue {
		return 0, 0, fmt.Errorf("%w: %d tasks waiting", task.ErrQueueFull, len(c.queue))
	}
	c.queue = append(c.queue, id)
	return Queued, len(c.queue), nil
}

// Release frees id's slot or removes it from the queue. When a slot frees up,
// the next queued ids are promoted and returned in FIFO order. Releasing an
// unknown id is a no-op.
func (c *Controller) Release(id string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.active[id]; ok {
		delete(c.active, id)
		return c.promoteLocked()
	}
	for i, queued := range c.queue {
		if queued == id {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			break
		}
	}
	return nil
}

func (c *Controller) promoteLocked() []string {
	var promoted []string
	for len(c.active) < c.limit && len(c.queue) > 0 {
		next := c.queue[0]
		c.queue = c.queue[1:]
		c.active[next] = struct{}{}
		promoted = append(promoted, next)
	}
	return promoted
}

// Position returns id's 1-based queue position, or 0 when not queued.
func (c *Controller) Position(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.positionLocked(id)
}

func (c *Controller) positionLocked(id string) int {
	for i, queued := range c.queue {
		if queued == id {
			return i + 1
		}
	}
	return 0
}

func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Active: len(c.active), Queued: len(c.queue), Limit: c.limit}
}
