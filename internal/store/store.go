// Package store holds task snapshots for the lifetime of a task plus its
// retention window. Nothing here is meant to survive long term.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/buildkite/taskroom/internal/task"
)

type Store interface {
	Put(ctx context.Context, t task.Task) error
	// Get returns task.ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (task.Task, error)
	// List returns tasks ordered by creation time.
	List(ctx context.Context) ([]task.Task, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

type Memory struct {
	mu    sync.RWMutex
	tasks map[string]task.Task
}

func NewMemory() *Memory {
	return &Memory{tasks: map[string]task.Task{}}
}

func (m *Memory) Put(_ context.Context, t task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t.Clone()
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return task.Task{}, task.ErrNotFound
	}
	return t.Clone(), nil
}

func (m *Memory) List(_ context.Context) ([]task.Task, error) {
	m.mu.RLock()
	out := make([]task.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.Clone())
	}
	m.mu.RUnlock()
	sortTasks(out)
	return out, nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, id)
	return nil
}

func (m *Memory) Close() error {
	return nil
}

func sortTasks(tasks []task.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*SQLite)(nil)
)
