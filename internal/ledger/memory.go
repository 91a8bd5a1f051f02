package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ramiqadoumi/genflow/internal/domain"
)

// Memory is a process-local Ledger. Tasks are lost on restart.
type Memory struct {
	mu    sync.RWMutex
	tasks map[string]domain.Task
	now   func() time.Time
}

// NewMemory returns an empty ledger. A nil clock uses time.Now.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{tasks: make(map[string]domain.Task), now: now}
}

func (m *Memory) Create(_ context.Context, task *domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[task.ID]; exists {
		return fmt.Errorf("create task %s: already exists", task.ID)
	}
	m.tasks[task.ID] = *task
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	return &task, nil
}

func (m *Memory) Transition(_ context.Context, id string, tr domain.Transition) (*domain.Task, error) {
	if err := tr.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	if task.Status != tr.From || task.AttemptCount != tr.Attempt {
		return nil, &domain.TransitionConflictError{TaskID: id, Want: tr.From, Attempt: tr.Attempt}
	}
	task = tr.Apply(task, m.now().UTC())
	m.tasks[id] = task
	return &task, nil
}

func (m *Memory) ListByOwner(_ context.Context, owner string, limit, offset int) ([]*domain.Task, error) {
	m.mu.RLock()
	var owned []domain.Task
	for _, t := range m.tasks {
		if t.Owner == owner {
			owned = append(owned, t)
		}
	}
	m.mu.RUnlock()

	sort.Slice(owned, func(i, j int) bool {
		if owned[i].CreatedAt.Equal(owned[j].CreatedAt) {
			return owned[i].ID > owned[j].ID
		}
		return owned[i].CreatedAt.After(owned[j].CreatedAt)
	})
	return page(owned, limit, offset), nil
}

func (m *Memory) ListStale(_ context.Context, before time.Time, limit int) ([]*domain.Task, error) {
	m.mu.RLock()
	var stale []domain.Task
	for _, t := range m.tasks {
		if !t.Status.IsTerminal() && t.UpdatedAt.Before(before) {
			stale = append(stale, t)
		}
	}
	m.mu.RUnlock()

	sort.Slice(stale, func(i, j int) bool { return stale[i].UpdatedAt.Before(stale[j].UpdatedAt) })
	return page(stale, limit, 0), nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func page(tasks []domain.Task, limit, offset int) []*domain.Task {
	if offset >= len(tasks) {
		return nil
	}
	tasks = tasks[offset:]
	if limit > 0 && limit < len(tasks) {
		tasks = tasks[:limit]
	}
	out := make([]*domain.Task, len(tasks))
	for i := range tasks {
		out[i] = &tasks[i]
	}
	return out
}
