package handlers

import (
	"context"
	"sync"
)

// Checkpoints persists the output of finished pipeline steps per task so a
// re-executed task resumes after its last completed step.
// *redis.CheckpointStore satisfies it.
type Checkpoints interface {
	Save(ctx context.Context, taskID, step string, data []byte) error
	Load(ctx context.Context, taskID, step string) ([]byte, bool, error)
	Clear(ctx context.Context, taskID string) error
}

// MemoryCheckpoints is a process-local Checkpoints.
type MemoryCheckpoints struct {
	mu   sync.Mutex
	data map[string]map[string][]byte
}

func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{data: make(map[string]map[string][]byte)}
}

func (m *MemoryCheckpoints) Save(_ context.Context, taskID, step string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	steps, ok := m.data[taskID]
	if !ok {
		steps = make(map[string][]byte)
		m.data[taskID] = steps
	}
	steps[step] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryCheckpoints) Load(_ context.Context, taskID, step string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.data[taskID][step]
	return data, ok, nil
}

func (m *MemoryCheckpoints) Clear(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, taskID)
	return nil
}
