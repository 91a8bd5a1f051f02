package orchestrator

import (
	"sort"
	"sync"

	"github.com/ramiqadoumi/genflow/internal/domain"
)

// Registry maps task kinds to their executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates a Registry holding execs.
func NewRegistry(execs ...Executor) *Registry {
	r := &Registry{executors: make(map[string]Executor)}
	for _, e := range execs {
		r.Register(e)
	}
	return r
}

// Register adds an executor, replacing any earlier one of the same kind.
// Safe to call concurrently.
func (r *Registry) Register(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[e.Kind()] = e
}

// Get returns the executor for kind.
// Returns InvalidTaskKindError if not registered.
func (r *Registry) Get(kind string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[kind]
	if !ok {
		return nil, &domain.InvalidTaskKindError{Kind: kind}
	}
	return e, nil
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.executors))
	for k := range r.executors {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
