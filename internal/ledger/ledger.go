// Package ledger defines durable storage for task records.
package ledger

import (
	"context"
	"time"

	"github.com/ramiqadoumi/genflow/internal/domain"
)

// Ledger is the single source of truth for task state.
//
// Transition is a compare-and-set: it applies tr only while the stored task
// still has status tr.From and attempt_count tr.Attempt, and returns the
// updated task. A mismatch returns *domain.TransitionConflictError, an absent
// task *domain.TaskNotFoundError. Implementations must make the check and the
// write a single atomic step.
type Ledger interface {
	Create(ctx context.Context, task *domain.Task) error
	Get(ctx context.Context, id string) (*domain.Task, error)
	Transition(ctx context.Context, id string, tr domain.Transition) (*domain.Task, error)
	// ListByOwner returns owner's tasks, newest first.
	ListByOwner(ctx context.Context, owner string, limit, offset int) ([]*domain.Task, error)
	// ListStale returns non-terminal tasks whose updated_at is before the
	// cutoff, oldest first.
	ListStale(ctx context.Context, before time.Time, limit int) ([]*domain.Task, error)
	Ping(ctx context.Context) error
}
