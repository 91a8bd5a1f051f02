package orchestrator

import (
	"context"
	"errors"
)

// ErrYield is returned by an executor that stopped early because its soft
// deadline is near. The task stays processing and the reaper resumes it.
var ErrYield = errors.New("executor yielded before finishing")

// Executor runs the work behind one task kind.
//
// Execute returns an opaque result handle on success. It may be called more
// than once for the same task id and must be idempotent for that id.
type Executor interface {
	Execute(ctx context.Context, run *Run) (string, error)
	Kind() string
}

// Func adapts a plain function to the Executor interface.
type Func struct {
	TaskKind string
	Fn       func(ctx context.Context, run *Run) (string, error)
}

func (f Func) Kind() string { return f.TaskKind }

func (f Func) Execute(ctx context.Context, run *Run) (string, error) {
	return f.Fn(ctx, run)
}
