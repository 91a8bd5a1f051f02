package orchestrator

import (
	"encoding/json"
	"time"

	"github.com/ramiqadoumi/genflow/internal/domain"
)

// Run is what an executor sees of the task it is working on: an immutable
// snapshot plus the time budget of this execution.
type Run struct {
	Task domain.Task

	start    time.Time
	deadline time.Time
	now      func() time.Time
}

// NewRun starts the budget for one execution of task at now().
func NewRun(task domain.Task, now func() time.Time, softDeadline time.Duration) *Run {
	if now == nil {
		now = time.Now
	}
	start := now()
	return &Run{Task: task, start: start, deadline: start.Add(softDeadline), now: now}
}

// TaskID is the id of the task being executed. Executors key checkpoints on it.
func (r *Run) TaskID() string { return r.Task.ID }

// Attempt is the task's attempt count when this execution started.
func (r *Run) Attempt() int { return r.Task.AttemptCount }

// DecodePayload unmarshals the task payload into v.
func (r *Run) DecodePayload(v any) error {
	return json.Unmarshal(r.Task.Payload, v)
}

// Deadline is the soft deadline of this execution.
func (r *Run) Deadline() time.Time { return r.deadline }

// Elapsed is the time since the execution started.
func (r *Run) Elapsed() time.Duration { return r.now().Sub(r.start) }

// Remaining is the time left before the soft deadline, never negative.
func (r *Run) Remaining() time.Duration {
	left := r.deadline.Sub(r.now())
	if left < 0 {
		return 0
	}
	return left
}

// DeadlineNear reports whether less than margin is left before the soft
// deadline. Executors check it between steps and return ErrYield when true.
func (r *Run) DeadlineNear(margin time.Duration) bool {
	return r.Remaining() <= margin
}
