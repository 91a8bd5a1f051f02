package domain

import (
	"fmt"
	"time"
)

// TaskNotFoundError is returned when a task ID does not exist or belongs to
// another owner. The two cases are indistinguishable to callers.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// LimitExceededError is returned when a partition has used up its quota for
// the current window of a category.
type LimitExceededError struct {
	Decision RateDecision
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for category %q: limit is %d, resets at %s",
		e.Decision.Category, e.Decision.Limit, e.Decision.ResetAt.UTC().Format(time.RFC3339))
}

// BackendUnavailableError is returned when the quota store or ledger cannot
// be reached after retrying.
type BackendUnavailableError struct {
	Backend string
	Err     error
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Backend, e.Err)
}

func (e *BackendUnavailableError) Unwrap() error { return e.Err }

// ExecutionFailedError records why an executor could not finish a task. It is
// stored on the task, never returned to the submitter.
type ExecutionFailedError struct {
	TaskID string
	Reason string
}

func (e *ExecutionFailedError) Error() string {
	return fmt.Sprintf("task %s execution failed: %s", e.TaskID, e.Reason)
}

// RetryBudgetExceededError is recorded when the reaper gives up on a task.
type RetryBudgetExceededError struct {
	TaskID      string
	MaxAttempts int
}

func (e *RetryBudgetExceededError) Error() string {
	return fmt.Sprintf("task %s exceeded retry budget of %d attempts", e.TaskID, e.MaxAttempts)
}

// TransitionConflictError is returned when a conditional write finds the task
// no longer in the expected status or attempt.
type TransitionConflictError struct {
	TaskID  string
	Want    Status
	Attempt int
}

func (e *TransitionConflictError) Error() string {
	return fmt.Sprintf("task %s is no longer %s at attempt %d", e.TaskID, e.Want, e.Attempt)
}

// InvalidTransitionError is returned for a transition the lifecycle forbids.
type InvalidTransitionError struct {
	From   Status
	To     Status
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid transition %s -> %s: %s", e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// InvalidTaskKindError is returned when no executor is registered for a kind.
type InvalidTaskKindError struct {
	Kind string
}

func (e *InvalidTaskKindError) Error() string {
	return fmt.Sprintf("no executor registered for task kind %q", e.Kind)
}

// UnknownActionError is returned when an action has no category mapping.
type UnknownActionError struct {
	Action string
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("no quota category mapped for action %q", e.Action)
}

// TaskAlreadyProcessedError is returned when a task is re-delivered but already in a terminal state.
type TaskAlreadyProcessedError struct {
	TaskID string
	Status Status
}

func (e *TaskAlreadyProcessedError) Error() string {
	return fmt.Sprintf("task %s already processed with status %s", e.TaskID, e.Status)
}
