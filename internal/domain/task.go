package domain

import (
	"encoding/json"
	"time"
)

// Status represents the states a task can be in.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal returns true if no further state transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Task is a unit of trackable asynchronous work.
//
// ID, Owner, Kind and Payload are immutable once the task is created. Result and
// Error are mutually exclusive and only present on a terminal task.
type Task struct {
	ID           string          `json:"id"`
	Owner        string          `json:"owner"`
	Kind         string          `json:"kind"`
	Status       Status          `json:"status"`
	Payload      json.RawMessage `json:"payload"`
	Result       string          `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	AttemptCount int             `json:"attempt_count"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Transition is a conditional status write. It applies only while the stored
// task still has status From and attempt count Attempt.
type Transition struct {
	From    Status
	To      Status
	Attempt int

	// Result is recorded on a move into StatusCompleted.
	Result string
	// Error is recorded on a move into StatusFailed.
	Error string
	// IncrementAttempt bumps attempt_count as part of the same write.
	IncrementAttempt bool
}

// Validate checks the transition against the task lifecycle.
func (t Transition) Validate() error {
	if !CanTransition(t.From, t.To) {
		return &InvalidTransitionError{From: t.From, To: t.To}
	}
	if t.To == StatusPending && !t.IncrementAttempt {
		// Requeues are only legal as reaper resubmissions.
		return &InvalidTransitionError{From: t.From, To: t.To}
	}
	if t.To == StatusCompleted && t.Result == "" {
		return &InvalidTransitionError{From: t.From, To: t.To, Reason: "completed task needs a result"}
	}
	if t.To == StatusFailed && t.Error == "" {
		return &InvalidTransitionError{From: t.From, To: t.To, Reason: "failed task needs an error"}
	}
	return nil
}

// Apply returns a copy of task with the transition applied at now. It does not
// check the precondition; ledgers do that atomically.
func (t Transition) Apply(task Task, now time.Time) Task {
	task.Status = t.To
	task.UpdatedAt = now
	if t.IncrementAttempt {
		task.AttemptCount++
	}
	switch t.To {
	case StatusCompleted:
		task.Result = t.Result
	case StatusFailed:
		task.Error = t.Error
	}
	return task
}

// CanTransition reports whether a stored task may move from one status to another.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusPending || to == StatusFailed
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed || to == StatusPending
	}
	return false
}
