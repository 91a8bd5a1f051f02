package domain_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ramiqadoumi/genflow/internal/domain"
)

func TestTaskNotFoundError(t *testing.T) {
	err := &domain.TaskNotFoundError{TaskID: "abc-123"}
	if !strings.Contains(err.Error(), "abc-123") {
		t.Errorf("error message should contain task ID, got: %q", err.Error())
	}
}

func TestLimitExceededError(t *testing.T) {
	reset := time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC)
	err := &domain.LimitExceededError{Decision: domain.RateDecision{
		Category: domain.CategoryGeneration, Limit: 5, ResetAt: reset,
	}}
	msg := err.Error()
	if !strings.Contains(msg, "generation") {
		t.Errorf("error message should contain category, got: %q", msg)
	}
	if !strings.Contains(msg, "2026-03-01T12:01:00Z") {
		t.Errorf("error message should contain reset time, got: %q", msg)
	}
}

func TestBackendUnavailableError_Unwraps(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := &domain.BackendUnavailableError{Backend: "quota store", Err: cause}
	if !errors.Is(err, cause) {
		t.Error("BackendUnavailableError should unwrap to its cause")
	}
	if !strings.Contains(err.Error(), "quota store") {
		t.Errorf("error message should name the backend, got: %q", err.Error())
	}
}

func TestRetryBudgetExceededError(t *testing.T) {
	err := &domain.RetryBudgetExceededError{TaskID: "t-9", MaxAttempts: 3}
	msg := err.Error()
	if !strings.Contains(msg, "retry budget") || !strings.Contains(msg, "3") {
		t.Errorf("error message should mention retry budget and limit, got: %q", msg)
	}
}

func TestTaskAlreadyProcessedError(t *testing.T) {
	err := &domain.TaskAlreadyProcessedError{TaskID: "xyz-789", Status: domain.StatusCompleted}
	msg := err.Error()
	if !strings.Contains(msg, "xyz-789") || !strings.Contains(msg, "completed") {
		t.Errorf("error message should contain task ID and status, got: %q", msg)
	}
}

func TestAllErrorTypesImplementError(t *testing.T) {
	var _ error = &domain.TaskNotFoundError{}
	var _ error = &domain.LimitExceededError{}
	var _ error = &domain.BackendUnavailableError{}
	var _ error = &domain.ExecutionFailedError{}
	var _ error = &domain.RetryBudgetExceededError{}
	var _ error = &domain.TransitionConflictError{}
	var _ error = &domain.InvalidTransitionError{}
	var _ error = &domain.InvalidTaskKindError{}
	var _ error = &domain.UnknownActionError{}
	var _ error = &domain.TaskAlreadyProcessedError{}
}
