// Package ledgertest holds the behaviour every ledger.Ledger must share.
package ledgertest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/genflow/internal/domain"
	"github.com/ramiqadoumi/genflow/internal/ledger"
)

// NewTask builds a pending task whose timestamps lie age in the past.
func NewTask(owner string, age time.Duration) *domain.Task {
	ts := time.Now().UTC().Add(-age).Truncate(time.Millisecond)
	return &domain.Task{
		ID:        uuid.New().String(),
		Owner:     owner,
		Kind:      "generation",
		Status:    domain.StatusPending,
		Payload:   json.RawMessage(`{"prompt":"a red fox"}`),
		CreatedAt: ts,
		UpdatedAt: ts,
	}
}

// Run exercises l. Each subtest uses fresh owners so a shared backing store
// is fine.
func Run(t *testing.T, l ledger.Ledger) {
	t.Helper()
	ctx := context.Background()

	t.Run("CreateAndGet", func(t *testing.T) {
		task := NewTask("owner-"+uuid.NewString(), 0)
		require.NoError(t, l.Create(ctx, task))

		got, err := l.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, task.ID, got.ID)
		assert.Equal(t, task.Owner, got.Owner)
		assert.Equal(t, task.Kind, got.Kind)
		assert.Equal(t, domain.StatusPending, got.Status)
		assert.JSONEq(t, string(task.Payload), string(got.Payload))
		assert.Zero(t, got.AttemptCount)
		assert.WithinDuration(t, task.CreatedAt, got.CreatedAt, time.Millisecond)
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := l.Get(ctx, uuid.NewString())
		var nf *domain.TaskNotFoundError
		require.True(t, errors.As(err, &nf), "want TaskNotFoundError, got %v", err)
	})

	t.Run("TransitionLifecycle", func(t *testing.T) {
		task := NewTask("owner-"+uuid.NewString(), time.Minute)
		require.NoError(t, l.Create(ctx, task))

		running, err := l.Transition(ctx, task.ID, domain.Transition{
			From: domain.StatusPending, To: domain.StatusProcessing,
		})
		require.NoError(t, err)
		assert.Equal(t, domain.StatusProcessing, running.Status)
		assert.True(t, running.UpdatedAt.After(task.UpdatedAt), "updated_at must advance")

		done, err := l.Transition(ctx, task.ID, domain.Transition{
			From: domain.StatusProcessing, To: domain.StatusCompleted, Result: "blob://out",
		})
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, done.Status)
		assert.Equal(t, "blob://out", done.Result)
		assert.Empty(t, done.Error)

		got, err := l.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, got.Status)
		assert.Equal(t, "blob://out", got.Result)
	})

	t.Run("TransitionConflictOnStatus", func(t *testing.T) {
		task := NewTask("owner-"+uuid.NewString(), 0)
		require.NoError(t, l.Create(ctx, task))

		_, err := l.Transition(ctx, task.ID, domain.Transition{
			From: domain.StatusProcessing, To: domain.StatusCompleted, Result: "x",
		})
		var conflict *domain.TransitionConflictError
		require.True(t, errors.As(err, &conflict), "want TransitionConflictError, got %v", err)

		got, _ := l.Get(ctx, task.ID)
		assert.Equal(t, domain.StatusPending, got.Status)
	})

	t.Run("TransitionConflictOnAttempt", func(t *testing.T) {
		task := NewTask("owner-"+uuid.NewString(), 0)
		require.NoError(t, l.Create(ctx, task))
		_, err := l.Transition(ctx, task.ID, domain.Transition{From: domain.StatusPending, To: domain.StatusProcessing})
		require.NoError(t, err)

		requeued, err := l.Transition(ctx, task.ID, domain.Transition{
			From: domain.StatusProcessing, To: domain.StatusPending, IncrementAttempt: true,
		})
		require.NoError(t, err)
		assert.Equal(t, 1, requeued.AttemptCount)

		// The new attempt starts running.
		_, err = l.Transition(ctx, task.ID, domain.Transition{
			From: domain.StatusPending, To: domain.StatusProcessing, Attempt: 1,
		})
		require.NoError(t, err)

		// The old attempt finishing late must be fenced off.
		_, err = l.Transition(ctx, task.ID, domain.Transition{
			From: domain.StatusProcessing, To: domain.StatusCompleted, Attempt: 0, Result: "stale",
		})
		var conflict *domain.TransitionConflictError
		require.True(t, errors.As(err, &conflict), "want TransitionConflictError, got %v", err)
	})

	t.Run("TransitionMissing", func(t *testing.T) {
		_, err := l.Transition(ctx, uuid.NewString(), domain.Transition{
			From: domain.StatusPending, To: domain.StatusProcessing,
		})
		var nf *domain.TaskNotFoundError
		require.True(t, errors.As(err, &nf), "want TaskNotFoundError, got %v", err)
	})

	t.Run("TransitionRejectsIllegalMove", func(t *testing.T) {
		task := NewTask("owner-"+uuid.NewString(), 0)
		require.NoError(t, l.Create(ctx, task))
		_, err := l.Transition(ctx, task.ID, domain.Transition{
			From: domain.StatusPending, To: domain.StatusCompleted, Result: "x",
		})
		var invalid *domain.InvalidTransitionError
		require.True(t, errors.As(err, &invalid), "want InvalidTransitionError, got %v", err)
	})

	t.Run("ConcurrentCompletionWinsOnce", func(t *testing.T) {
		task := NewTask("owner-"+uuid.NewString(), 0)
		require.NoError(t, l.Create(ctx, task))
		_, err := l.Transition(ctx, task.ID, domain.Transition{From: domain.StatusPending, To: domain.StatusProcessing})
		require.NoError(t, err)

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := l.Transition(ctx, task.ID, domain.Transition{
					From: domain.StatusProcessing, To: domain.StatusCompleted, Result: "r",
				})
				if err == nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.EqualValues(t, 1, wins.Load(), "exactly one completion write may succeed")
	})

	t.Run("ListByOwnerNewestFirst", func(t *testing.T) {
		owner := "owner-" + uuid.NewString()
		oldest := NewTask(owner, 3*time.Minute)
		middle := NewTask(owner, 2*time.Minute)
		newest := NewTask(owner, time.Minute)
		for _, task := range []*domain.Task{middle, oldest, newest} {
			require.NoError(t, l.Create(ctx, task))
		}
		require.NoError(t, l.Create(ctx, NewTask("someone-else-"+uuid.NewString(), 0)))

		got, err := l.ListByOwner(ctx, owner, 10, 0)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, []string{newest.ID, middle.ID, oldest.ID}, ids(got))

		paged, err := l.ListByOwner(ctx, owner, 1, 1)
		require.NoError(t, err)
		require.Len(t, paged, 1)
		assert.Equal(t, middle.ID, paged[0].ID)

		none, err := l.ListByOwner(ctx, owner, 10, 5)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("ListStale", func(t *testing.T) {
		owner := "owner-" + uuid.NewString()
		stale := NewTask(owner, time.Hour)
		fresh := NewTask(owner, 0)
		finished := NewTask(owner, time.Hour)
		for _, task := range []*domain.Task{stale, fresh, finished} {
			require.NoError(t, l.Create(ctx, task))
		}
		_, err := l.Transition(ctx, finished.ID, domain.Transition{
			From: domain.StatusPending, To: domain.StatusFailed, Error: "gave up",
		})
		require.NoError(t, err)

		got, err := l.ListStale(ctx, time.Now().Add(-30*time.Minute), 1000)
		require.NoError(t, err)
		found := ids(got)
		assert.Contains(t, found, stale.ID)
		assert.NotContains(t, found, fresh.ID)
		assert.NotContains(t, found, finished.ID, "terminal tasks are never stale")
	})

	t.Run("Ping", func(t *testing.T) {
		require.NoError(t, l.Ping(ctx))
	})
}

func ids(tasks []*domain.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}
