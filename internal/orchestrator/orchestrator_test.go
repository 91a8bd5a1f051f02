package orchestrator_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/genflow/internal/domain"
	"github.com/ramiqadoumi/genflow/internal/ledger"
	"github.com/ramiqadoumi/genflow/internal/orchestrator"
)

var payload = json.RawMessage(`{"prompt":"a lighthouse at dusk"}`)

func newOrchestrator(t *testing.T, l ledger.Ledger, execs ...orchestrator.Executor) (*orchestrator.Orchestrator, *recordingDispatcher) {
	t.Helper()
	d := &recordingDispatcher{}
	o := orchestrator.New(l, orchestrator.NewRegistry(execs...),
		orchestrator.WithDispatcher(d),
		orchestrator.WithLogger(discardLogger),
		orchestrator.WithSoftDeadline(time.Second),
	)
	return o, d
}

func TestSubmit_ReturnsBeforeExecutorFinishes(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	slow := orchestrator.Func{TaskKind: "generation", Fn: func(ctx context.Context, run *orchestrator.Run) (string, error) {
		close(started)
		<-release
		return "blob://" + run.TaskID(), nil
	}}

	l := ledger.NewMemory(nil)
	o := orchestrator.New(l, orchestrator.NewRegistry(slow), orchestrator.WithLogger(discardLogger))
	pool := orchestrator.NewPool(o.Execute, 2, 10, discardLogger)
	o.SetDispatcher(pool)
	t.Cleanup(func() {
		_ = pool.Stop(context.Background())
	})

	task, err := o.Submit(context.Background(), "user-1", "generation", payload)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, task.Status)
	assert.NotEmpty(t, task.ID)

	<-started
	got, err := o.GetStatus(context.Background(), task.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, got.Status)
	assert.Empty(t, got.Result)

	close(release)
	require.Eventually(t, func() bool {
		got, err := o.GetStatus(context.Background(), task.ID, "user-1")
		return err == nil && got.Status == domain.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	got, err = o.GetStatus(context.Background(), task.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "blob://"+task.ID, got.Result)
}

func TestSubmit_UnknownKind(t *testing.T) {
	o, d := newOrchestrator(t, ledger.NewMemory(nil), staticExecutor("generation", "x", nil))

	_, err := o.Submit(context.Background(), "user-1", "teleport", payload)
	var invalid *domain.InvalidTaskKindError
	require.True(t, errors.As(err, &invalid), "want InvalidTaskKindError, got %v", err)
	assert.Equal(t, "teleport", invalid.Kind)
	assert.Empty(t, d.IDs())
}

func TestSubmit_RejectsMissingOwnerAndBadPayload(t *testing.T) {
	o, _ := newOrchestrator(t, ledger.NewMemory(nil), staticExecutor("generation", "x", nil))

	_, err := o.Submit(context.Background(), "", "generation", payload)
	require.Error(t, err)

	_, err = o.Submit(context.Background(), "user-1", "generation", json.RawMessage(`{"prompt":`))
	require.Error(t, err)
}

func TestSubmit_EmptyPayloadBecomesObject(t *testing.T) {
	l := ledger.NewMemory(nil)
	o, _ := newOrchestrator(t, l, staticExecutor("generation", "x", nil))

	task, err := o.Submit(context.Background(), "user-1", "generation", nil)
	require.NoError(t, err)
	stored, err := l.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(stored.Payload))
}

func TestSubmit_DispatchFailureLeavesTaskPending(t *testing.T) {
	l := ledger.NewMemory(nil)
	o, d := newOrchestrator(t, l, staticExecutor("generation", "x", nil))
	d.err = orchestrator.ErrQueueFull

	task, err := o.Submit(context.Background(), "user-1", "generation", payload)
	require.NoError(t, err, "a dispatch failure must not fail the submission")

	stored, err := l.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, stored.Status)
}

func TestSubmit_LedgerDown(t *testing.T) {
	o, d := newOrchestrator(t, downLedger{}, staticExecutor("generation", "x", nil))

	_, err := o.Submit(context.Background(), "user-1", "generation", payload)
	var unavailable *domain.BackendUnavailableError
	require.True(t, errors.As(err, &unavailable), "want BackendUnavailableError, got %v", err)
	assert.Equal(t, "task ledger", unavailable.Backend)
	assert.ErrorIs(t, err, errLedgerDown)
	assert.Empty(t, d.IDs())
}

func TestSubmit_MissingDispatcherStillRecords(t *testing.T) {
	l := ledger.NewMemory(nil)
	o := orchestrator.New(l, orchestrator.NewRegistry(staticExecutor("generation", "x", nil)),
		orchestrator.WithLogger(discardLogger))

	task, err := o.Submit(context.Background(), "user-1", "generation", payload)
	require.NoError(t, err)
	require.Error(t, o.Resume(context.Background(), task))
}

func TestGetStatus_OwnerIsolation(t *testing.T) {
	o, _ := newOrchestrator(t, ledger.NewMemory(nil), staticExecutor("generation", "x", nil))
	task, err := o.Submit(context.Background(), "user-1", "generation", payload)
	require.NoError(t, err)

	_, err = o.GetStatus(context.Background(), task.ID, "user-2")
	var nf *domain.TaskNotFoundError
	require.True(t, errors.As(err, &nf), "foreign task must look absent, got %v", err)

	_, err = o.GetStatus(context.Background(), "no-such-task", "user-1")
	require.True(t, errors.As(err, &nf))
}

func TestGetStatus_LedgerDown(t *testing.T) {
	o, _ := newOrchestrator(t, downLedger{})
	_, err := o.GetStatus(context.Background(), "t1", "user-1")
	var unavailable *domain.BackendUnavailableError
	require.True(t, errors.As(err, &unavailable))
}

func TestListLimit(t *testing.T) {
	assert.Equal(t, 20, orchestrator.ListLimit(0))
	assert.Equal(t, 20, orchestrator.ListLimit(-5))
	assert.Equal(t, 1, orchestrator.ListLimit(1))
	assert.Equal(t, 100, orchestrator.ListLimit(100))
	assert.Equal(t, 100, orchestrator.ListLimit(101))
}

func TestListByOwner_NewestFirstAndClamped(t *testing.T) {
	clk := newClock()
	l := ledger.NewMemory(clk.Now)
	d := &recordingDispatcher{}
	o := orchestrator.New(l, orchestrator.NewRegistry(staticExecutor("generation", "x", nil)),
		orchestrator.WithDispatcher(d),
		orchestrator.WithClock(clk.Now),
		orchestrator.WithLogger(discardLogger),
	)

	var ids []string
	for i := 0; i < 25; i++ {
		task, err := o.Submit(context.Background(), "user-1", "generation", payload)
		require.NoError(t, err)
		ids = append(ids, task.ID)
		clk.Advance(time.Second)
	}
	_, err := o.Submit(context.Background(), "user-2", "generation", payload)
	require.NoError(t, err)

	page, err := o.ListByOwner(context.Background(), "user-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, page, 20, "limit 0 uses the default page size")
	assert.Equal(t, ids[24], page[0].ID, "newest first")

	all, err := o.ListByOwner(context.Background(), "user-1", 500, -3)
	require.NoError(t, err)
	assert.Len(t, all, 25)
	for _, task := range all {
		assert.Equal(t, "user-1", task.Owner)
	}

	rest, err := o.ListByOwner(context.Background(), "user-1", 10, 20)
	require.NoError(t, err)
	require.Len(t, rest, 5)
	assert.Equal(t, ids[4], rest[0].ID)
}

func TestExecute_Completes(t *testing.T) {
	l := ledger.NewMemory(nil)
	calls := 0
	exec := orchestrator.Func{TaskKind: "generation", Fn: func(_ context.Context, run *orchestrator.Run) (string, error) {
		calls++
		var p struct {
			Prompt string `json:"prompt"`
		}
		if err := run.DecodePayload(&p); err != nil {
			return "", err
		}
		return "blob://" + p.Prompt, nil
	}}
	o, d := newOrchestrator(t, l, exec)

	task, err := o.Submit(context.Background(), "user-1", "generation", payload)
	require.NoError(t, err)
	require.Equal(t, []string{task.ID}, d.IDs())

	require.NoError(t, o.Execute(context.Background(), task.ID))
	got, err := l.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, "blob://a lighthouse at dusk", got.Result)
	assert.Empty(t, got.Error)

	// A duplicate delivery finds the task terminal and does not run it again.
	require.NoError(t, o.Execute(context.Background(), task.ID))
	assert.Equal(t, 1, calls)
	assert.Zero(t, o.InFlight())
}

func TestExecute_FailureOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		exec    orchestrator.Executor
		wantErr string
	}{
		{
			name:    "executor error",
			exec:    staticExecutor("generation", "", errors.New("backend rejected prompt")),
			wantErr: "backend rejected prompt",
		},
		{
			name:    "empty error message",
			exec:    staticExecutor("generation", "", errors.New("")),
			wantErr: "executor failed without an error message",
		},
		{
			name:    "empty result",
			exec:    staticExecutor("generation", "", nil),
			wantErr: "executor returned an empty result",
		},
		{
			name: "panic",
			exec: orchestrator.Func{TaskKind: "generation", Fn: func(context.Context, *orchestrator.Run) (string, error) {
				panic("nil map write")
			}},
			wantErr: "executor panicked: nil map write",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := ledger.NewMemory(nil)
			o, _ := newOrchestrator(t, l, tt.exec)
			task, err := o.Submit(context.Background(), "user-1", "generation", payload)
			require.NoError(t, err)

			require.NoError(t, o.Execute(context.Background(), task.ID))
			got, err := l.Get(context.Background(), task.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.StatusFailed, got.Status)
			assert.Equal(t, tt.wantErr, got.Error)
			assert.Empty(t, got.Result)
		})
	}
}

func TestExecute_YieldLeavesProcessing(t *testing.T) {
	l := ledger.NewMemory(nil)
	exec := orchestrator.Func{TaskKind: "generation", Fn: func(_ context.Context, run *orchestrator.Run) (string, error) {
		if run.DeadlineNear(2 * time.Second) {
			return "", fmt.Errorf("step 2 of 3: %w", orchestrator.ErrYield)
		}
		return "blob://done", nil
	}}
	o, _ := newOrchestrator(t, l, exec) // soft deadline 1s, so the margin is always hit

	task, err := o.Submit(context.Background(), "user-1", "generation", payload)
	require.NoError(t, err)
	require.NoError(t, o.Execute(context.Background(), task.ID))

	got, err := l.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, got.Status)
	assert.Empty(t, got.Result)
	assert.Empty(t, got.Error)
}

func TestExecute_HardTimeoutLeavesProcessing(t *testing.T) {
	l := ledger.NewMemory(nil)
	exec := orchestrator.Func{TaskKind: "generation", Fn: func(ctx context.Context, _ *orchestrator.Run) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	o := orchestrator.New(l, orchestrator.NewRegistry(exec),
		orchestrator.WithDispatcher(&recordingDispatcher{}),
		orchestrator.WithLogger(discardLogger),
		orchestrator.WithSoftDeadline(10*time.Millisecond),
		orchestrator.WithHardTimeout(20*time.Millisecond),
	)

	task, err := o.Submit(context.Background(), "user-1", "generation", payload)
	require.NoError(t, err)
	require.NoError(t, o.Execute(context.Background(), task.ID))

	got, err := l.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, got.Status)
}

func TestExecute_StaleCompletionIsFenced(t *testing.T) {
	l := ledger.NewMemory(nil)
	exec := orchestrator.Func{TaskKind: "generation", Fn: func(ctx context.Context, run *orchestrator.Run) (string, error) {
		// The reaper decides this run is stalled and requeues it mid-flight.
		_, err := l.Transition(ctx, run.TaskID(), domain.Transition{
			From:             domain.StatusProcessing,
			To:               domain.StatusPending,
			Attempt:          run.Attempt(),
			IncrementAttempt: true,
		})
		if err != nil {
			return "", err
		}
		return "blob://stale", nil
	}}
	o, _ := newOrchestrator(t, l, exec)

	task, err := o.Submit(context.Background(), "user-1", "generation", payload)
	require.NoError(t, err)
	require.NoError(t, o.Execute(context.Background(), task.ID))

	got, err := l.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status, "the stale executor's write must be rejected")
	assert.Equal(t, 1, got.AttemptCount)
	assert.Empty(t, got.Result)
}

func TestExecute_SkipsClaimedTask(t *testing.T) {
	l := ledger.NewMemory(nil)
	calls := 0
	exec := orchestrator.Func{TaskKind: "generation", Fn: func(context.Context, *orchestrator.Run) (string, error) {
		calls++
		return "blob://x", nil
	}}
	o, _ := newOrchestrator(t, l, exec)

	task, err := o.Submit(context.Background(), "user-1", "generation", payload)
	require.NoError(t, err)
	_, err = l.Transition(context.Background(), task.ID, domain.Transition{
		From: domain.StatusPending, To: domain.StatusProcessing,
	})
	require.NoError(t, err)

	require.NoError(t, o.Execute(context.Background(), task.ID))
	assert.Zero(t, calls)
}

func TestExecute_UnregisteredKindFailsTask(t *testing.T) {
	l := ledger.NewMemory(nil)
	o, _ := newOrchestrator(t, l, staticExecutor("generation", "x", nil))

	now := time.Now().UTC()
	require.NoError(t, l.Create(context.Background(), &domain.Task{
		ID: "orphan", Owner: "user-1", Kind: "retired-kind", Status: domain.StatusPending,
		Payload: payload, CreatedAt: now, UpdatedAt: now,
	}))

	require.NoError(t, o.Execute(context.Background(), "orphan"))
	got, err := l.Get(context.Background(), "orphan")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "retired-kind")
}

func TestExecute_MissingTaskIsDropped(t *testing.T) {
	o, _ := newOrchestrator(t, ledger.NewMemory(nil), staticExecutor("generation", "x", nil))
	require.NoError(t, o.Execute(context.Background(), "never-created"))
}

func TestExecute_LedgerDownIsReturned(t *testing.T) {
	o, _ := newOrchestrator(t, downLedger{}, staticExecutor("generation", "x", nil))
	err := o.Execute(context.Background(), "t1")
	var unavailable *domain.BackendUnavailableError
	require.True(t, errors.As(err, &unavailable))
}

func TestExecute_DetachedFromCallerCancellation(t *testing.T) {
	l := ledger.NewMemory(nil)
	exec := orchestrator.Func{TaskKind: "generation", Fn: func(ctx context.Context, _ *orchestrator.Run) (string, error) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return "blob://ok", nil
	}}
	o, _ := newOrchestrator(t, l, exec)
	task, err := o.Submit(context.Background(), "user-1", "generation", payload)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The memory ledger ignores ctx, so only the executor could observe the
	// cancellation.
	require.NoError(t, o.Execute(ctx, task.ID))
	got, err := l.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
}
