package handlers_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/genflow/internal/blob"
	"github.com/ramiqadoumi/genflow/internal/domain"
	"github.com/ramiqadoumi/genflow/internal/handlers"
	"github.com/ramiqadoumi/genflow/internal/orchestrator"
	"github.com/ramiqadoumi/genflow/internal/redis"
)

var (
	_ handlers.Checkpoints = (*redis.CheckpointStore)(nil)
	_ handlers.Checkpoints = (*handlers.MemoryCheckpoints)(nil)
	_ handlers.Blobs       = (*blob.FS)(nil)
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeBackend serves every backend path and counts calls per path.
type fakeBackend struct {
	mu     sync.Mutex
	calls  map[string]int
	status map[string]int
}

func newFakeBackend(t *testing.T) (*fakeBackend, *handlers.BackendClient) {
	t.Helper()
	fb := &fakeBackend{calls: map[string]int{}, status: map[string]int{}}
	srv := httptest.NewServer(fb)
	t.Cleanup(srv.Close)
	return fb, handlers.NewBackendClient(srv.URL)
}

func (f *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.calls[r.URL.Path]++
	code := f.status[r.URL.Path]
	f.mu.Unlock()

	if code != 0 {
		w.WriteHeader(code)
		return
	}
	body, _ := io.ReadAll(r.Body)
	switch r.URL.Path {
	case "/v1/generate":
		_, _ = w.Write([]byte("draft"))
	case "/v1/upscale":
		_, _ = w.Write(append([]byte("upscaled:"), body...))
	case "/v1/refine":
		var req struct {
			Instruction string `json:"instruction"`
			Image       []byte `json:"image"`
		}
		_ = json.Unmarshal(body, &req)
		_, _ = w.Write([]byte(req.Instruction + ":" + string(req.Image)))
	default:
		_, _ = w.Write(append([]byte(r.URL.Path+":"), body...))
	}
}

func (f *fakeBackend) Calls(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

func (f *fakeBackend) Fail(path string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[path] = code
}

func newRun(id, payload string, budget time.Duration) *orchestrator.Run {
	return orchestrator.NewRun(domain.Task{ID: id, Payload: json.RawMessage(payload)}, time.Now, budget)
}

func newDeps(t *testing.T, backend *handlers.BackendClient) (handlers.Deps, *blob.FS) {
	t.Helper()
	store, err := blob.NewFS(t.TempDir())
	require.NoError(t, err)
	return handlers.Deps{
		Backend:     backend,
		Checkpoints: handlers.NewMemoryCheckpoints(),
		Blobs:       store,
		YieldMargin: time.Second,
		Logger:      discardLogger,
	}, store
}

func TestExecutors_Kinds(t *testing.T) {
	_, backend := newFakeBackend(t)
	deps, _ := newDeps(t, backend)

	var kinds []string
	for _, e := range handlers.Executors(deps) {
		kinds = append(kinds, e.Kind())
	}
	assert.Equal(t, []string{"generation", "refinement", "export"}, kinds)
	for _, k := range kinds {
		assert.True(t, domain.Category(k).Known(), "kind %q should name a quota category", k)
	}
}

func TestGeneration_StoresUpscaledArtifact(t *testing.T) {
	fb, backend := newFakeBackend(t)
	deps, store := newDeps(t, backend)

	handle, err := handlers.NewGeneration(deps).Execute(context.Background(),
		newRun("task-1", `{"prompt":"a red fox","style":"ink"}`, time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "blob://task-1/generation.png", handle)

	data, err := store.Get(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, "upscaled:draft", string(data))
	assert.Equal(t, 1, fb.Calls("/v1/generate"))
	assert.Equal(t, 1, fb.Calls("/v1/upscale"))
}

func TestGeneration_ResumesFromCheckpoint(t *testing.T) {
	fb, backend := newFakeBackend(t)
	deps, _ := newDeps(t, backend)
	exec := handlers.NewGeneration(deps)
	fb.Fail("/v1/upscale", http.StatusServiceUnavailable)

	_, err := exec.Execute(context.Background(), newRun("task-1", `{"prompt":"fox"}`, time.Minute))
	require.True(t, errors.Is(err, orchestrator.ErrYield), "a 503 upscale should yield, got %v", err)

	// The reaper re-executes the task; the draft is not rendered again.
	fb.Fail("/v1/upscale", 0)
	handle, err := exec.Execute(context.Background(), newRun("task-1", `{"prompt":"fox"}`, time.Minute))
	require.NoError(t, err)
	assert.NotEmpty(t, handle)
	assert.Equal(t, 1, fb.Calls("/v1/generate"))
	assert.Equal(t, 2, fb.Calls("/v1/upscale"))

	_, found, err := deps.Checkpoints.Load(context.Background(), "task-1", "draft")
	require.NoError(t, err)
	assert.False(t, found, "checkpoints are cleared once the artifact is stored")
}

func TestGeneration_YieldsNearDeadline(t *testing.T) {
	fb, backend := newFakeBackend(t)
	deps, _ := newDeps(t, backend)

	_, err := handlers.NewGeneration(deps).Execute(context.Background(),
		newRun("task-1", `{"prompt":"fox"}`, 500*time.Millisecond)) // under the 1s margin
	require.True(t, errors.Is(err, orchestrator.ErrYield))
	assert.Zero(t, fb.Calls("/v1/generate"), "no step starts inside the margin")
}

func TestGeneration_InvalidPayload(t *testing.T) {
	_, backend := newFakeBackend(t)
	deps, _ := newDeps(t, backend)
	exec := handlers.NewGeneration(deps)

	for _, payload := range []string{`not-json`, `{}`, `{"prompt":"x","width":-1}`} {
		_, err := exec.Execute(context.Background(), newRun("task-1", payload, time.Minute))
		require.Error(t, err, payload)
		assert.False(t, errors.Is(err, orchestrator.ErrYield), payload)
	}
}

func TestGeneration_PermanentBackendErrorFails(t *testing.T) {
	fb, backend := newFakeBackend(t)
	deps, _ := newDeps(t, backend)
	fb.Fail("/v1/generate", http.StatusBadRequest)

	_, err := handlers.NewGeneration(deps).Execute(context.Background(), newRun("task-1", `{"prompt":"fox"}`, time.Minute))
	require.Error(t, err)
	assert.False(t, errors.Is(err, orchestrator.ErrYield))
}

func TestRefinement_UsesSourceArtifact(t *testing.T) {
	_, backend := newFakeBackend(t)
	deps, store := newDeps(t, backend)
	src, err := store.Put(context.Background(), "task-0", "generation.png", []byte("original"))
	require.NoError(t, err)

	handle, err := handlers.NewRefinement(deps).Execute(context.Background(),
		newRun("task-2", `{"source":"`+src+`","instruction":"add snow"}`, time.Minute))
	require.NoError(t, err)
	data, err := store.Get(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, "add snow:original", string(data))
}

func TestRefinement_MissingSourceFails(t *testing.T) {
	_, backend := newFakeBackend(t)
	deps, _ := newDeps(t, backend)

	_, err := handlers.NewRefinement(deps).Execute(context.Background(),
		newRun("task-2", `{"source":"blob://gone/x.png","instruction":"add snow"}`, time.Minute))
	require.Error(t, err)
	assert.True(t, errors.Is(err, blob.ErrNotFound))
}

func TestExport_Formats(t *testing.T) {
	fb, backend := newFakeBackend(t)
	deps, store := newDeps(t, backend)
	src, err := store.Put(context.Background(), "task-0", "generation.png", []byte("png"))
	require.NoError(t, err)
	exec := handlers.NewExport(deps)

	handle, err := exec.Execute(context.Background(),
		newRun("task-3", `{"source":"`+src+`","format":"svg"}`, time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "blob://task-3/export.svg", handle)
	assert.Equal(t, 1, fb.Calls("/v1/export/svg"))

	_, err = exec.Execute(context.Background(),
		newRun("task-4", `{"source":"`+src+`","format":"bmp"}`, time.Minute))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bmp")
}
