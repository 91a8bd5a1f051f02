package platform

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ramiqadoumi/genflow/internal/blob"
	"github.com/ramiqadoumi/genflow/internal/handlers"
	"github.com/ramiqadoumi/genflow/internal/orchestrator"
	redisstore "github.com/ramiqadoumi/genflow/internal/redis"
)

// ExecutorOptions configures the generation-backend executors.
type ExecutorOptions struct {
	BackendURL     string
	BackendToken   string
	BackendTimeout time.Duration
	BlobDir        string
	YieldMargin    time.Duration
}

// NewRegistry builds the executor registry. Checkpoints live in Redis when
// r has a client and in process memory otherwise.
func (r *Resources) NewRegistry(o ExecutorOptions, logger *slog.Logger) (*orchestrator.Registry, error) {
	blobs, err := blob.NewFS(o.BlobDir)
	if err != nil {
		return nil, fmt.Errorf("blob store: %w", err)
	}

	var checkpoints handlers.Checkpoints = handlers.NewMemoryCheckpoints()
	if r.Redis != nil {
		checkpoints = redisstore.NewCheckpointStore(r.Redis)
	}

	opts := []handlers.BackendOption{handlers.WithToken(o.BackendToken)}
	if o.BackendTimeout > 0 {
		opts = append(opts, handlers.WithTimeout(o.BackendTimeout))
	}

	return orchestrator.NewRegistry(handlers.Executors(handlers.Deps{
		Backend:     handlers.NewBackendClient(o.BackendURL, opts...),
		Checkpoints: checkpoints,
		Blobs:       blobs,
		YieldMargin: o.YieldMargin,
		Logger:      logger,
	})...), nil
}
