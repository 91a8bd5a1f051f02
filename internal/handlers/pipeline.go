// Package handlers holds the executors that turn generation, refinement and
// export tasks into stored artifacts.
package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/genflow/internal/orchestrator"
	"github.com/ramiqadoumi/genflow/pkg/telemetry"
)

// Blobs stores finished artifacts. *blob.FS satisfies it.
type Blobs interface {
	Put(ctx context.Context, taskID, name string, data []byte) (string, error)
	Get(ctx context.Context, handle string) ([]byte, error)
}

// Step is one resumable unit of a pipeline. It receives the previous step's
// output (nil for the first step) and returns its own.
type Step struct {
	Name string
	Run  func(ctx context.Context, run *orchestrator.Run, prev []byte) ([]byte, error)
}

// Pipeline is an Executor running its steps in order, checkpointing after
// each one, and storing the last step's output as the task result.
type Pipeline struct {
	kind        string
	artifact    func(run *orchestrator.Run) string
	validate    func(run *orchestrator.Run) error
	steps       []Step
	checkpoints Checkpoints
	blobs       Blobs
	margin      time.Duration
	logger      *slog.Logger
}

var _ orchestrator.Executor = (*Pipeline)(nil)

func (p *Pipeline) Kind() string { return p.kind }

func (p *Pipeline) Execute(ctx context.Context, run *orchestrator.Run) (string, error) {
	ctx, span := telemetry.Tracer("handlers").Start(ctx, "handler."+p.kind)
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", run.TaskID()),
		attribute.Int("task.attempt", run.Attempt()),
	)
	log := p.logger.With(slog.String("task_id", run.TaskID()), slog.String("kind", p.kind))

	if err := p.validate(run); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid payload")
		return "", fmt.Errorf("invalid %s payload: %w", p.kind, err)
	}

	var out []byte
	for _, step := range p.steps {
		data, ok, err := p.checkpoints.Load(ctx, run.TaskID(), step.Name)
		if err != nil {
			log.Warn("checkpoint load failed, recomputing step",
				slog.String("step", step.Name),
				slog.String("error", err.Error()),
			)
		}
		if ok {
			log.Debug("step restored from checkpoint", slog.String("step", step.Name))
			out = data
			continue
		}

		if run.DeadlineNear(p.margin) {
			log.Info("soft deadline near, yielding", slog.String("before_step", step.Name))
			return "", fmt.Errorf("%s: before step %s: %w", p.kind, step.Name, orchestrator.ErrYield)
		}

		out, err = step.Run(ctx, run, out)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "step "+step.Name+" failed")
			return "", fmt.Errorf("%s step %s: %w", p.kind, step.Name, err)
		}
		if err := p.checkpoints.Save(ctx, run.TaskID(), step.Name, out); err != nil {
			log.Warn("checkpoint save failed",
				slog.String("step", step.Name),
				slog.String("error", err.Error()),
			)
		}
	}

	handle, err := p.blobs.Put(ctx, run.TaskID(), p.artifact(run), out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store artifact failed")
		return "", fmt.Errorf("store %s artifact: %w", p.kind, err)
	}
	if err := p.checkpoints.Clear(ctx, run.TaskID()); err != nil {
		log.Warn("checkpoint clear failed", slog.String("error", err.Error()))
	}
	span.SetAttributes(attribute.String("task.result", handle))
	return handle, nil
}
