package worker

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ramiqadoumi/genflow/internal/kafka"
	"github.com/ramiqadoumi/genflow/internal/orchestrator"
)

// Executor runs one dispatched task to completion. *orchestrator.Orchestrator
// satisfies it.
type Executor interface {
	Execute(ctx context.Context, taskID string) error
}

// Worker consumes dispatched task ids from Kafka and executes them.
type Worker struct {
	consumer kafka.Consumer
	exec     Executor
	workerID string
	logger   *slog.Logger
}

// Option configures a Worker.
type Option func(*Worker)

func WithLogger(l *slog.Logger) Option { return func(w *Worker) { w.logger = l } }

// NewWorker constructs a Worker with the given dependencies and options.
func NewWorker(workerID string, consumer kafka.Consumer, exec Executor, opts ...Option) *Worker {
	w := &Worker{
		workerID: workerID,
		consumer: consumer,
		exec:     exec,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run starts consuming and processing messages. Blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	return w.consumer.Subscribe(ctx, w.processMessage)
}

// processMessage is the Kafka HandlerFunc. Malformed messages are dropped.
// A ledger outage is returned so the consumer retries the message; every
// other outcome, including executor failure, is already recorded in the
// ledger and the offset is committed.
func (w *Worker) processMessage(ctx context.Context, msg kafka.Message) error {
	taskID, err := orchestrator.DecodeDispatch(msg.Value)
	if err != nil {
		w.logger.Error("malformed dispatch message, discarding",
			slog.String("error", err.Error()),
			slog.Int64("offset", msg.Offset),
		)
		return nil
	}

	ctx, span := otel.Tracer("worker").Start(ctx, "worker.process_task")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", taskID),
		attribute.String("worker.id", w.workerID),
	)

	if err := w.exec.Execute(ctx, taskID); err != nil {
		span.RecordError(err)
		w.logger.Warn("task execution could not reach the ledger",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}
