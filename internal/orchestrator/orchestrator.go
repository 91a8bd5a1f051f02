// Package orchestrator accepts task submissions, records them in the ledger,
// and drives executors through the task lifecycle.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ramiqadoumi/genflow/internal/domain"
	"github.com/ramiqadoumi/genflow/internal/ledger"
	"github.com/ramiqadoumi/genflow/pkg/telemetry"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100

	// finalWriteTimeout bounds the terminal ledger write, which runs on a
	// context detached from the executor's.
	finalWriteTimeout = 5 * time.Second

	genericFailure = "executor failed without an error message"
	emptyResult    = "executor returned an empty result"
)

var errNoDispatcher = errors.New("no dispatcher configured")

// Dispatcher hands a submitted task id to something that will eventually call
// Orchestrator.Execute for it. Dispatch must not block on execution.
type Dispatcher interface {
	Dispatch(ctx context.Context, taskID string) error
	Name() string
}

// Orchestrator owns the task lifecycle. The ledger is the only shared state;
// any number of orchestrators may run against the same ledger.
type Orchestrator struct {
	ledger       ledger.Ledger
	registry     *Registry
	dispatcher   Dispatcher
	softDeadline time.Duration
	hardTimeout  time.Duration
	now          func() time.Time
	newID        func() string
	logger       *slog.Logger
	tracer       trace.Tracer

	wg       sync.WaitGroup
	inFlight atomic.Int64
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSoftDeadline sets the budget executors see through Run.Deadline.
func WithSoftDeadline(d time.Duration) Option { return func(o *Orchestrator) { o.softDeadline = d } }

// WithHardTimeout cancels the executor's context after d.
func WithHardTimeout(d time.Duration) Option { return func(o *Orchestrator) { o.hardTimeout = d } }

func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }
func WithLogger(l *slog.Logger) Option      { return func(o *Orchestrator) { o.logger = l } }
func WithIDFunc(f func() string) Option     { return func(o *Orchestrator) { o.newID = f } }
func WithDispatcher(d Dispatcher) Option    { return func(o *Orchestrator) { o.dispatcher = d } }

// New constructs an Orchestrator. Without WithDispatcher, SetDispatcher must
// be called before the first Submit.
func New(l ledger.Ledger, registry *Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		ledger:       l,
		registry:     registry,
		softDeadline: 4 * time.Minute,
		now:          time.Now,
		newID:        uuid.NewString,
		logger:       slog.Default(),
		tracer:       telemetry.Tracer("orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.hardTimeout <= o.softDeadline {
		o.hardTimeout = o.softDeadline + o.softDeadline/4
	}
	return o
}

// SetDispatcher wires the dispatcher. The in-process pool needs the
// orchestrator to exist first, so it is attached after New.
func (o *Orchestrator) SetDispatcher(d Dispatcher) { o.dispatcher = d }

// Registry returns the executor registry.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// Submit records a pending task and dispatches it. It returns as soon as the
// record is durable; the executor runs later.
//
// A dispatch failure is logged and swallowed: the task stays pending and the
// reaper picks it up once it goes stale.
func (o *Orchestrator) Submit(ctx context.Context, owner, kind string, payload json.RawMessage) (*domain.Task, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.submit")
	defer span.End()
	span.SetAttributes(attribute.String("task.kind", kind))

	if owner == "" {
		return nil, errors.New("submit: owner is required")
	}
	if _, err := o.registry.Get(kind); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if !json.Valid(payload) {
		return nil, errors.New("submit: payload is not valid JSON")
	}

	now := o.now().UTC()
	task := &domain.Task{
		ID:        o.newID(),
		Owner:     owner,
		Kind:      kind,
		Status:    domain.StatusPending,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
	span.SetAttributes(attribute.String("task.id", task.ID))

	if err := o.ledger.Create(ctx, task); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ledger create failed")
		return nil, backendErr(err)
	}
	telemetry.TasksSubmitted.WithLabelValues(kind).Inc()

	if err := o.dispatch(ctx, task); err != nil {
		span.RecordError(err)
	}
	return task, nil
}

// Resume re-dispatches an existing task without creating a new record.
func (o *Orchestrator) Resume(ctx context.Context, task *domain.Task) error {
	return o.dispatch(ctx, task)
}

func (o *Orchestrator) dispatch(ctx context.Context, task *domain.Task) error {
	if o.dispatcher == nil {
		return errNoDispatcher
	}
	if err := o.dispatcher.Dispatch(ctx, task.ID); err != nil {
		telemetry.DispatchFailures.WithLabelValues(o.dispatcher.Name()).Inc()
		o.logger.Warn("dispatch failed, task left pending for the reaper",
			slog.String("task_id", task.ID),
			slog.String("dispatcher", o.dispatcher.Name()),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("dispatch task %s: %w", task.ID, err)
	}
	return nil
}

// GetStatus returns the task if it belongs to owner. A foreign task is
// reported as not found.
func (o *Orchestrator) GetStatus(ctx context.Context, id, owner string) (*domain.Task, error) {
	task, err := o.ledger.Get(ctx, id)
	if err != nil {
		var nf *domain.TaskNotFoundError
		if errors.As(err, &nf) {
			return nil, err
		}
		return nil, backendErr(err)
	}
	if task.Owner != owner {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	return task, nil
}

// ListLimit is the page size ListByOwner uses for a requested limit: clamped
// to [1, 100], with 0 or less meaning the default of 20.
func ListLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	}
	return limit
}

// ListByOwner returns a page of owner's tasks, newest first. limit goes
// through ListLimit.
func (o *Orchestrator) ListByOwner(ctx context.Context, owner string, limit, offset int) ([]*domain.Task, error) {
	if offset < 0 {
		offset = 0
	}
	tasks, err := o.ledger.ListByOwner(ctx, owner, ListLimit(limit), offset)
	if err != nil {
		return nil, backendErr(err)
	}
	return tasks, nil
}

// Execute claims a pending task and runs its executor to a terminal state.
// It is what every dispatcher eventually calls.
//
// The returned error is non-nil only when the ledger could not be reached;
// callers that redeliver on error may do so safely.
func (o *Orchestrator) Execute(ctx context.Context, id string) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.execute")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", id))
	log := o.logger.With(slog.String("task_id", id))

	task, err := o.ledger.Get(ctx, id)
	if err != nil {
		var nf *domain.TaskNotFoundError
		if errors.As(err, &nf) {
			log.Warn("dispatched task does not exist, dropping")
			return nil
		}
		span.RecordError(err)
		return backendErr(err)
	}
	span.SetAttributes(
		attribute.String("task.kind", task.Kind),
		attribute.Int("task.attempt", task.AttemptCount),
	)
	log = log.With(slog.String("kind", task.Kind), slog.Int("attempt", task.AttemptCount))

	// Idempotency: redelivered or duplicated dispatches find the task already
	// claimed or finished.
	if task.Status != domain.StatusPending {
		if task.Status.IsTerminal() {
			already := &domain.TaskAlreadyProcessedError{TaskID: task.ID, Status: task.Status}
			log.Info("task already terminal, skipping", slog.String("error", already.Error()))
		} else {
			log.Info("task already claimed, skipping", slog.String("status", string(task.Status)))
		}
		telemetry.TasksFinished.WithLabelValues(task.Kind, "skipped").Inc()
		return nil
	}

	exec, err := o.registry.Get(task.Kind)
	if err != nil {
		log.Error("no executor for task kind", slog.String("error", err.Error()))
		span.SetStatus(codes.Error, "no executor registered")
		return o.finish(ctx, log, task.Kind, id, domain.Transition{
			From:    domain.StatusPending,
			To:      domain.StatusFailed,
			Attempt: task.AttemptCount,
			Error:   err.Error(),
		}, "failed")
	}

	started, err := o.ledger.Transition(ctx, id, domain.Transition{
		From:    domain.StatusPending,
		To:      domain.StatusProcessing,
		Attempt: task.AttemptCount,
	})
	if err != nil {
		var conflict *domain.TransitionConflictError
		if errors.As(err, &conflict) {
			log.Info("task claimed by another executor, skipping")
			telemetry.TasksFinished.WithLabelValues(task.Kind, "skipped").Inc()
			return nil
		}
		span.RecordError(err)
		return backendErr(err)
	}

	start := o.now()
	result, execErr := o.run(span, exec, started)
	elapsed := o.now().Sub(start)
	telemetry.TaskDurationSeconds.WithLabelValues(task.Kind).Observe(elapsed.Seconds())
	log = log.With(slog.Int64("duration_ms", elapsed.Milliseconds()))

	tr := domain.Transition{From: domain.StatusProcessing, Attempt: started.AttemptCount}
	switch {
	case errors.Is(execErr, ErrYield), errors.Is(execErr, context.DeadlineExceeded):
		log.Info("executor yielded, task left processing for the reaper",
			slog.String("error", execErr.Error()),
		)
		telemetry.TasksFinished.WithLabelValues(task.Kind, "yielded").Inc()
		return nil
	case execErr != nil:
		reason := execErr.Error()
		if reason == "" {
			reason = genericFailure
		}
		failed := &domain.ExecutionFailedError{TaskID: id, Reason: reason}
		log.Error("task failed", slog.String("error", failed.Error()))
		span.RecordError(failed)
		span.SetStatus(codes.Error, "executor failed")
		tr.To, tr.Error = domain.StatusFailed, reason
		return o.finish(ctx, log, task.Kind, id, tr, "failed")
	case result == "":
		log.Error("task failed", slog.String("error", emptyResult))
		span.SetStatus(codes.Error, emptyResult)
		tr.To, tr.Error = domain.StatusFailed, emptyResult
		return o.finish(ctx, log, task.Kind, id, tr, "failed")
	default:
		log.Info("task completed")
		tr.To, tr.Result = domain.StatusCompleted, result
		return o.finish(ctx, log, task.Kind, id, tr, "completed")
	}
}

// run calls the executor on a context detached from ctx cancellation, so a
// consumer shutting down does not abort work mid-step. The span is carried
// over so executor spans stay parented.
func (o *Orchestrator) run(span trace.Span, exec Executor, task *domain.Task) (result string, err error) {
	o.wg.Add(1)
	o.inFlight.Add(1)
	telemetry.TasksInFlight.WithLabelValues(task.Kind).Inc()
	defer func() {
		telemetry.TasksInFlight.WithLabelValues(task.Kind).Dec()
		o.inFlight.Add(-1)
		o.wg.Done()
	}()

	execCtx, cancel := context.WithTimeout(trace.ContextWithSpan(context.Background(), span), o.hardTimeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			result, err = "", fmt.Errorf("executor panicked: %v", p)
		}
	}()
	return exec.Execute(execCtx, NewRun(*task, o.now, o.softDeadline))
}

// finish writes a terminal transition. A conflict means the reaper requeued
// the task while this executor was still running; the stale write is dropped.
func (o *Orchestrator) finish(ctx context.Context, log *slog.Logger, kind, id string, tr domain.Transition, outcome string) error {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalWriteTimeout)
	defer cancel()

	if _, err := o.ledger.Transition(writeCtx, id, tr); err != nil {
		var conflict *domain.TransitionConflictError
		if errors.As(err, &conflict) {
			log.Warn("terminal write fenced, task was requeued meanwhile",
				slog.String("error", conflict.Error()),
			)
			telemetry.TasksFinished.WithLabelValues(kind, "fenced").Inc()
			return nil
		}
		log.Error("failed to record terminal status", slog.String("error", err.Error()))
		return backendErr(err)
	}
	telemetry.TasksFinished.WithLabelValues(kind, outcome).Inc()
	return nil
}

// Wait blocks until every executor run started by this orchestrator returns.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// InFlight is the number of executor runs in progress.
func (o *Orchestrator) InFlight() int64 { return o.inFlight.Load() }

func backendErr(err error) error {
	var unavailable *domain.BackendUnavailableError
	if errors.As(err, &unavailable) {
		return err
	}
	return &domain.BackendUnavailableError{Backend: "task ledger", Err: err}
}
