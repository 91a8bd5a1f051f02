// Package reaper finds tasks that stopped making progress and either
// resubmits them or fails them once their retry budget is spent.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ramiqadoumi/genflow/internal/domain"
	"github.com/ramiqadoumi/genflow/internal/ledger"
	"github.com/ramiqadoumi/genflow/pkg/telemetry"
)

// DefaultSchedule is the sweep period when Config.Schedule is empty.
const DefaultSchedule = "@every 30s"

// Resumer re-dispatches a requeued task. Orchestrator.Resume satisfies it.
type Resumer interface {
	Resume(ctx context.Context, task *domain.Task) error
}

// LeaderLock gates sweeps when several reapers share one ledger.
// *redis.Leader satisfies it.
type LeaderLock interface {
	Acquire(ctx context.Context) bool
	Release(ctx context.Context)
}

// Config holds the sweep parameters.
type Config struct {
	// Staleness is how long a non-terminal task may go without an update.
	Staleness time.Duration
	// MaxAttempts is the number of executions a task gets before it is failed.
	MaxAttempts int
	// BatchSize caps the tasks handled per sweep.
	BatchSize int
	// Schedule is a robfig/cron spec such as "@every 30s".
	Schedule string
}

// Job is an extra periodic maintenance function run by the same scheduler,
// under the same leader lock.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// Reaper sweeps the ledger for stalled tasks.
type Reaper struct {
	ledger  ledger.Ledger
	resumer Resumer
	cfg     Config
	lock    LeaderLock
	jobs    []Job
	now     func() time.Time
	logger  *slog.Logger
	tracer  trace.Tracer
}

// Option configures a Reaper.
type Option func(*Reaper)

func WithClock(now func() time.Time) Option { return func(r *Reaper) { r.now = now } }
func WithLogger(l *slog.Logger) Option      { return func(r *Reaper) { r.logger = l } }
func WithLeaderLock(l LeaderLock) Option    { return func(r *Reaper) { r.lock = l } }
func WithJob(j Job) Option                  { return func(r *Reaper) { r.jobs = append(r.jobs, j) } }

// New validates cfg and builds a Reaper.
func New(l ledger.Ledger, resumer Resumer, cfg Config, opts ...Option) (*Reaper, error) {
	if cfg.Staleness <= 0 {
		return nil, fmt.Errorf("reaper: staleness must be positive, got %s", cfg.Staleness)
	}
	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("reaper: max attempts must be at least 1, got %d", cfg.MaxAttempts)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	r := &Reaper{
		ledger:  l,
		resumer: resumer,
		cfg:     cfg,
		now:     time.Now,
		logger:  slog.Default(),
		tracer:  telemetry.Tracer("reaper"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Sweep handles one batch of stale tasks and returns how many it moved.
//
// A task whose next execution would reach MaxAttempts is failed with its
// attempt count bumped to MaxAttempts; any other stale task is requeued with
// attempt+1 and resubmitted. Conflicts mean the task progressed after it was
// listed and are skipped.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	ctx, span := r.tracer.Start(ctx, "reaper.sweep")
	defer span.End()

	cutoff := r.now().UTC().Add(-r.cfg.Staleness)
	stale, err := r.ledger.ListStale(ctx, cutoff, r.cfg.BatchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list stale tasks")
		return 0, &domain.BackendUnavailableError{Backend: "task ledger", Err: err}
	}
	span.SetAttributes(attribute.Int("reaper.stale", len(stale)))

	var (
		moved int
		errs  []error
	)
	for _, task := range stale {
		ok, err := r.reap(ctx, task)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			moved++
		}
	}
	span.SetAttributes(attribute.Int("reaper.moved", moved))
	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		return moved, err
	}
	return moved, nil
}

func (r *Reaper) reap(ctx context.Context, task *domain.Task) (bool, error) {
	log := r.logger.With(
		slog.String("task_id", task.ID),
		slog.String("kind", task.Kind),
		slog.String("status", string(task.Status)),
		slog.Int("attempt", task.AttemptCount),
	)

	tr := domain.Transition{
		From:             task.Status,
		To:               domain.StatusPending,
		Attempt:          task.AttemptCount,
		IncrementAttempt: true,
	}
	exhausted := task.AttemptCount+1 >= r.cfg.MaxAttempts
	if exhausted {
		budget := &domain.RetryBudgetExceededError{TaskID: task.ID, MaxAttempts: r.cfg.MaxAttempts}
		tr.To, tr.Error = domain.StatusFailed, budget.Error()
	}

	updated, err := r.ledger.Transition(ctx, task.ID, tr)
	if err != nil {
		var conflict *domain.TransitionConflictError
		if errors.As(err, &conflict) {
			log.Debug("stale task moved on before it could be reaped")
			telemetry.ReaperTasks.WithLabelValues("conflict").Inc()
			return false, nil
		}
		log.Error("failed to reap task", slog.String("error", err.Error()))
		return false, fmt.Errorf("reap task %s: %w", task.ID, err)
	}

	if exhausted {
		log.Warn("task exceeded retry budget, failed", slog.Int("max_attempts", r.cfg.MaxAttempts))
		telemetry.ReaperTasks.WithLabelValues("failed").Inc()
		return true, nil
	}

	log.Info("stale task requeued", slog.Int("next_attempt", updated.AttemptCount))
	telemetry.ReaperTasks.WithLabelValues("requeued").Inc()
	if err := r.resumer.Resume(ctx, updated); err != nil {
		// Still pending: the next sweep after the staleness window retries it.
		log.Warn("resubmit failed", slog.String("error", err.Error()))
	}
	return true, nil
}

// Run schedules Sweep and any extra jobs on cron and blocks until ctx is
// cancelled. Jobs still running at shutdown are waited for.
func (r *Reaper) Run(ctx context.Context) error {
	clog := cronLogger{r.logger}
	c := cron.New(
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)

	if _, err := c.AddFunc(r.cfg.Schedule, func() { r.tick(ctx) }); err != nil {
		return fmt.Errorf("schedule sweep %q: %w", r.cfg.Schedule, err)
	}
	for _, job := range r.jobs {
		if _, err := c.AddFunc(job.Schedule, func() { r.runJob(ctx, job) }); err != nil {
			return fmt.Errorf("schedule job %s %q: %w", job.Name, job.Schedule, err)
		}
	}

	r.logger.Info("reaper started",
		slog.String("schedule", r.cfg.Schedule),
		slog.Duration("staleness", r.cfg.Staleness),
		slog.Int("max_attempts", r.cfg.MaxAttempts),
		slog.Int("jobs", len(r.jobs)),
	)
	c.Start()
	<-ctx.Done()

	<-c.Stop().Done()
	if r.lock != nil {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		r.lock.Release(releaseCtx)
		cancel()
	}
	r.logger.Info("reaper stopped")
	return nil
}

func (r *Reaper) leading(ctx context.Context) bool {
	return r.lock == nil || r.lock.Acquire(ctx)
}

func (r *Reaper) tick(ctx context.Context) {
	if !r.leading(ctx) {
		telemetry.ReaperSweeps.WithLabelValues("skipped").Inc()
		return
	}
	n, err := r.Sweep(ctx)
	if err != nil {
		telemetry.ReaperSweeps.WithLabelValues("error").Inc()
		r.logger.Error("sweep failed", slog.Int("moved", n), slog.String("error", err.Error()))
		return
	}
	telemetry.ReaperSweeps.WithLabelValues("ok").Inc()
	if n > 0 {
		r.logger.Info("sweep finished", slog.Int("moved", n))
	}
}

func (r *Reaper) runJob(ctx context.Context, job Job) {
	if !r.leading(ctx) {
		return
	}
	if err := job.Run(ctx); err != nil {
		r.logger.Error("maintenance job failed", slog.String("job", job.Name), slog.String("error", err.Error()))
	}
}

// cronLogger routes robfig/cron's logging into slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err.Error())...)
}
