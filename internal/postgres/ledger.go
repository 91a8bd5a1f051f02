package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ramiqadoumi/genflow/internal/domain"
)

const taskColumns = `id, owner, kind, status, payload, result, error, attempt_count, created_at, updated_at`

// Ledger stores tasks in PostgreSQL. Status writes are single conditional
// UPDATE statements, so concurrent writers across processes are serialized by
// the row lock.
type Ledger struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewLedger wraps a pgxpool as a ledger.Ledger.
func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool, now: time.Now}
}

func (l *Ledger) Create(ctx context.Context, task *domain.Task) error {
	_, err := l.pool.Exec(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		task.ID, task.Owner, task.Kind, string(task.Status), payloadOrEmpty(task.Payload),
		task.Result, task.Error, task.AttemptCount, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create task %s: %w", task.ID, err)
	}
	return nil
}

func (l *Ledger) Get(ctx context.Context, id string) (*domain.Task, error) {
	row := l.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	return task, err
}

func (l *Ledger) Transition(ctx context.Context, id string, tr domain.Transition) (*domain.Task, error) {
	if err := tr.Validate(); err != nil {
		return nil, err
	}
	inc := 0
	if tr.IncrementAttempt {
		inc = 1
	}

	row := l.pool.QueryRow(ctx, `
		UPDATE tasks
		SET status        = $1,
		    updated_at    = $2,
		    attempt_count = attempt_count + $3,
		    result        = CASE WHEN $4::text <> '' THEN $4::text ELSE result END,
		    error         = CASE WHEN $5::text <> '' THEN $5::text ELSE error END
		WHERE id = $6 AND status = $7 AND attempt_count = $8
		RETURNING `+taskColumns,
		string(tr.To), l.now().UTC(), inc, resultFor(tr), errorFor(tr),
		id, string(tr.From), tr.Attempt,
	)
	task, err := scanTask(row)
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transition task %s: %w", id, err)
	}

	var exists bool
	if err := l.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check task %s: %w", id, err)
	}
	if !exists {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	return nil, &domain.TransitionConflictError{TaskID: id, Want: tr.From, Attempt: tr.Attempt}
}

func (l *Ledger) ListByOwner(ctx context.Context, owner string, limit, offset int) ([]*domain.Task, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE owner = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, owner, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list tasks by owner: %w", err)
	}
	return collect(rows)
}

func (l *Ledger) ListStale(ctx context.Context, before time.Time, limit int) ([]*domain.Task, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status IN ('pending', 'processing') AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`, before.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale tasks: %w", err)
	}
	return collect(rows)
}

func (l *Ledger) Ping(ctx context.Context) error {
	return l.pool.Ping(ctx)
}

func collect(rows pgx.Rows) ([]*domain.Task, error) {
	defer rows.Close()
	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// scanTask reads a task row from any pgx row type. pgx.ErrNoRows is returned
// unwrapped so callers can map it.
func scanTask(row pgx.Row) (*domain.Task, error) {
	var task domain.Task
	var status string
	err := row.Scan(
		&task.ID, &task.Owner, &task.Kind, &status, &task.Payload,
		&task.Result, &task.Error, &task.AttemptCount, &task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task.Status = domain.Status(status)
	return &task, nil
}

func resultFor(tr domain.Transition) string {
	if tr.To == domain.StatusCompleted {
		return tr.Result
	}
	return ""
}

func errorFor(tr domain.Transition) string {
	if tr.To == domain.StatusFailed {
		return tr.Error
	}
	return ""
}

func payloadOrEmpty(p []byte) []byte {
	if len(p) == 0 {
		return []byte("{}")
	}
	return p
}
