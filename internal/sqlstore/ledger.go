// Package sqlstore implements the task ledger on SQLite through database/sql,
// for single-node deployments that run without PostgreSQL.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ramiqadoumi/genflow/internal/domain"
)

const (
	createTasksTableSQL = `
CREATE TABLE IF NOT EXISTS tasks (
    id            TEXT PRIMARY KEY,
    owner         TEXT    NOT NULL,
    kind          TEXT    NOT NULL,
    status        TEXT    NOT NULL,
    payload       TEXT    NOT NULL,
    result        TEXT    NOT NULL DEFAULT '',
    error         TEXT    NOT NULL DEFAULT '',
    attempt_count INTEGER NOT NULL DEFAULT 0,
    created_at    INTEGER NOT NULL,
    updated_at    INTEGER NOT NULL
)`

	// Separate statements for SQLite compatibility.
	createOwnerIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_tasks_owner_created ON tasks(owner, created_at DESC)`

	createUpdatedIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_tasks_status_updated ON tasks(status, updated_at)`

	taskColumns = `id, owner, kind, status, payload, result, error, attempt_count, created_at, updated_at`
)

// Ledger stores tasks in SQLite. Timestamps are unix nanoseconds so ordering
// is exact.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the SQLite database at dsn and prepares the schema.
// SQLite allows one writer at a time, so the pool is capped to a single
// connection.
func Open(ctx context.Context, dsn string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite ping: %w", err)
	}
	l := &Ledger{db: db, now: time.Now}
	if err := l.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return l, nil
}

func (l *Ledger) initSchema(ctx context.Context) error {
	for _, stmt := range []string{createTasksTableSQL, createOwnerIndexSQL, createUpdatedIndexSQL} {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the database.
func (l *Ledger) Close() error { return l.db.Close() }

func (l *Ledger) Create(ctx context.Context, task *domain.Task) error {
	payload := string(task.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err := l.db.ExecContext(ctx, `
INSERT INTO tasks (`+taskColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Owner, task.Kind, string(task.Status), payload,
		task.Result, task.Error, task.AttemptCount,
		task.CreatedAt.UTC().UnixNano(), task.UpdatedAt.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("create task %s: %w", task.ID, err)
	}
	return nil
}

func (l *Ledger) Get(ctx context.Context, id string) (*domain.Task, error) {
	return l.get(ctx, l.db, id)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (l *Ledger) get(ctx context.Context, q querier, id string) (*domain.Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return task, nil
}

func (l *Ledger) Transition(ctx context.Context, id string, tr domain.Transition) (*domain.Task, error) {
	if err := tr.Validate(); err != nil {
		return nil, err
	}
	inc := 0
	if tr.IncrementAttempt {
		inc = 1
	}
	var result, errMsg string
	switch tr.To {
	case domain.StatusCompleted:
		result = tr.Result
	case domain.StatusFailed:
		errMsg = tr.Error
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transition %s: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
UPDATE tasks
SET status = ?,
    updated_at = ?,
    attempt_count = attempt_count + ?,
    result = CASE WHEN ? <> '' THEN ? ELSE result END,
    error = CASE WHEN ? <> '' THEN ? ELSE error END
WHERE id = ? AND status = ? AND attempt_count = ?`,
		string(tr.To), l.now().UTC().UnixNano(), inc,
		result, result, errMsg, errMsg,
		id, string(tr.From), tr.Attempt,
	)
	if err != nil {
		return nil, fmt.Errorf("transition task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("transition task %s: %w", id, err)
	}

	task, err := l.get(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, &domain.TransitionConflictError{TaskID: id, Want: tr.From, Attempt: tr.Attempt}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transition %s: %w", id, err)
	}
	return task, nil
}

func (l *Ledger) ListByOwner(ctx context.Context, owner string, limit, offset int) ([]*domain.Task, error) {
	rows, err := l.db.QueryContext(ctx, `
SELECT `+taskColumns+`
FROM tasks
WHERE owner = ?
ORDER BY created_at DESC, id DESC
LIMIT ? OFFSET ?`, owner, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list tasks by owner: %w", err)
	}
	return collect(rows)
}

func (l *Ledger) ListStale(ctx context.Context, before time.Time, limit int) ([]*domain.Task, error) {
	rows, err := l.db.QueryContext(ctx, `
SELECT `+taskColumns+`
FROM tasks
WHERE status IN ('pending', 'processing') AND updated_at < ?
ORDER BY updated_at ASC
LIMIT ?`, before.UTC().UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale tasks: %w", err)
	}
	return collect(rows)
}

func (l *Ledger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

func collect(rows *sql.Rows) ([]*domain.Task, error) {
	defer rows.Close()
	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func scanTask(row interface{ Scan(...any) error }) (*domain.Task, error) {
	var (
		task               domain.Task
		status, payload    string
		createdAt, updated int64
	)
	if err := row.Scan(
		&task.ID, &task.Owner, &task.Kind, &status, &payload,
		&task.Result, &task.Error, &task.AttemptCount, &createdAt, &updated,
	); err != nil {
		return nil, err
	}
	task.Status = domain.Status(status)
	task.Payload = []byte(payload)
	task.CreatedAt = time.Unix(0, createdAt).UTC()
	task.UpdatedAt = time.Unix(0, updated).UTC()
	return &task, nil
}
