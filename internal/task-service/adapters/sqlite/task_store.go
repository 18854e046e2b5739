// Package sqlite stores tasks in the same SQLite database as the saga log,
// so every saga-relevant write commits together with its log entry.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/jcmexdev/task-sagas/internal/coordinator/sagalog"
	sagalogsqlite "github.com/jcmexdev/task-sagas/internal/coordinator/sagalog/sqlite"
	"github.com/jcmexdev/task-sagas/internal/task-service/domain"
)

// MaxCodeAttempts bounds how many codes are tried before giving up.
const MaxCodeAttempts = 5

// ErrCodeExhausted is returned when every generated code was already taken.
var ErrCodeExhausted = errors.New("sqlite: no free task code")

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
    id          TEXT PRIMARY KEY,
    code        TEXT NOT NULL UNIQUE,
    title       TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    owner_id    TEXT NOT NULL,
    status      TEXT NOT NULL CHECK (status IN ('todo', 'doing', 'done')),
    saga_id     TEXT NOT NULL,
    created_at  TEXT NOT NULL,
    updated_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_saga_id ON tasks(saga_id);
`

type Option func(*TaskStore)

// WithCodeGenerator replaces domain.RandomCode.
func WithCodeGenerator(gen domain.CodeGenerator) Option {
	return func(s *TaskStore) { s.codes = gen }
}

// TaskStore is safe for concurrent use.
type TaskStore struct {
	db    *sql.DB
	codes domain.CodeGenerator
}

// New applies the task schema to db, which must already carry the saga log
// schema (see sagalog/sqlite.New).
func New(db *sql.DB, opts ...Option) (*TaskStore, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("sqlite: apply task schema: %w", err)
	}
	s := &TaskStore{db: db, codes: domain.RandomCode}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CreateWithLog inserts task and appends entry in one transaction. The task
// code is generated here and regenerated on a uniqueness conflict, at most
// MaxCodeAttempts times.
func (s *TaskStore) CreateWithLog(ctx context.Context, task *domain.Task, entry *sagalog.Entry) error {
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = task.CreatedAt

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		task.Code = s.codes()
		err := s.insert(ctx, task, entry)
		if err == nil || isCodeConflict(err) {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	},
		backoff.WithBackOff(&backoff.ZeroBackOff{}),
		backoff.WithMaxTries(MaxCodeAttempts),
	)
	if isCodeConflict(err) {
		return fmt.Errorf("%w after %d attempts", ErrCodeExhausted, MaxCodeAttempts)
	}
	return err
}

func (s *TaskStore) insert(ctx context.Context, task *domain.Task, entry *sagalog.Entry) error {
	const q = `
		INSERT INTO tasks (id, code, title, description, owner_id, status, saga_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin create task: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, q,
		task.ID,
		task.Code,
		task.Title,
		task.Description,
		task.OwnerID,
		string(task.Status),
		task.SagaID,
		formatTime(task.CreatedAt),
		formatTime(task.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert task %s: %w", task.Code, err)
	}
	if err := sagalogsqlite.Insert(ctx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit task %s: %w", task.Code, err)
	}
	return nil
}

// DeleteWithLog deletes the task and appends entry in one transaction.
// It returns domain.ErrTaskNotFound, and writes nothing, if the task is gone.
func (s *TaskStore) DeleteWithLog(ctx context.Context, id string, entry *sagalog.Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin delete task: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: delete task %s: %w", id, err)
	}
	if n == 0 {
		return domain.ErrTaskNotFound
	}

	if err := sagalogsqlite.Insert(ctx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit delete of task %s: %w", id, err)
	}
	return nil
}

func (s *TaskStore) Get(ctx context.Context, id string) (*domain.Task, error) {
	const q = `
		SELECT id, code, title, description, owner_id, status, saga_id, created_at, updated_at
		FROM   tasks
		WHERE  id = ?`

	var (
		t                    domain.Task
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx, q, id).Scan(
		&t.ID, &t.Code, &t.Title, &t.Description, &t.OwnerID, &t.Status, &t.SagaID, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get task %s: %w", id, err)
	}

	if t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("sqlite: parse created_at of task %s: %w", id, err)
	}
	if t.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("sqlite: parse updated_at of task %s: %w", id, err)
	}
	return &t, nil
}

func isCodeConflict(err error) bool {
	var serr *msqlite.Error
	if !errors.As(err, &serr) || serr.Code() != sqlite3.SQLITE_CONSTRAINT_UNIQUE {
		return false
	}
	return strings.Contains(serr.Error(), "tasks.code")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
