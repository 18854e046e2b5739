// Package sqlite is the SQLite implementation of sagalog.Repository.
//
// The saga log shares its database with the task table so that a task and
// its TASK_CREATED entry can be committed in one transaction. Open returns
// the shared handle; New layers the saga log on top of it.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jcmexdev/task-sagas/internal/coordinator/sagalog"

	// Pure-Go driver, registered as "sqlite". No CGO needed in the container.
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS saga_logs (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    -- not UNIQUE: one row per transition
    saga_id     TEXT NOT NULL,
    status      TEXT NOT NULL,
    step        TEXT NOT NULL DEFAULT '',
    details     TEXT NOT NULL DEFAULT '',
    trace_id    TEXT NOT NULL DEFAULT '',
    span_id     TEXT NOT NULL DEFAULT '',
    -- fixed-width UTC text so lexical order is chronological order
    created_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_saga_logs_saga_id ON saga_logs(saga_id, created_at, id);
CREATE INDEX IF NOT EXISTS idx_saga_logs_created_at ON saga_logs(created_at, id);
CREATE INDEX IF NOT EXISTS idx_saga_logs_trace_id ON saga_logs(trace_id);
`

const columns = `id, saga_id, status, step, details, trace_id, span_id, created_at`

// Open opens (or creates) the database at path with WAL enabled and a
// single connection, which serialises writers.
//
// Callers must never use the *sql.DB itself while holding a transaction on
// it: with one connection that blocks forever.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create %q: %w", dir, err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	return db, nil
}

// Execer is satisfied by both *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Repository is the SQLite implementation of sagalog.Repository.
type Repository struct {
	db *sql.DB
}

var _ sagalog.Repository = (*Repository)(nil)

// New applies the saga log schema to db.
func New(db *sql.DB) (*Repository, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("sqlite: apply saga log schema: %w", err)
	}
	return &Repository{db: db}, nil
}

// Save appends entry and sets its ID.
func (r *Repository) Save(ctx context.Context, entry *sagalog.Entry) error {
	return Insert(ctx, r.db, entry)
}

// Insert appends entry through db, which may be a transaction owned by
// another store.
func Insert(ctx context.Context, db Execer, entry *sagalog.Entry) error {
	const q = `
		INSERT INTO saga_logs (saga_id, status, step, details, trace_id, span_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	res, err := db.ExecContext(ctx, q,
		entry.SagaID,
		string(entry.Status),
		entry.Step,
		entry.Details,
		entry.TraceID,
		entry.SpanID,
		formatTime(entry.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save saga log %s for %q: %w", entry.Status, entry.SagaID, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		entry.ID = id
	}
	return nil
}

func (r *Repository) History(ctx context.Context, sagaID string) ([]sagalog.Entry, error) {
	q := `SELECT ` + columns + ` FROM saga_logs WHERE saga_id = ? ORDER BY created_at, id`
	entries, err := r.query(ctx, q, sagaID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: history of %q: %w", sagaID, err)
	}
	return entries, nil
}

func (r *Repository) Latest(ctx context.Context, sagaID string) (*sagalog.Entry, error) {
	q := `SELECT ` + columns + ` FROM saga_logs WHERE saga_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`

	entry, err := scanEntry(r.db.QueryRowContext(ctx, q, sagaID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", sagalog.ErrNotFound, sagaID)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: latest of %q: %w", sagaID, err)
	}
	return &entry, nil
}

func (r *Repository) Recent(ctx context.Context, limit int) ([]sagalog.Entry, error) {
	q := `SELECT ` + columns + ` FROM saga_logs ORDER BY created_at DESC, id DESC LIMIT ?`
	entries, err := r.query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: recent saga logs: %w", err)
	}
	return entries, nil
}

func (r *Repository) Stuck(ctx context.Context, before time.Time) ([]sagalog.Entry, error) {
	q := `
		SELECT ` + columns + `
		FROM   saga_logs l
		WHERE  l.id = (SELECT m.id FROM saga_logs m WHERE m.saga_id = l.saga_id
		               ORDER BY m.created_at DESC, m.id DESC LIMIT 1)
		  AND  l.status IN (?, ?, ?)
		  AND  l.created_at < ?
		ORDER  BY l.created_at, l.id`

	entries, err := r.query(ctx, q,
		string(sagalog.StatusStarted),
		string(sagalog.StatusTaskCreated),
		string(sagalog.StatusEventPublished),
		formatTime(before),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: stuck sagas: %w", err)
	}
	return entries, nil
}

func (r *Repository) query(ctx context.Context, q string, args ...any) ([]sagalog.Entry, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []sagalog.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (sagalog.Entry, error) {
	var (
		e         sagalog.Entry
		createdAt string
	)
	if err := s.Scan(&e.ID, &e.SagaID, &e.Status, &e.Step, &e.Details, &e.TraceID, &e.SpanID, &createdAt); err != nil {
		return sagalog.Entry{}, err
	}
	ts, err := parseTime(createdAt)
	if err != nil {
		return sagalog.Entry{}, err
	}
	e.Timestamp = ts
	return e, nil
}
