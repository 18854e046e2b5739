package sagalog

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a saga has no entries.
var ErrNotFound = errors.New("sagalog: saga not found")

// Repository persists saga log entries. Every Save appends a row; nothing
// is ever updated or deleted.
type Repository interface {
	Save(ctx context.Context, entry *Entry) error

	// History returns every entry of one saga, oldest first.
	History(ctx context.Context, sagaID string) ([]Entry, error)

	// Latest returns the newest entry of one saga, or ErrNotFound.
	Latest(ctx context.Context, sagaID string) (*Entry, error)

	// Recent returns the newest entries across all sagas, newest first.
	Recent(ctx context.Context, limit int) ([]Entry, error)

	// Stuck returns the latest entry of every saga whose current state is
	// not terminal and was reached before the given instant.
	Stuck(ctx context.Context, before time.Time) ([]Entry, error)
}
