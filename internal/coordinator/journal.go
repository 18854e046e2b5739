package coordinator

import (
	"context"
	"log/slog"

	"github.com/jcmexdev/task-sagas/internal/coordinator/sagalog"
)

// journal appends saga log entries and mirrors each transition to the
// service log and the transition counter.
type journal struct {
	logs   sagalog.Repository
	logger *slog.Logger
}

func (j journal) append(ctx context.Context, sagaID string, status sagalog.Status, step, details string) error {
	if err := j.logs.Save(ctx, sagalog.NewEntry(ctx, sagaID, status, step, details)); err != nil {
		j.logger.ErrorContext(ctx, "could not write saga log",
			"saga_id", sagaID, "status", status, "details", details, "error", err)
		return err
	}
	j.observe(ctx, sagaID, status, details)
	return nil
}

// observe is for entries already committed by a store transaction.
func (j journal) observe(ctx context.Context, sagaID string, status sagalog.Status, details string) {
	sagaTransitions.WithLabelValues(string(status)).Inc()
	level := slog.LevelInfo
	if status == sagalog.StatusFailed || status == sagalog.StatusCompensationFailed {
		level = slog.LevelWarn
	}
	j.logger.Log(ctx, level, "saga transition", "saga_id", sagaID, "status", status, "details", details)
}
