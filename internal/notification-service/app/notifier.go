package app

import (
	"context"
	"log/slog"

	"github.com/jcmexdev/task-sagas/internal/pkg/events"
)

// Notifier delivers the notification for a created task.
type Notifier interface {
	Notify(ctx context.Context, evt events.TaskCreated) error
}

// LogNotifier "delivers" by writing a log line.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(ctx context.Context, evt events.TaskCreated) error {
	n.Logger.InfoContext(ctx, "notification sent",
		"user_id", evt.UserID, "task_id", evt.TaskID, "title", evt.Title, "saga_id", evt.SagaID)
	return nil
}
