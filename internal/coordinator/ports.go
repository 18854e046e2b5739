package coordinator

import (
	"context"

	"github.com/jcmexdev/task-sagas/internal/coordinator/sagalog"
	"github.com/jcmexdev/task-sagas/internal/task-service/domain"
)

// TaskStore writes tasks together with their saga log entry.
type TaskStore interface {
	CreateWithLog(ctx context.Context, task *domain.Task, entry *sagalog.Entry) error
	// DeleteWithLog returns domain.ErrTaskNotFound, writing nothing, when
	// the task does not exist.
	DeleteWithLog(ctx context.Context, id string, entry *sagalog.Entry) error
	Get(ctx context.Context, id string) (*domain.Task, error)
}

// Publisher is implemented by *broker.Client. A nil error means the broker
// confirmed the message.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, message any) error
}
