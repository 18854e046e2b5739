// Package coordinator runs the task creation saga and reacts to the outcome
// the notification participant reports for it.
//
// Forward progress (STARTED, TASK_CREATED, EVENT_PUBLISHED, FAILED) is
// written by TaskCreationSaga; backward progress (COMPENSATED,
// COMPENSATION_FAILED) and COMPLETED by CompensationHandler, except for the
// synchronous rollback after a failed publish.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jcmexdev/task-sagas/internal/coordinator/sagalog"
	"github.com/jcmexdev/task-sagas/internal/task-service/domain"
)

var (
	// ErrTaskCreation means the local write failed; nothing needed undoing.
	ErrTaskCreation = errors.New("coordinator: task creation failed")
	// ErrPublish means task_created was not confirmed by the broker; the
	// task was rolled back before returning.
	ErrPublish = errors.New("coordinator: task_created not published")
)

// Result identifies the saga attempt. Task is nil when the attempt failed.
type Result struct {
	SagaID string
	Task   *domain.Task
}

type TaskCreationSaga struct {
	store     TaskStore
	logs      sagalog.Repository
	publisher Publisher
	logger    *slog.Logger
}

func NewTaskCreationSaga(store TaskStore, logs sagalog.Repository, publisher Publisher, logger *slog.Logger) *TaskCreationSaga {
	return &TaskCreationSaga{store: store, logs: logs, publisher: publisher, logger: logger}
}

// Execute creates a task owned by ownerID and announces it. It returns as
// soon as the broker confirms task_created, without waiting for the
// participant. The saga id in Result is set even on failure.
func (s *TaskCreationSaga) Execute(ctx context.Context, input domain.NewTask, ownerID string) (Result, error) {
	sagaID := uuid.NewString()
	res := Result{SagaID: sagaID}

	ctx, span := tracer.Start(ctx, "saga.create_task", trace.WithAttributes(attribute.String("saga.id", sagaID)))
	defer span.End()

	logger := s.logger.With("saga_id", sagaID)
	j := journal{logs: s.logs, logger: logger}

	if err := j.append(ctx, sagaID, sagalog.StatusStarted, "", fmt.Sprintf("owner %s, title %q", ownerID, input.Title)); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return res, fmt.Errorf("%w: %w", ErrTaskCreation, err)
	}

	status := input.Status
	if status == "" {
		status = domain.StatusTodo
	}
	task := &domain.Task{
		ID:          uuid.NewString(),
		Title:       input.Title,
		Description: input.Description,
		OwnerID:     ownerID,
		Status:      status,
		SagaID:      sagaID,
	}

	create := NewCreateTaskStep(s.store, j, task)
	publish := NewPublishTaskCreatedStep(s.publisher, j, task)

	err := NewOrchestrator(logger, create, publish).Start(ctx)
	if err == nil {
		span.SetAttributes(attribute.String("task.id", task.ID))
		logger.InfoContext(ctx, "task created, awaiting notification outcome", "task_id", task.ID, "code", task.Code)
		res.Task = task
		return res, nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	var stepErr *StepError
	if errors.As(err, &stepErr) && stepErr.Step == create.Name() {
		_ = j.append(context.WithoutCancel(ctx), sagaID, sagalog.StatusFailed, create.Name(), stepErr.Err.Error())
		return res, fmt.Errorf("%w: %w", ErrTaskCreation, stepErr.Err)
	}
	return res, err
}
