package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/jcmexdev/task-sagas/internal/coordinator/sagalog"
	"github.com/jcmexdev/task-sagas/internal/pkg/events"
	"github.com/jcmexdev/task-sagas/internal/task-service/domain"
)

// --- CreateTaskStep ---

// CreateTaskStep inserts the task and its TASK_CREATED entry in one
// transaction. Its compensation deletes the task with a COMPENSATED entry.
type CreateTaskStep struct {
	store   TaskStore
	journal journal
	task    *domain.Task
}

func NewCreateTaskStep(store TaskStore, j journal, task *domain.Task) *CreateTaskStep {
	return &CreateTaskStep{store: store, journal: j, task: task}
}

func (s *CreateTaskStep) Name() string { return "Create_Task_Step" }

func (s *CreateTaskStep) Execute(ctx context.Context) error {
	details := fmt.Sprintf("task %s created", s.task.ID)
	entry := sagalog.NewEntry(ctx, s.task.SagaID, sagalog.StatusTaskCreated, s.Name(), details)
	if err := s.store.CreateWithLog(ctx, s.task, entry); err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	s.journal.observe(ctx, s.task.SagaID, sagalog.StatusTaskCreated, details+" with code "+s.task.Code)
	return nil
}

func (s *CreateTaskStep) Compensate(ctx context.Context, cause error) error {
	// The rollback must finish even if the caller has gone away.
	ctx = context.WithoutCancel(ctx)

	details := fmt.Sprintf("task %s deleted: %v", s.task.ID, cause)
	entry := sagalog.NewEntry(ctx, s.task.SagaID, sagalog.StatusCompensated, s.Name(), details)
	err := s.store.DeleteWithLog(ctx, s.task.ID, entry)
	if err == nil {
		s.journal.observe(ctx, s.task.SagaID, sagalog.StatusCompensated, details)
		return nil
	}

	failed := fmt.Sprintf("could not delete task %s: %v (after: %v)", s.task.ID, err, cause)
	if logErr := s.journal.append(ctx, s.task.SagaID, sagalog.StatusCompensationFailed, s.Name(), failed); logErr != nil {
		return errors.Join(err, logErr)
	}
	return err
}

// --- PublishTaskCreatedStep ---

// PublishTaskCreatedStep publishes task_created and waits for the broker
// confirm only; the participant's outcome arrives later on its own queue.
type PublishTaskCreatedStep struct {
	publisher Publisher
	journal   journal
	task      *domain.Task
}

func NewPublishTaskCreatedStep(publisher Publisher, j journal, task *domain.Task) *PublishTaskCreatedStep {
	return &PublishTaskCreatedStep{publisher: publisher, journal: j, task: task}
}

func (s *PublishTaskCreatedStep) Name() string { return "Publish_Task_Created_Step" }

func (s *PublishTaskCreatedStep) Execute(ctx context.Context) error {
	env, err := events.New(events.TypeTaskCreated, events.TaskCreated{
		TaskID:      s.task.ID,
		UserID:      s.task.OwnerID,
		Title:       s.task.Title,
		Description: s.task.Description,
		SagaID:      s.task.SagaID,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPublish, err)
	}

	routingKey, ok := events.RoutingKeyFor(env.Type)
	if !ok {
		return fmt.Errorf("%w: no routing key for %s", ErrPublish, env.Type)
	}
	if err := s.publisher.Publish(ctx, events.TaskEventsExchange, routingKey, env); err != nil {
		return fmt.Errorf("%w: %w", ErrPublish, err)
	}

	// The event is out. Losing this entry must not roll the task back, so
	// the error is only logged.
	details := fmt.Sprintf("%s published to %s", events.TypeTaskCreated, events.TaskEventsExchange)
	_ = s.journal.append(ctx, s.task.SagaID, sagalog.StatusEventPublished, s.Name(), details)
	return nil
}

// Compensate has nothing to undo: a step that failed was never recorded as
// done, and a confirmed message cannot be recalled.
func (s *PublishTaskCreatedStep) Compensate(context.Context, error) error { return nil }
