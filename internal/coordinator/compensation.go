package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jcmexdev/task-sagas/internal/coordinator/sagalog"
	"github.com/jcmexdev/task-sagas/internal/pkg/events"
	"github.com/jcmexdev/task-sagas/internal/task-service/domain"
)

// ErrOutcomeTooEarly is returned for an outcome that arrives before the
// coordinator has recorded EVENT_PUBLISHED. The consumer requeues it.
var ErrOutcomeTooEarly = errors.New("coordinator: outcome arrived before publish was recorded")

// DefaultPublishGrace is how long an outcome waits for EVENT_PUBLISHED
// before being applied to a saga still at TASK_CREATED.
const DefaultPublishGrace = 30 * time.Second

// CompensationHandler reacts to the outcome events of the notification
// participant. Every method is safe to call again with the same event.
type CompensationHandler struct {
	tasks   TaskStore
	journal journal
	grace   time.Duration
	now     func() time.Time
}

func NewCompensationHandler(tasks TaskStore, logs sagalog.Repository, logger *slog.Logger, grace time.Duration) *CompensationHandler {
	if grace <= 0 {
		grace = DefaultPublishGrace
	}
	return &CompensationHandler{
		tasks:   tasks,
		journal: journal{logs: logs, logger: logger},
		grace:   grace,
		now:     time.Now,
	}
}

// HandleNotificationFailed deletes the task of a saga whose notification
// failed. A task that is already gone is recorded as COMPENSATION_FAILED and
// treated as success. Only a failure to write the saga log is returned.
func (h *CompensationHandler) HandleNotificationFailed(ctx context.Context, evt events.NotificationFailed) error {
	ctx, span := tracer.Start(ctx, "saga.compensate", trace.WithAttributes(
		attribute.String("saga.id", evt.SagaID),
		attribute.String("task.id", evt.TaskID),
	))
	defer span.End()

	if apply, err := h.admit(ctx, events.TypeNotificationFailed, evt.SagaID); !apply || err != nil {
		return err
	}

	task, err := h.tasks.Get(ctx, evt.TaskID)
	switch {
	case errors.Is(err, domain.ErrTaskNotFound):
		return h.compensationFailed(ctx, evt,
			fmt.Sprintf("task %s not found, nothing to compensate (reason: %s)", evt.TaskID, evt.Reason))
	case err != nil:
		return h.compensationFailed(ctx, evt, fmt.Sprintf("look up task %s: %v", evt.TaskID, err))
	case task.SagaID != evt.SagaID:
		return h.compensationFailed(ctx, evt,
			fmt.Sprintf("task %s belongs to saga %s, not deleted (reason: %s)", evt.TaskID, task.SagaID, evt.Reason))
	}

	details := fmt.Sprintf("task %s deleted: %s", evt.TaskID, evt.Reason)
	entry := sagalog.NewEntry(ctx, evt.SagaID, sagalog.StatusCompensated, "", details)
	err = h.tasks.DeleteWithLog(ctx, evt.TaskID, entry)
	switch {
	case err == nil:
		h.journal.observe(ctx, evt.SagaID, sagalog.StatusCompensated, details)
		return nil
	case errors.Is(err, domain.ErrTaskNotFound):
		return h.compensationFailed(ctx, evt,
			fmt.Sprintf("task %s disappeared before delete (reason: %s)", evt.TaskID, evt.Reason))
	default:
		span.RecordError(err)
		return h.compensationFailed(ctx, evt, fmt.Sprintf("delete task %s: %v (reason: %s)", evt.TaskID, err, evt.Reason))
	}
}

func (h *CompensationHandler) compensationFailed(ctx context.Context, evt events.NotificationFailed, details string) error {
	return h.journal.append(ctx, evt.SagaID, sagalog.StatusCompensationFailed, "", details)
}

// HandleNotificationSent completes the saga. The task is left as it is.
func (h *CompensationHandler) HandleNotificationSent(ctx context.Context, evt events.NotificationSent) error {
	ctx, span := tracer.Start(ctx, "saga.complete", trace.WithAttributes(
		attribute.String("saga.id", evt.SagaID),
		attribute.String("task.id", evt.TaskID),
	))
	defer span.End()

	if apply, err := h.admit(ctx, events.TypeNotificationSent, evt.SagaID); !apply || err != nil {
		return err
	}
	return h.journal.append(ctx, evt.SagaID, sagalog.StatusCompleted, "",
		fmt.Sprintf("notification sent for task %s", evt.TaskID))
}

// admit decides from the saga's current state whether an outcome event
// should be applied, skipped, or retried later.
func (h *CompensationHandler) admit(ctx context.Context, eventType, sagaID string) (bool, error) {
	latest, err := h.journal.logs.Latest(ctx, sagaID)
	if errors.Is(err, sagalog.ErrNotFound) {
		h.ignore(ctx, eventType, sagaID, "unknown_saga")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("coordinator: read state of saga %s: %w", sagaID, err)
	}

	switch latest.Status {
	case sagalog.StatusEventPublished:
		return true, nil

	case sagalog.StatusTaskCreated:
		if h.now().Sub(latest.Timestamp) < h.grace {
			return false, ErrOutcomeTooEarly
		}
		// The coordinator died between publish and EVENT_PUBLISHED.
		return true, nil

	case sagalog.StatusCompensated:
		// A late failure still gets its COMPENSATION_FAILED no-op entry.
		if eventType == events.TypeNotificationFailed {
			return true, nil
		}
		h.ignore(ctx, eventType, sagaID, "already_compensated")
		return false, nil

	case sagalog.StatusCompleted:
		reason := "already_completed"
		if eventType == events.TypeNotificationFailed {
			reason = "completed_saga_failure"
		}
		h.ignore(ctx, eventType, sagaID, reason)
		return false, nil

	default:
		h.ignore(ctx, eventType, sagaID, "state_"+string(latest.Status))
		return false, nil
	}
}

func (h *CompensationHandler) ignore(ctx context.Context, eventType, sagaID, reason string) {
	outcomesIgnored.WithLabelValues(eventType, reason).Inc()
	h.journal.logger.WarnContext(ctx, "ignoring outcome", "type", eventType, "saga_id", sagaID, "reason", reason)
}
