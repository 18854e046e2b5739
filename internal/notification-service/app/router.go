package app

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/jcmexdev/task-sagas/internal/pkg/broker"
	"github.com/jcmexdev/task-sagas/internal/pkg/events"
)

type Router struct {
	participant *Participant
	logger      *slog.Logger
}

func NewRouter(participant *Participant, logger *slog.Logger) *Router {
	return &Router{participant: participant, logger: logger}
}

// Route handles task_created. A payload that fails validation but still
// names its task and saga is answered with notification_failed, so the saga
// is compensated rather than left waiting; anything less is malformed.
func (r *Router) Route(ctx context.Context, env events.Envelope) error {
	if env.Type != events.TypeTaskCreated {
		r.logger.WarnContext(ctx, "ignoring unknown event type", "type", env.Type)
		return nil
	}

	evt, err := events.Decode[events.TaskCreated](env)
	if err == nil {
		return r.participant.HandleTaskCreated(ctx, evt)
	}

	var partial events.TaskCreated
	if json.Unmarshal(env.Payload, &partial) != nil || partial.TaskID == "" || partial.SagaID == "" {
		return err
	}
	r.logger.WarnContext(ctx, "task_created failed validation, reporting failure", "saga_id", partial.SagaID, "error", err)
	return r.participant.report(ctx, partial.TaskID, partial.SagaID, partial.UserID,
		outcome{Failed: true, Reason: "invalid task_created: " + err.Error()}, false)
}

// Consumer is implemented by *broker.Client.
type Consumer interface {
	Consume(ctx context.Context, queue string, bindings []broker.Binding, handler broker.Handler) error
}

// Listen starts consuming task_created until ctx is cancelled.
func (r *Router) Listen(ctx context.Context, consumer Consumer) error {
	return consumer.Consume(ctx, events.NotificationServiceTasksQueue, []broker.Binding{
		{Exchange: events.TaskEventsExchange, RoutingKey: events.RoutingKeyTaskCreated},
	}, r.Route)
}
