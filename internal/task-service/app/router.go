// Package app wires the task service's inbound events to the compensation
// handler. The broker consumer and the deprecated HTTP callback share the
// same Router.
package app

import (
	"context"
	"log/slog"

	"github.com/jcmexdev/task-sagas/internal/pkg/broker"
	"github.com/jcmexdev/task-sagas/internal/pkg/events"
)

// OutcomeHandler is implemented by *coordinator.CompensationHandler.
type OutcomeHandler interface {
	HandleNotificationSent(ctx context.Context, evt events.NotificationSent) error
	HandleNotificationFailed(ctx context.Context, evt events.NotificationFailed) error
}

type Router struct {
	handler OutcomeHandler
	logger  *slog.Logger
}

func NewRouter(handler OutcomeHandler, logger *slog.Logger) *Router {
	return &Router{handler: handler, logger: logger}
}

// Route decodes env and dispatches it. Payloads that fail validation come
// back wrapping events.ErrMalformed. Unknown types are acknowledged and
// dropped.
func (r *Router) Route(ctx context.Context, env events.Envelope) error {
	switch env.Type {
	case events.TypeNotificationSent:
		evt, err := events.Decode[events.NotificationSent](env)
		if err != nil {
			return err
		}
		return r.handler.HandleNotificationSent(ctx, evt)

	case events.TypeNotificationFailed:
		evt, err := events.Decode[events.NotificationFailed](env)
		if err != nil {
			return err
		}
		return r.handler.HandleNotificationFailed(ctx, evt)

	default:
		r.logger.WarnContext(ctx, "ignoring unknown event type", "type", env.Type)
		return nil
	}
}

// Bindings routes both outcome events into the task service queue.
func Bindings() []broker.Binding {
	return []broker.Binding{
		{Exchange: events.NotificationEventsExchange, RoutingKey: events.RoutingKeyNotificationSent},
		{Exchange: events.NotificationEventsExchange, RoutingKey: events.RoutingKeyNotificationFailed},
	}
}

// Consumer is implemented by *broker.Client.
type Consumer interface {
	Consume(ctx context.Context, queue string, bindings []broker.Binding, handler broker.Handler) error
}

// Listen starts consuming outcome events until ctx is cancelled.
func (r *Router) Listen(ctx context.Context, consumer Consumer) error {
	return consumer.Consume(ctx, events.TaskServiceNotificationsQueue, Bindings(), r.Route)
}
