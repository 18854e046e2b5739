package app

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/task-sagas/internal/pkg/broker"
	"github.com/jcmexdev/task-sagas/internal/pkg/events"
)

type fakeOutcomes struct {
	sent   []events.NotificationSent
	failed []events.NotificationFailed
	err    error
}

func (f *fakeOutcomes) HandleNotificationSent(_ context.Context, evt events.NotificationSent) error {
	f.sent = append(f.sent, evt)
	return f.err
}

func (f *fakeOutcomes) HandleNotificationFailed(_ context.Context, evt events.NotificationFailed) error {
	f.failed = append(f.failed, evt)
	return f.err
}

func envelope(t *testing.T, eventType string, payload any) events.Envelope {
	t.Helper()
	env, err := events.New(eventType, payload)
	require.NoError(t, err)
	return env
}

func TestRouteDispatchesOutcomes(t *testing.T) {
	outcomes := &fakeOutcomes{}
	r := NewRouter(outcomes, slog.New(slog.DiscardHandler))
	ctx := context.Background()

	require.NoError(t, r.Route(ctx, envelope(t, events.TypeNotificationSent,
		events.NotificationSent{TaskID: "t1", SagaID: "s1"})))
	require.NoError(t, r.Route(ctx, envelope(t, events.TypeNotificationFailed,
		events.NotificationFailed{TaskID: "t2", SagaID: "s2", Reason: "timeout"})))

	assert.Equal(t, []events.NotificationSent{{TaskID: "t1", SagaID: "s1"}}, outcomes.sent)
	assert.Equal(t, []events.NotificationFailed{{TaskID: "t2", SagaID: "s2", Reason: "timeout"}}, outcomes.failed)
}

func TestRouteRejectsInvalidPayload(t *testing.T) {
	outcomes := &fakeOutcomes{}
	r := NewRouter(outcomes, slog.New(slog.DiscardHandler))

	err := r.Route(context.Background(), envelope(t, events.TypeNotificationFailed,
		map[string]string{"task_id": "t1", "saga_id": "s1"}))

	assert.ErrorIs(t, err, events.ErrMalformed)
	assert.Empty(t, outcomes.failed)
}

func TestRouteIgnoresUnknownTypes(t *testing.T) {
	outcomes := &fakeOutcomes{}
	r := NewRouter(outcomes, slog.New(slog.DiscardHandler))

	assert.NoError(t, r.Route(context.Background(), envelope(t, "task_archived", map[string]string{})))
	assert.Empty(t, outcomes.sent)
	assert.Empty(t, outcomes.failed)
}

func TestRoutePropagatesHandlerErrors(t *testing.T) {
	outcomes := &fakeOutcomes{err: errors.New("database is locked")}
	r := NewRouter(outcomes, slog.New(slog.DiscardHandler))

	err := r.Route(context.Background(), envelope(t, events.TypeNotificationSent,
		events.NotificationSent{TaskID: "t1", SagaID: "s1"}))
	assert.ErrorContains(t, err, "locked")
	assert.NotErrorIs(t, err, events.ErrMalformed)
}

type fakeConsumer struct {
	queue    string
	bindings []broker.Binding
}

func (c *fakeConsumer) Consume(_ context.Context, queue string, bindings []broker.Binding, _ broker.Handler) error {
	c.queue, c.bindings = queue, bindings
	return nil
}

func TestListenBindsOutcomeQueue(t *testing.T) {
	c := &fakeConsumer{}
	r := NewRouter(&fakeOutcomes{}, slog.New(slog.DiscardHandler))

	require.NoError(t, r.Listen(context.Background(), c))
	assert.Equal(t, events.TaskServiceNotificationsQueue, c.queue)
	assert.ElementsMatch(t, []broker.Binding{
		{Exchange: events.NotificationEventsExchange, RoutingKey: events.RoutingKeyNotificationSent},
		{Exchange: events.NotificationEventsExchange, RoutingKey: events.RoutingKeyNotificationFailed},
	}, c.bindings)
}
