package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/task-sagas/internal/pkg/broker"
	"github.com/jcmexdev/task-sagas/internal/pkg/events"
)

type published struct {
	routingKey string
	env        events.Envelope
}

type fakePublisher struct {
	mu   sync.Mutex
	errs []error
	out  []published
}

func (p *fakePublisher) Publish(_ context.Context, exchange, routingKey string, message any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if exchange != events.NotificationEventsExchange {
		return fmt.Errorf("unexpected exchange %s", exchange)
	}
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return err
		}
	}
	p.out = append(p.out, published{routingKey: routingKey, env: message.(events.Envelope)})
	return nil
}

type memCache struct {
	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
	err  error
}

func newMemCache() *memCache {
	return &memCache{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (c *memCache) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.data[key] = value.(string)
	c.ttls[key] = ttl
	return nil
}

func (c *memCache) Get(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return "", c.err
	}
	return c.data[key], nil
}

func (c *memCache) GenerateKey(operation, key string) string { return "test:" + operation + ":" + key }

type notifierFunc func(ctx context.Context, evt events.TaskCreated) error

func (f notifierFunc) Notify(ctx context.Context, evt events.TaskCreated) error { return f(ctx, evt) }

var okNotifier = notifierFunc(func(context.Context, events.TaskCreated) error { return nil })

var created = events.TaskCreated{TaskID: "task-1", UserID: "42", Title: "write report", SagaID: "saga-1"}

func newParticipant(policy FailurePolicy, n Notifier, pub Publisher, c *memCache) *Participant {
	p := NewParticipant(policy, n, pub, nil, time.Hour, slog.New(slog.DiscardHandler))
	if c != nil {
		p.cache = c
	}
	return p
}

func TestParticipantPublishesSent(t *testing.T) {
	pub := &fakePublisher{}
	p := newParticipant(AlwaysSucceed(), okNotifier, pub, nil)

	require.NoError(t, p.HandleTaskCreated(context.Background(), created))

	require.Len(t, pub.out, 1)
	assert.Equal(t, events.RoutingKeyNotificationSent, pub.out[0].routingKey)
	evt, err := events.Decode[events.NotificationSent](pub.out[0].env)
	require.NoError(t, err)
	assert.Equal(t, events.NotificationSent{TaskID: "task-1", SagaID: "saga-1", UserID: "42"}, evt)
}

func TestParticipantAlwaysReportsOneOutcome(t *testing.T) {
	tests := []struct {
		name     string
		policy   FailurePolicy
		notifier Notifier
		reason   string
	}{
		{"policy failure", AlwaysFail("timeout"), okNotifier, "timeout"},
		{"notifier error", AlwaysSucceed(), notifierFunc(func(context.Context, events.TaskCreated) error {
			return errors.New("smtp: 421 service not available")
		}), "smtp: 421"},
		{"notifier panic", AlwaysSucceed(), notifierFunc(func(context.Context, events.TaskCreated) error {
			panic("nil template")
		}), "notifier panic: nil template"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &fakePublisher{}
			p := newParticipant(tt.policy, tt.notifier, pub, nil)

			require.NoError(t, p.HandleTaskCreated(context.Background(), created))

			require.Len(t, pub.out, 1)
			assert.Equal(t, events.RoutingKeyNotificationFailed, pub.out[0].routingKey)
			evt, err := events.Decode[events.NotificationFailed](pub.out[0].env)
			require.NoError(t, err)
			assert.Equal(t, "task-1", evt.TaskID)
			assert.Equal(t, "saga-1", evt.SagaID)
			assert.Contains(t, evt.Reason, tt.reason)
		})
	}
}

func TestParticipantReturnsPublishFailure(t *testing.T) {
	pub := &fakePublisher{errs: []error{broker.ErrConfirmTimeout}}
	p := newParticipant(AlwaysSucceed(), okNotifier, pub, nil)

	err := p.HandleTaskCreated(context.Background(), created)
	assert.ErrorIs(t, err, broker.ErrConfirmTimeout)
	assert.Empty(t, pub.out)
}

func TestRedeliveryReplaysCachedOutcome(t *testing.T) {
	c := newMemCache()
	pub := &fakePublisher{errs: []error{broker.ErrUnroutable}}
	var calls int
	policy := PolicyFunc(func(events.TaskCreated) Decision {
		calls++
		if calls == 1 {
			return Decision{Fail: true, Reason: "timeout"}
		}
		return Decision{}
	})
	p := newParticipant(policy, okNotifier, pub, c)
	ctx := context.Background()

	require.Error(t, p.HandleTaskCreated(ctx, created))
	require.NoError(t, p.HandleTaskCreated(ctx, created))

	assert.Equal(t, 1, calls)
	require.Len(t, pub.out, 1)
	assert.Equal(t, events.RoutingKeyNotificationFailed, pub.out[0].routingKey)
	assert.Equal(t, time.Hour, c.ttls["test:outcome:saga-1"])
}

func TestCacheOutageFallsBackToDeciding(t *testing.T) {
	c := newMemCache()
	c.err = errors.New("connection refused")
	pub := &fakePublisher{}
	p := newParticipant(AlwaysSucceed(), okNotifier, pub, c)

	require.NoError(t, p.HandleTaskCreated(context.Background(), created))
	require.Len(t, pub.out, 1)
}

func TestFailureRate(t *testing.T) {
	evt := events.TaskCreated{}

	never := FailureRate(0, rand.New(rand.NewPCG(1, 2)))
	always := FailureRate(1, rand.New(rand.NewPCG(1, 2)))
	for i := 0; i < 100; i++ {
		assert.False(t, never.Decide(evt).Fail)
		d := always.Decide(evt)
		assert.True(t, d.Fail)
		assert.Contains(t, failureReasons, d.Reason)
	}

	half := FailureRate(0.5, rand.New(rand.NewPCG(7, 7)))
	failed := 0
	for i := 0; i < 1000; i++ {
		if half.Decide(evt).Fail {
			failed++
		}
	}
	assert.InDelta(t, 500, failed, 100)
}

func TestRouterHandlesTaskCreated(t *testing.T) {
	pub := &fakePublisher{}
	r := NewRouter(newParticipant(AlwaysSucceed(), okNotifier, pub, nil), slog.New(slog.DiscardHandler))

	env, err := events.New(events.TypeTaskCreated, created)
	require.NoError(t, err)
	require.NoError(t, r.Route(context.Background(), env))
	assert.Len(t, pub.out, 1)
}

func TestRouterReportsInvalidButIdentifiableTask(t *testing.T) {
	pub := &fakePublisher{}
	r := NewRouter(newParticipant(AlwaysSucceed(), okNotifier, pub, nil), slog.New(slog.DiscardHandler))

	env, err := events.New(events.TypeTaskCreated, map[string]string{"task_id": "task-1", "saga_id": "saga-1"})
	require.NoError(t, err)
	require.NoError(t, r.Route(context.Background(), env))

	require.Len(t, pub.out, 1)
	evt, err := events.Decode[events.NotificationFailed](pub.out[0].env)
	require.NoError(t, err)
	assert.Contains(t, evt.Reason, "invalid task_created")
}

func TestRouterDropsUnidentifiablePayload(t *testing.T) {
	pub := &fakePublisher{}
	r := NewRouter(newParticipant(AlwaysSucceed(), okNotifier, pub, nil), slog.New(slog.DiscardHandler))

	env, err := events.New(events.TypeTaskCreated, map[string]string{"title": "x"})
	require.NoError(t, err)

	assert.ErrorIs(t, r.Route(context.Background(), env), events.ErrMalformed)
	assert.Empty(t, pub.out)
}

func TestRouterIgnoresOtherTypes(t *testing.T) {
	pub := &fakePublisher{}
	r := NewRouter(newParticipant(AlwaysSucceed(), okNotifier, pub, nil), slog.New(slog.DiscardHandler))

	assert.NoError(t, r.Route(context.Background(), events.Envelope{Type: "task_archived"}))
	assert.Empty(t, pub.out)
}

type fakeConsumer struct {
	queue    string
	bindings []broker.Binding
}

func (c *fakeConsumer) Consume(_ context.Context, queue string, bindings []broker.Binding, _ broker.Handler) error {
	c.queue, c.bindings = queue, bindings
	return nil
}

func TestListenBindsTaskCreated(t *testing.T) {
	c := &fakeConsumer{}
	r := NewRouter(newParticipant(AlwaysSucceed(), okNotifier, &fakePublisher{}, nil), slog.New(slog.DiscardHandler))

	require.NoError(t, r.Listen(context.Background(), c))
	assert.Equal(t, events.NotificationServiceTasksQueue, c.queue)
	assert.Equal(t, []broker.Binding{{Exchange: events.TaskEventsExchange, RoutingKey: events.RoutingKeyTaskCreated}}, c.bindings)
}
