// Package app is the notification participant of the task saga. For every
// task_created it consumes, it publishes exactly one outcome event,
// notification_sent or notification_failed, carrying the same task and saga
// ids. That holds for its own errors and panics too, so the task service is
// never left waiting.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jcmexdev/task-sagas/internal/pkg/cache"
	"github.com/jcmexdev/task-sagas/internal/pkg/events"
)

const outcomeOperation = "outcome"

var outcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "notification_outcomes_total",
	Help: "Outcome events published by the notification participant, by type and whether they were replayed",
}, []string{"type", "replayed"})

// Publisher is implemented by *broker.Client.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, message any) error
}

// outcome is the decision remembered per saga so a redelivered
// task_created republishes it instead of deciding again.
type outcome struct {
	Failed bool   `json:"failed"`
	Reason string `json:"reason,omitempty"`
}

type Participant struct {
	policy    FailurePolicy
	notifier  Notifier
	publisher Publisher
	cache     cache.Cache
	ttl       time.Duration
	logger    *slog.Logger
}

// NewParticipant builds the participant. outcomes may be nil, in which case a
// redelivery is decided afresh.
func NewParticipant(policy FailurePolicy, notifier Notifier, publisher Publisher, outcomes cache.Cache, ttl time.Duration, logger *slog.Logger) *Participant {
	return &Participant{
		policy:    policy,
		notifier:  notifier,
		publisher: publisher,
		cache:     outcomes,
		ttl:       ttl,
		logger:    logger,
	}
}

// HandleTaskCreated notifies the owner of a new task and reports the
// result. The returned error is only ever a publish failure, which makes
// the broker redeliver the task_created.
func (p *Participant) HandleTaskCreated(ctx context.Context, evt events.TaskCreated) error {
	out, replayed := p.recall(ctx, evt.SagaID)
	if !replayed {
		out = p.deliver(ctx, evt)
		p.remember(ctx, evt.SagaID, out)
	}
	return p.report(ctx, evt.TaskID, evt.SagaID, evt.UserID, out, replayed)
}

// deliver applies the failure policy and calls the notifier.
func (p *Participant) deliver(ctx context.Context, evt events.TaskCreated) outcome {
	if d := p.policy.Decide(evt); d.Fail {
		p.logger.WarnContext(ctx, "notification failed by policy", "saga_id", evt.SagaID, "reason", d.Reason)
		return outcome{Failed: true, Reason: d.Reason}
	}
	if err := p.safeNotify(ctx, evt); err != nil {
		p.logger.ErrorContext(ctx, "notifier failed", "saga_id", evt.SagaID, "error", err)
		return outcome{Failed: true, Reason: err.Error()}
	}
	return outcome{}
}

func (p *Participant) safeNotify(ctx context.Context, evt events.TaskCreated) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("notifier panic: %v", r)
		}
	}()
	return p.notifier.Notify(ctx, evt)
}

func (p *Participant) report(ctx context.Context, taskID, sagaID, userID string, out outcome, replayed bool) error {
	var (
		env events.Envelope
		err error
	)
	if out.Failed {
		env, err = events.New(events.TypeNotificationFailed, events.NotificationFailed{
			TaskID: taskID, SagaID: sagaID, Reason: out.Reason, UserID: userID,
		})
	} else {
		env, err = events.New(events.TypeNotificationSent, events.NotificationSent{
			TaskID: taskID, SagaID: sagaID, UserID: userID,
		})
	}
	if err != nil {
		return err
	}
	routingKey, ok := events.RoutingKeyFor(env.Type)
	if !ok {
		return fmt.Errorf("no routing key for %s", env.Type)
	}

	if err := p.publisher.Publish(ctx, events.NotificationEventsExchange, routingKey, env); err != nil {
		return fmt.Errorf("publish %s for saga %s: %w", env.Type, sagaID, err)
	}
	outcomesTotal.WithLabelValues(env.Type, fmt.Sprint(replayed)).Inc()
	p.logger.InfoContext(ctx, "outcome published", "type", env.Type, "saga_id", sagaID, "task_id", taskID, "replayed", replayed)
	return nil
}

func (p *Participant) recall(ctx context.Context, sagaID string) (outcome, bool) {
	if p.cache == nil {
		return outcome{}, false
	}
	raw, err := p.cache.Get(ctx, p.cache.GenerateKey(outcomeOperation, sagaID))
	if err != nil {
		p.logger.WarnContext(ctx, "outcome cache unavailable", "saga_id", sagaID, "error", err)
		return outcome{}, false
	}
	if raw == "" {
		return outcome{}, false
	}
	var out outcome
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		p.logger.WarnContext(ctx, "discarding unreadable cached outcome", "saga_id", sagaID, "error", err)
		return outcome{}, false
	}
	return out, true
}

func (p *Participant) remember(ctx context.Context, sagaID string, out outcome) {
	if p.cache == nil {
		return
	}
	raw, _ := json.Marshal(out)
	if err := p.cache.Set(ctx, p.cache.GenerateKey(outcomeOperation, sagaID), string(raw), p.ttl); err != nil {
		p.logger.WarnContext(ctx, "could not cache outcome", "saga_id", sagaID, "error", err)
	}
}
