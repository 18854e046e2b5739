package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"

	"github.com/jcmexdev/task-sagas/internal/pkg/events"
)

// Binding routes messages published to Exchange with RoutingKey into a queue.
type Binding struct {
	Exchange   string
	RoutingKey string
}

// Handler processes one parsed message. Returning nil acknowledges it.
// An error wrapping events.ErrMalformed rejects it for good; any other error
// puts it back on the queue.
type Handler func(ctx context.Context, env events.Envelope) error

// Consume declares a durable queue, binds it, and starts delivering its
// messages to handler on a dedicated goroutine, one unacknowledged message at
// a time. It returns once the subscription is set up. If the broker goes
// away the goroutine keeps resubscribing for as long as it takes; it only
// stops when ctx is cancelled or the client is closed.
func (c *Client) Consume(ctx context.Context, queue string, bindings []Binding, handler Handler) error {
	ch, deliveries, err := c.subscribe(ctx, queue, bindings)
	if err != nil {
		return err
	}

	loopCtx, cancel := c.untilClosed(ctx)
	c.consumers.Add(1)
	go func() {
		defer cancel()
		c.consumeLoop(loopCtx, ch, deliveries, queue, bindings, handler)
	}()

	c.logger.InfoContext(ctx, "listening on queue", "queue", queue)
	return nil
}

func (c *Client) subscribe(ctx context.Context, queue string, bindings []Binding) (Channel, <-chan amqp.Delivery, error) {
	ch, err := c.openChannel(ctx)
	if err != nil {
		return nil, nil, err
	}

	deliveries, err := c.setupConsumer(ch, queue, bindings)
	if err != nil {
		_ = ch.Close()
		return nil, nil, err
	}
	return ch, deliveries, nil
}

func (c *Client) openChannel(ctx context.Context) (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.conn == nil || c.conn.IsClosed() {
		if err := c.redialLocked(ctx); err != nil {
			return nil, err
		}
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("broker: open consumer channel: %w", err)
	}
	return ch, nil
}

func (c *Client) setupConsumer(ch Channel, queue string, bindings []Binding) (<-chan amqp.Delivery, error) {
	if err := c.declareExchanges(ch); err != nil {
		return nil, err
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("broker: declare queue %q: %w", queue, err)
	}
	for _, b := range bindings {
		if err := ch.QueueBind(queue, b.RoutingKey, b.Exchange, false, nil); err != nil {
			return nil, fmt.Errorf("broker: bind %q to %s/%s: %w", queue, b.Exchange, b.RoutingKey, err)
		}
		c.logger.Info("queue bound", "queue", queue, "exchange", b.Exchange, "routing_key", b.RoutingKey)
	}
	// One unacknowledged message per consumer: strictly sequential
	// processing and no second push until the first is settled.
	if err := ch.Qos(1, 0, false); err != nil {
		return nil, fmt.Errorf("broker: set prefetch on %q: %w", queue, err)
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("broker: consume %q: %w", queue, err)
	}
	return deliveries, nil
}

func (c *Client) consumeLoop(
	ctx context.Context,
	ch Channel,
	deliveries <-chan amqp.Delivery,
	queue string,
	bindings []Binding,
	handler Handler,
) {
	defer c.consumers.Done()

	for {
		select {
		case <-ctx.Done():
			if !ch.IsClosed() {
				_ = ch.Close()
			}
			c.logger.Info("consumer stopped", "queue", queue)
			return

		case d, ok := <-deliveries:
			if ok {
				c.handleDelivery(ctx, queue, d, handler)
				continue
			}
			if ctx.Err() != nil || c.isClosed() {
				c.logger.Info("consumer stopped", "queue", queue)
				return
			}

			c.logger.WarnContext(ctx, "delivery channel closed, resubscribing", "queue", queue)
			next, err := c.resubscribe(ctx, queue, bindings)
			if err != nil {
				// Only cancellation or Close end the retries.
				c.logger.Info("consumer stopped while resubscribing", "queue", queue, "error", err)
				return
			}
			ch, deliveries = next.ch, next.deliveries
		}
	}
}

type subscription struct {
	ch         Channel
	deliveries <-chan amqp.Delivery
}

// resubscribe retries until a subscription is back. Each attempt dials at
// most once, so an outage of any length is ridden out.
func (c *Client) resubscribe(ctx context.Context, queue string, bindings []Binding) (subscription, error) {
	attempt := 0
	return backoff.Retry(ctx, func() (subscription, error) {
		attempt++
		if c.isClosed() {
			return subscription{}, backoff.Permanent(ErrClosed)
		}
		ch, deliveries, err := c.subscribe(ctx, queue, bindings)
		if err != nil {
			return subscription{}, err
		}
		c.logger.InfoContext(ctx, "consumer resubscribed", "queue", queue, "attempts", attempt)
		return subscription{ch: ch, deliveries: deliveries}, nil
	},
		backoff.WithBackOff(c.backOff()),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.WarnContext(ctx, "resubscribe failed", "queue", queue, "attempt", attempt, "error", err, "retry_in", next)
		}),
	)
}

// untilClosed derives a context that is also cancelled by Close.
func (c *Client) untilClosed(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// handleDelivery applies the acknowledgement discipline: malformed messages
// are dropped, handler failures are requeued, everything else is acked.
func (c *Client) handleDelivery(ctx context.Context, queue string, d amqp.Delivery, handler Handler) {
	msgCtx := otel.GetTextMapPropagator().Extract(ctx, headerCarrier(d.Headers))

	env, err := events.Parse(d.Body)
	if err != nil {
		c.logger.ErrorContext(msgCtx, "rejecting malformed message",
			"queue", queue, "message_id", d.MessageId, "error", err)
		c.settle(msgCtx, queue, d, outcomeDrop)
		return
	}

	c.logger.InfoContext(msgCtx, "message received",
		"queue", queue, "type", env.Type, "message_id", d.MessageId, "redelivered", d.Redelivered)

	if err := callHandler(msgCtx, handler, env); err != nil {
		if errors.Is(err, events.ErrMalformed) {
			c.logger.ErrorContext(msgCtx, "rejecting message with invalid payload",
				"queue", queue, "type", env.Type, "error", err)
			c.settle(msgCtx, queue, d, outcomeDrop)
			return
		}
		c.logger.WarnContext(msgCtx, "handler failed, requeueing",
			"queue", queue, "type", env.Type, "error", err)
		c.settle(msgCtx, queue, d, outcomeRequeue)
		return
	}

	c.settle(msgCtx, queue, d, outcomeAck)
}

func (c *Client) settle(ctx context.Context, queue string, d amqp.Delivery, outcome string) {
	var err error
	switch outcome {
	case outcomeAck:
		err = d.Ack(false)
	case outcomeRequeue:
		err = d.Nack(false, true)
	default:
		err = d.Nack(false, false)
	}
	if err != nil {
		c.logger.ErrorContext(ctx, "could not settle delivery", "queue", queue, "outcome", outcome, "error", err)
		return
	}
	deliveriesTotal.WithLabelValues(queue, outcome).Inc()
}

// callHandler turns a handler panic into an error so the message is
// requeued instead of killing the consumer goroutine.
func callHandler(ctx context.Context, handler Handler, env events.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("broker: handler panic: %v", r)
		}
	}()
	return handler(ctx, env)
}
