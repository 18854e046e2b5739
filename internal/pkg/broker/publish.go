package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
)

// typed is implemented by messages that know their event type, which is
// copied to the AMQP type property.
type typed interface {
	EventType() string
}

// Publish serialises message as JSON and publishes it as a persistent,
// mandatory message, then waits for the publisher confirm.
//
// A nil error means the broker has routed the message to at least one durable
// queue. Any error means the effect did not happen: ErrUnroutable when no
// queue is bound, ErrNacked, ErrConfirmTimeout, or the channel error.
func (c *Client) Publish(ctx context.Context, exchange, routingKey string, message any) error {
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("broker: marshal message for %s/%s: %w", exchange, routingKey, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if err := c.ensurePublishChannelLocked(ctx); err != nil {
		publishTotal.WithLabelValues(exchange, routingKey, "no_channel").Inc()
		return fmt.Errorf("broker: publish to %s/%s: %w", exchange, routingKey, err)
	}

	headers := amqp.Table{}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier(headers))

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         body,
	}
	if t, ok := message.(typed); ok {
		msg.Type = t.EventType()
	}

	if err := c.pubCh.PublishWithContext(ctx, exchange, routingKey, true, false, msg); err != nil {
		publishTotal.WithLabelValues(exchange, routingKey, "error").Inc()
		c.dropPublishChannelLocked()
		return fmt.Errorf("broker: publish to %s/%s: %w", exchange, routingKey, err)
	}

	if err := c.awaitConfirmLocked(ctx, msg.MessageId); err != nil {
		publishTotal.WithLabelValues(exchange, routingKey, "failed").Inc()
		c.logger.ErrorContext(ctx, "publish not confirmed",
			"exchange", exchange, "routing_key", routingKey, "message_id", msg.MessageId, "error", err)
		return fmt.Errorf("broker: publish to %s/%s: %w", exchange, routingKey, err)
	}

	publishTotal.WithLabelValues(exchange, routingKey, "ok").Inc()
	c.logger.InfoContext(ctx, "message published",
		"exchange", exchange, "routing_key", routingKey, "type", msg.Type, "message_id", msg.MessageId)
	return nil
}

// awaitConfirmLocked waits for the confirm of the message just published.
// RabbitMQ sends basic.return before the ack of an unroutable mandatory
// message, so a return seen for messageID turns the ack into ErrUnroutable.
func (c *Client) awaitConfirmLocked(ctx context.Context, messageID string) error {
	timer := time.NewTimer(c.cfg.ConfirmTimeout)
	defer timer.Stop()

	confirms, returns := c.confirms, c.returns
	var returned *amqp.Return

	for {
		select {
		case r, ok := <-returns:
			if !ok {
				returns = nil
				continue
			}
			if r.MessageId == messageID {
				returned = &r
			}

		case conf, ok := <-confirms:
			if !ok {
				c.dropPublishChannelLocked()
				return fmt.Errorf("%w: channel closed before confirm", ErrNacked)
			}
			if !conf.Ack {
				return ErrNacked
			}
			if returned == nil && returns != nil {
				select {
				case r := <-returns:
					if r.MessageId == messageID {
						returned = &r
					}
				default:
				}
			}
			if returned != nil {
				return fmt.Errorf("%w: %d %s", ErrUnroutable, returned.ReplyCode, returned.ReplyText)
			}
			return nil

		case <-timer.C:
			c.dropPublishChannelLocked()
			return ErrConfirmTimeout

		case <-ctx.Done():
			c.dropPublishChannelLocked()
			return ctx.Err()
		}
	}
}
