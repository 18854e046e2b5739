// Package events defines the wire format exchanged between the task service
// and the notification service, and the broker topology both sides agree on.
//
// Every message is wrapped in the same envelope:
//
//	{"type": "task_created", "payload": {...}}
package events

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ErrMalformed marks a message that can never be processed. Consumers reject
// such messages without requeue.
var ErrMalformed = errors.New("events: malformed message")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Envelope is the uniform event shape. Payload stays raw until the receiver
// knows which concrete type to decode it into.
type Envelope struct {
	Type    string          `json:"type" validate:"required"`
	Payload json.RawMessage `json:"payload"`
}

// TaskCreated is the forward event published by the task service.
type TaskCreated struct {
	TaskID      string `json:"task_id" validate:"required"`
	UserID      string `json:"user_id" validate:"required"`
	Title       string `json:"title" validate:"required"`
	Description string `json:"description,omitempty"`
	SagaID      string `json:"saga_id" validate:"required"`
}

// NotificationSent is the success outcome published by the participant.
type NotificationSent struct {
	TaskID string `json:"task_id" validate:"required"`
	SagaID string `json:"saga_id" validate:"required"`
	UserID string `json:"user_id,omitempty"`
}

// NotificationFailed is the failure outcome published by the participant.
type NotificationFailed struct {
	TaskID string `json:"task_id" validate:"required"`
	SagaID string `json:"saga_id" validate:"required"`
	Reason string `json:"reason" validate:"required"`
	UserID string `json:"user_id,omitempty"`
}

// New wraps payload into an envelope of the given type.
func New(eventType string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("events: marshal %s payload: %w", eventType, err)
	}
	return Envelope{Type: eventType, Payload: raw}, nil
}

// Parse decodes and validates an envelope. Any failure wraps ErrMalformed.
func Parse(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := validate.Struct(env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return env, nil
}

// Decode unmarshals the envelope payload into T and validates it.
// Any failure wraps ErrMalformed so the consumer drops the message.
func Decode[T any](env Envelope) (T, error) {
	var out T
	if len(env.Payload) == 0 {
		return out, fmt.Errorf("%w: %s has no payload", ErrMalformed, env.Type)
	}
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		return out, fmt.Errorf("%w: %s payload: %v", ErrMalformed, env.Type, err)
	}
	if err := validate.Struct(out); err != nil {
		return out, fmt.Errorf("%w: %s payload: %v", ErrMalformed, env.Type, err)
	}
	return out, nil
}

// EventType reports the envelope type; the broker copies it into the AMQP
// message type property.
func (e Envelope) EventType() string { return e.Type }
