package events

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantType  string
		malformed bool
	}{
		{name: "valid", body: `{"type":"notification_sent","payload":{"task_id":"t","saga_id":"s"}}`, wantType: TypeNotificationSent},
		{name: "unknown type is still well formed", body: `{"type":"audit_ping","payload":{}}`, wantType: "audit_ping"},
		{name: "not json", body: `{"type":`, malformed: true},
		{name: "missing type", body: `{"payload":{}}`, malformed: true},
		{name: "array body", body: `[1,2,3]`, malformed: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := Parse([]byte(tt.body))
			if tt.malformed {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrMalformed))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, env.Type)
		})
	}
}

func TestDecodeValidatesRequiredFields(t *testing.T) {
	env, err := Parse([]byte(`{"type":"notification_failed","payload":{"task_id":"t1","saga_id":"s1"}}`))
	require.NoError(t, err)

	_, err = Decode[NotificationFailed](env)
	require.ErrorIs(t, err, ErrMalformed)

	env, err = New(TypeNotificationFailed, NotificationFailed{TaskID: "t1", SagaID: "s1", Reason: "timeout"})
	require.NoError(t, err)

	got, err := Decode[NotificationFailed](env)
	require.NoError(t, err)
	assert.Equal(t, "timeout", got.Reason)
}

func TestDecodeWithoutPayload(t *testing.T) {
	_, err := Decode[TaskCreated](Envelope{Type: TypeTaskCreated})
	require.ErrorIs(t, err, ErrMalformed)
}

func TestRoutingKeyFor(t *testing.T) {
	key, ok := RoutingKeyFor(TypeNotificationFailed)
	require.True(t, ok)
	assert.Equal(t, RoutingKeyNotificationFailed, key)

	_, ok = RoutingKeyFor("nope")
	assert.False(t, ok)
}
