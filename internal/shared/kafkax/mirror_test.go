package kafkax_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k1networth/orderflow/internal/shared/events"
	"github.com/k1networth/orderflow/internal/shared/kafkax"
)

func TestMessageForKeysByAggregate(t *testing.T) {
	env, fields, err := events.Encode(events.TypeOrderCreated, map[string]string{"order_id": "o-1"},
		events.WithAggregate(events.AggregateOrder, "o-1"))
	require.NoError(t, err)

	msg, err := kafkax.MessageFor("orders", env, fields)
	require.NoError(t, err)

	assert.Equal(t, "o-1", string(msg.Key))
	assert.Equal(t, fields[events.FieldEvent], string(msg.Value))
	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, env.EventID, headers["event_id"])
	assert.Equal(t, events.TypeOrderCreated, headers["event_type"])
	assert.Equal(t, "orders", headers["stream"])
	assert.True(t, msg.Time.Equal(env.OccurredAt))
}

func TestMessageForFallsBackToEventID(t *testing.T) {
	env, fields, err := events.Encode(events.TypeOrderCreated, map[string]string{"order_id": "o-1"})
	require.NoError(t, err)

	msg, err := kafkax.MessageFor("orders", env, fields)
	require.NoError(t, err)
	assert.Equal(t, env.EventID, string(msg.Key))
}

func TestMessageForRequiresEncodedBody(t *testing.T) {
	env, err := events.New(events.TypeOrderCreated, map[string]string{"order_id": "o-1"})
	require.NoError(t, err)

	_, err = kafkax.MessageFor("orders", env, map[string]any{})
	assert.True(t, errors.Is(err, events.ErrMalformedEnvelope))
}
