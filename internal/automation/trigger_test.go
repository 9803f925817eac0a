package automation

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelopeCarriesCorrelationID(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "req-42")
	env := NewEnvelope(ctx, EventMessageReceived, map[string]string{"conversation_id": "c1"})

	assert.Equal(t, "req-42", env.Meta.CorrelationID)
	assert.Equal(t, EventMessageReceived, env.Meta.Type)
	assert.Equal(t, producer, env.Meta.Producer)
	assert.NotEmpty(t, env.Meta.ID)

	body, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded map[string]map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "c1", decoded["data"]["conversation_id"])
	assert.Equal(t, "message.received", decoded["meta"]["type"])
}

func TestNewEnvelopeGeneratesCorrelationID(t *testing.T) {
	a := NewEnvelope(context.Background(), EventMessageSent, nil)
	b := NewEnvelope(context.Background(), EventMessageSent, nil)
	assert.NotEmpty(t, a.Meta.CorrelationID)
	assert.NotEqual(t, a.Meta.ID, b.Meta.ID)
}

func TestNopNeverFails(t *testing.T) {
	var tr Trigger = Nop{}
	assert.NoError(t, tr.Trigger(context.Background(), EventMessageReceived, struct{}{}))
	assert.NoError(t, tr.Close())
}
