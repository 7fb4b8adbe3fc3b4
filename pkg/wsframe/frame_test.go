package wsframe

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishKeepsPayloadVerbatim(t *testing.T) {
	raw := []byte(`{"session":"S1","task":null,"event":"dop_news_list","params":{"err":0}}`)
	data, err := json.Marshal(Publish("events/S1", raw))
	require.NoError(t, err)

	var back Frame
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, TypePublish, back.Type)
	assert.Equal(t, "events/S1", back.Topic)
	assert.JSONEq(t, string(raw), string(back.Payload))
}

func TestHelloAndAck(t *testing.T) {
	hello, err := NewHello("CLID_1")
	require.NoError(t, err)

	var h Hello
	require.NoError(t, hello.DecodePayload(&h))
	assert.Equal(t, "CLID_1", h.ClientID)

	req := Subscribe("events/S1")
	assert.NotEmpty(t, req.ID)
	ack := Ack(req, nil)
	assert.Equal(t, req.ID, ack.ID)
	assert.Equal(t, TypeSubscriptionAck, ack.Type)
	assert.Nil(t, ack.Error)

	var untouched Hello
	assert.NoError(t, (&Frame{}).DecodePayload(&untouched))
	assert.Empty(t, untouched.ClientID)
}
