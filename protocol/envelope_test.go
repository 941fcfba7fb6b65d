package protocol

import (
	"encoding/json"
	"testing"

	"github.com/ground-x/blmsg/ids"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeValidateRejectsMissingFields(t *testing.T) {
	e := &Envelope{MessageType: AsyncRpcDispatch}
	err := e.Validate()
	require.Error(t, err)
}

func TestEnvelopeJSONRoundTrip(t *testing.T) {
	src := ids.New()
	e := Envelope{
		MessageType:    AsyncRpcDispatch,
		MessageID:      ids.New(),
		ConversationID: ids.New(),
		SourcePeerID:   &src,
		Payload: &Payload{
			AsyncRpcRequest: json.RawMessage(`{"x":1}`),
		},
	}
	data, err := json.Marshal(e)
	require.NoError(t, err)

	var out Envelope
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, e.MessageType, out.MessageType)
	assert.Equal(t, e.MessageID, out.MessageID)
	assert.Equal(t, e.ConversationID, out.ConversationID)
	assert.Equal(t, *e.SourcePeerID, *out.SourcePeerID)
	assert.JSONEq(t, `{"x":1}`, string(out.Payload.AsyncRpcRequest))
}

func TestEnvelopePreservesUnmappedFields(t *testing.T) {
	raw := `{
		"messageType": "AsyncNotification",
		"messageId": "` + ids.New().String() + `",
		"conversationId": "` + ids.New().String() + `",
		"futureField": {"nested": true}
	}`
	var e Envelope
	require.NoError(t, json.Unmarshal([]byte(raw), &e))
	require.Contains(t, e.Unmapped, "futureField")

	out, err := json.Marshal(e)
	require.NoError(t, err)

	var roundTripped map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &roundTripped))
	assert.JSONEq(t, `{"nested":true}`, string(roundTripped["futureField"]))
}

func TestEnvelopeRejectsUnknownMessageType(t *testing.T) {
	e := &Envelope{
		MessageType:    "NotARealType",
		MessageID:      ids.New(),
		ConversationID: ids.New(),
	}
	assert.Error(t, e.Validate())
}
