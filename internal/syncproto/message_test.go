package syncproto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidelog/tidelog/internal/event"
	"github.com/tidelog/tidelog/internal/seqno"
)

func TestEncode_DecodeInto(t *testing.T) {
	ev := event.Event{
		ID:       seqno.Seq{Global: 3, Local: 0},
		ParentID: seqno.Seq{Global: 2, Local: 0},
		Name:     "item/added",
		Payload:  json.RawMessage(`{"id":"a"}`),
	}

	env, err := Encode(MsgPushRequest, PushRequest{Event: ev})
	require.NoError(t, err)
	assert.Equal(t, MsgPushRequest, env.Type)

	var decoded PushRequest
	require.NoError(t, env.DecodeInto(&decoded))
	assert.Equal(t, ev, decoded.Event)
}

func TestEncode_NilPayload(t *testing.T) {
	env, err := Encode(MsgPing, nil)
	require.NoError(t, err)
	assert.Equal(t, MsgPing, env.Type)
	assert.Empty(t, env.Data)
}

func TestPullRequest_CursorOmittedMeansFromStart(t *testing.T) {
	env, err := Encode(MsgPullRequest, PullRequest{})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &raw))
	assert.NotContains(t, raw, "cursor")

	var decoded PullRequest
	require.NoError(t, env.DecodeInto(&decoded))
	assert.Nil(t, decoded.Cursor)
}

func TestEnvelope_WireShape(t *testing.T) {
	env, err := Encode(MsgWelcome, Welcome{Head: seqno.Seq{Global: 7, Local: 0}})
	require.NoError(t, err)

	wire, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"welcome","data":{"head":{"global":7,"local":0}}}`, string(wire))
}

func TestDecodeInto_Malformed(t *testing.T) {
	env := Envelope{Type: MsgPushAck, Data: json.RawMessage(`{"eventId":`)}
	var ack PushAck
	err := env.DecodeInto(&ack)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "push_ack")
}
