// Package syncproto defines the wire contract between a client's leader
// engine and the sync backend: push/pull/ack messages, cursor-based
// resumption, and server broadcast of accepted pushes.
//
// Messages are transport-agnostic JSON envelopes; any binding that
// preserves per-connection message ordering and request/response
// correlation can carry them. The websocket binding lives in conn.go.
package syncproto

import (
	"encoding/json"
	"fmt"

	"github.com/tidelog/tidelog/internal/event"
	"github.com/tidelog/tidelog/internal/seqno"
)

// MsgType discriminates envelope payloads.
type MsgType string

const (
	MsgHello         MsgType = "hello"
	MsgWelcome       MsgType = "welcome"
	MsgPullRequest   MsgType = "pull_req"
	MsgPullResponse  MsgType = "pull_resp"
	MsgPushRequest   MsgType = "push_req"
	MsgPushAck       MsgType = "push_ack"
	MsgPushBroadcast MsgType = "push_broadcast"
	MsgError         MsgType = "error"
	MsgPing          MsgType = "ping"
	MsgPong          MsgType = "pong"
)

// Envelope is the outer frame for every protocol message.
type Envelope struct {
	Type MsgType         `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Hello opens a session: it names the store and carries the opaque auth
// payload handed to the backend's authorization hook.
type Hello struct {
	StoreID string          `json:"storeId"`
	Auth    json.RawMessage `json:"auth,omitempty"`
}

// Welcome answers a successful Hello with the backend's current head.
type Welcome struct {
	Head seqno.Seq `json:"head"`
}

// PullRequest asks for events after Cursor; a nil cursor means from the
// beginning of the log.
type PullRequest struct {
	Cursor *seqno.Seq `json:"cursor,omitempty"`
}

// PullResponse carries one page of events. HasMore obliges the client to
// issue another PullRequest cursored at the last received event's id.
type PullResponse struct {
	Events  []event.Event `json:"events"`
	HasMore bool          `json:"hasMore"`
}

// PushRequest submits one locally committed global event for
// authoritative sequencing.
type PushRequest struct {
	Event event.Event `json:"event"`
}

// PushAck confirms a push after the backend has durably appended and
// globally sequenced the event. EventID is the authoritative id, which
// may differ from the id the client proposed.
type PushAck struct {
	EventID seqno.Seq `json:"eventId"`
}

// PushBroadcast fans an accepted push out to the other connected
// sessions of the same store.
type PushBroadcast struct {
	Event event.Event `json:"event"`
}

// Error codes returned by the backend.
const (
	ErrCodeAuthRejected = "auth_rejected"
	ErrCodeMalformed    = "malformed"
	ErrCodeBadStore     = "bad_store"
	ErrCodeInternal     = "internal"
)

// ErrorMsg is a typed, client-visible protocol error.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Encode wraps a payload in an envelope of the given type.
func Encode(t MsgType, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: t}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", t, err)
	}
	return Envelope{Type: t, Data: data}, nil
}

// DecodeInto unmarshals the envelope payload into v.
func (e Envelope) DecodeInto(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", e.Type, err)
	}
	return nil
}
