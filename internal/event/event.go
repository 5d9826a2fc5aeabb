// Package event defines the immutable event record appended to the log,
// the proposal form callers hand to the engine, and the relational write
// operations materializers produce from events.
package event

import (
	"encoding/json"
	"fmt"

	"github.com/tidelog/tidelog/internal/seqno"
)

// RawWriteEventName is the reserved event name whose payload carries a
// pre-built write operation directly, bypassing the materializer
// registry. Used for ad-hoc and administrative writes.
const RawWriteEventName = "$raw"

// Event is a single immutable, ordered fact in the log.
//
// ParentID equals the id of the event immediately preceding it in the
// assigning client's view of the log; the back-reference lets a receiver
// detect gaps or stale rebases.
type Event struct {
	ID       seqno.Seq       `json:"id"`
	ParentID seqno.Seq       `json:"parentId"`
	Name     string          `json:"name"`
	Payload  json.RawMessage `json:"payload"`
}

// Global reports whether the event participates in the shared,
// cross-client log. Local-only events never leave the committing client.
func (e Event) Global() bool {
	return !e.ID.IsLocalOnly()
}

// Proposal is an event as submitted for commit, before the engine has
// assigned its sequence number.
type Proposal struct {
	Name      string
	Payload   json.RawMessage
	LocalOnly bool
}

// WriteOp is one relational write produced by a materializer.
// Table names the touched table so subscribers can invalidate
// dependent queries.
type WriteOp struct {
	SQL   string `json:"sql"`
	Args  []any  `json:"args,omitempty"`
	Table string `json:"table"`
}

// RawWrite builds a proposal for the reserved raw-write event carrying op.
func RawWrite(op WriteOp, localOnly bool) (Proposal, error) {
	payload, err := json.Marshal(op)
	if err != nil {
		return Proposal{}, fmt.Errorf("encode raw write: %w", err)
	}
	return Proposal{Name: RawWriteEventName, Payload: payload, LocalOnly: localOnly}, nil
}

// DecodeRawWrite extracts the write operation from a raw-write event
// payload.
func DecodeRawWrite(payload json.RawMessage) (WriteOp, error) {
	var op WriteOp
	if err := json.Unmarshal(payload, &op); err != nil {
		return WriteOp{}, fmt.Errorf("decode raw write: %w", err)
	}
	if op.SQL == "" {
		return WriteOp{}, fmt.Errorf("decode raw write: empty sql")
	}
	return op, nil
}
