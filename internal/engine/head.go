package engine

import (
	"github.com/tidelog/tidelog/internal/seqno"
)

// HeadCheck is the outcome of validating an incoming event id against
// the local head. It is a tagged result rather than a boolean so call
// sites cannot silently ignore the regression case.
type HeadCheck int

const (
	// HeadAdvance: the incoming id is ahead of the head; apply it.
	HeadAdvance HeadCheck = iota + 1
	// HeadDuplicate: the incoming id equals the head; it was already
	// applied, drop it silently.
	HeadDuplicate
	// HeadRegression: the incoming id is behind the head. A concurrent
	// writer advanced the global sequence past this event. The engine
	// detects and reports this condition; it does not resolve it -
	// rebase/merge support is deliberately out of scope.
	HeadRegression
)

// String returns the check outcome as a string for logs.
func (c HeadCheck) String() string {
	switch c {
	case HeadAdvance:
		return "advance"
	case HeadDuplicate:
		return "duplicate"
	case HeadRegression:
		return "regression"
	default:
		return "unknown"
	}
}

// checkHead is the three-way branch applied to every inbound event,
// regardless of whether it arrived via pull or broadcast.
func checkHead(head, incoming seqno.Seq) HeadCheck {
	switch seqno.Compare(incoming, head) {
	case 1:
		return HeadAdvance
	case 0:
		return HeadDuplicate
	default:
		return HeadRegression
	}
}

// validateAndAdvance classifies an incoming id against the engine's
// current head; on HeadAdvance the caller applies the event, which
// moves the head. Must only be called from the run loop.
func (e *Engine) validateAndAdvance(incoming seqno.Seq) HeadCheck {
	return checkHead(e.head, incoming)
}
