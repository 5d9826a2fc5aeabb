// Package seqno defines the event sequence number: the total-order value
// stamped on every event in the log.
//
// A sequence number is a (global, local) pair ordered lexicographically.
// The global component advances only for events accepted into the shared,
// cross-client log. The local component advances only for local-only
// events and always counts up from the global step it is layered on.
//
// Root = (-1, 0) is the sentinel predecessor of the first event.
package seqno

import (
	"fmt"
	"strconv"
	"strings"
)

// Seq is a single event sequence number.
// Ordering is lexicographic by (Global, Local).
type Seq struct {
	Global int64 `json:"global"`
	Local  int64 `json:"local"`
}

// Root is the sentinel predecessor of the first event in any log.
var Root = Seq{Global: -1, Local: 0}

// Compare returns -1, 0, or 1 as a orders before, equal to, or after b.
func Compare(a, b Seq) int {
	switch {
	case a.Global < b.Global:
		return -1
	case a.Global > b.Global:
		return 1
	case a.Local < b.Local:
		return -1
	case a.Local > b.Local:
		return 1
	default:
		return 0
	}
}

// After reports whether s orders strictly after o.
func (s Seq) After(o Seq) bool {
	return Compare(s, o) > 0
}

// Equal reports whether s and o are the same sequence number.
func (s Seq) Equal(o Seq) bool {
	return s == o
}

// IsRoot reports whether s is the Root sentinel.
func (s Seq) IsRoot() bool {
	return s == Root
}

// IsLocalOnly reports whether s identifies a local-only event.
// Local-only events are exactly those layered above a global step.
func (s Seq) IsLocalOnly() bool {
	return s.Local > 0
}

// Next computes the id and parent id for the event that follows current.
//
// For a global event (localOnly=false) the id is (Global+1, 0) and the
// parent is (Global, 0): global events always chain off the local=0 anchor
// of the previous global step. Local-only events layered on top never
// shift subsequent global numbering.
//
// For a local-only event the id is (Global, Local+1) and the parent is
// current itself.
func Next(current Seq, localOnly bool) (id, parent Seq) {
	if localOnly {
		return Seq{Global: current.Global, Local: current.Local + 1}, current
	}
	return Seq{Global: current.Global + 1, Local: 0}, Seq{Global: current.Global, Local: 0}
}

// String renders s as "global.local", e.g. "12.0".
func (s Seq) String() string {
	return fmt.Sprintf("%d.%d", s.Global, s.Local)
}

// Parse parses the "global.local" form produced by String.
func Parse(text string) (Seq, error) {
	dot := strings.IndexByte(text, '.')
	if dot < 0 {
		return Seq{}, fmt.Errorf("parse seq %q: missing separator", text)
	}
	g, err := strconv.ParseInt(text[:dot], 10, 64)
	if err != nil {
		return Seq{}, fmt.Errorf("parse seq %q: global: %w", text, err)
	}
	l, err := strconv.ParseInt(text[dot+1:], 10, 64)
	if err != nil {
		return Seq{}, fmt.Errorf("parse seq %q: local: %w", text, err)
	}
	return Seq{Global: g, Local: l}, nil
}
