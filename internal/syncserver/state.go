package syncserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tidelog/tidelog/internal/event"
	"github.com/tidelog/tidelog/internal/seqno"
	"github.com/tidelog/tidelog/internal/store"
)

// storeState is the server side of one store: its durable log, the
// authoritative head, and the set of live sessions.
//
// Pushes are serialized under mu; the backend is the sole authority for
// the global sequence, so two concurrent pushes can never be assigned
// the same number.
type storeState struct {
	st *store.Store

	mu   sync.Mutex
	head seqno.Seq

	sessMu   sync.Mutex
	sessions map[*session]struct{}
}

func openStoreState(path string) (*storeState, error) {
	st, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	// The head is recomputed from the log on open; the backend carries
	// no materialized tables of its own.
	head, err := st.MaxEventID(context.Background())
	if err != nil {
		st.Close()
		return nil, err
	}
	return &storeState{
		st:       st,
		head:     head,
		sessions: make(map[*session]struct{}),
	}, nil
}

func (ss *storeState) close() error {
	ss.sessMu.Lock()
	for sess := range ss.sessions {
		sess.conn.Close()
		delete(ss.sessions, sess)
	}
	ss.sessMu.Unlock()
	return ss.st.Close()
}

func (ss *storeState) currentHead() seqno.Seq {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.head
}

func (ss *storeState) register(sess *session) {
	ss.sessMu.Lock()
	ss.sessions[sess] = struct{}{}
	ss.sessMu.Unlock()
}

func (ss *storeState) unregister(sess *session) {
	ss.sessMu.Lock()
	delete(ss.sessions, sess)
	ss.sessMu.Unlock()
}

// push accepts one event, assigning the authoritative sequence number.
//
// Three cases:
//   - the proposed id is the immediate successor of the head: accepted
//     as proposed;
//   - the proposed id is at or behind the head and the log already holds
//     the identical event there: a retried push, acked idempotently
//     without re-appending or re-broadcasting;
//   - anything else: the proposal raced another writer and is
//     re-sequenced onto the current head.
//
// The returned broadcast event is nil when nothing new was appended.
func (ss *storeState) push(ctx context.Context, ev event.Event) (seqno.Seq, *event.Event, error) {
	if !ev.Global() {
		return seqno.Seq{}, nil, fmt.Errorf("refusing local-only event %s", ev.ID)
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()

	next := seqno.Seq{Global: ss.head.Global + 1, Local: 0}

	if !ev.ID.After(ss.head) {
		existing, ok, err := ss.eventAt(ctx, ev.ID)
		if err != nil {
			return seqno.Seq{}, nil, err
		}
		if ok && existing.Name == ev.Name && bytes.Equal(existing.Payload, ev.Payload) {
			return ev.ID, nil, nil
		}
	}

	accepted := ev
	if !ev.ID.Equal(next) {
		accepted.ID = next
		accepted.ParentID = ss.head
	}

	if err := ss.st.AppendEvent(ctx, accepted); err != nil {
		return seqno.Seq{}, nil, fmt.Errorf("appending %s: %w", accepted.ID, err)
	}
	ss.head = accepted.ID
	return accepted.ID, &accepted, nil
}

func (ss *storeState) eventAt(ctx context.Context, id seqno.Seq) (event.Event, bool, error) {
	rows, err := ss.st.Query(ctx,
		"SELECT name, payload FROM event_log WHERE seq_global = ? AND seq_local = ?",
		id.Global, id.Local)
	if err != nil {
		return event.Event{}, false, err
	}
	defer rows.Close()

	if !rows.Next() {
		return event.Event{}, false, rows.Err()
	}
	ev := event.Event{ID: id}
	var payload string
	if err := rows.Scan(&ev.Name, &payload); err != nil {
		return event.Event{}, false, err
	}
	ev.Payload = json.RawMessage(payload)
	return ev, true, nil
}

// broadcast fans an accepted push out to every session except its
// origin. A failed send only logs; the receive loop of the affected
// session will notice the broken connection itself.
func (ss *storeState) broadcast(from *session, ev event.Event) {
	env, err := syncEncodeBroadcast(ev)
	if err != nil {
		return
	}

	ss.sessMu.Lock()
	targets := make([]*session, 0, len(ss.sessions))
	for sess := range ss.sessions {
		if sess != from {
			targets = append(targets, sess)
		}
	}
	ss.sessMu.Unlock()

	for _, sess := range targets {
		if err := sess.conn.Send(env); err != nil {
			sess.log.Debug("broadcast send failed", "session", sess.id, "error", err)
		}
	}
}
