// Package pullqueue implements the in-process fan-out hub that delivers
// newly committed or received events to every live subscriber: local
// sessions, devtools, and the sync connection itself.
package pullqueue

import (
	"context"
	"sync"

	"github.com/tidelog/tidelog/internal/event"
	"github.com/tidelog/tidelog/internal/seqno"
)

// Origin records which side of the engine produced the events in an item.
// The sync loop uses it to push only locally committed events upstream.
type Origin int

const (
	// OriginLocal marks events committed by this client.
	OriginLocal Origin = iota + 1
	// OriginUpstream marks events ingested from the sync backend.
	OriginUpstream
	// OriginLog marks backlog events seeded from the persisted log at
	// subscribe time, where the original origin is no longer known.
	OriginLog
)

// Item is one unit of work offered to every live subscriber queue.
//
// Remaining communicates backlog size: the number of items still queued
// behind this one at delivery time, so a subscriber can decide whether it
// is caught up. Tables names the tables touched by materializing the
// item's events, for downstream query invalidation.
type Item struct {
	Events    []event.Event
	Tables    []string
	Origin    Origin
	Remaining int
}

// Queue is a single subscriber's unbounded FIFO of items.
//
// The queue is unbounded so a slow subscriber never blocks the engine's
// single-writer loop; backpressure is communicated via Item.Remaining
// instead of blocking.
//
// Mechanics: mutex + slice with a coalescing signal channel, so consumers
// can wait with context awareness.
type Queue struct {
	id string

	mu     sync.Mutex
	cursor seqno.Seq // id of the last event delivered into this queue
	items  []Item
	closed bool
	signal chan struct{} // buffered size 1, coalesces wakeups
}

func newQueue(id string, cursor seqno.Seq) *Queue {
	return &Queue{
		id:     id,
		cursor: cursor,
		items:  make([]Item, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// ID returns the subscriber id this queue was registered under.
func (q *Queue) ID() string {
	return q.id
}

// push appends an item, stamping Remaining with the backlog size before
// this item. Returns false if the queue is closed.
//
// Events at or below the queue's cursor are filtered out: an event
// appended to the log but not yet offered when the subscriber seeded
// would otherwise arrive twice, once via the seed and once via the
// offer. The cursor makes delivery exactly-once regardless of how seed
// and offer interleave.
func (q *Queue) push(item Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	fresh := item.Events[:0:0]
	for _, ev := range item.Events {
		if ev.ID.After(q.cursor) {
			fresh = append(fresh, ev)
		}
	}
	if len(fresh) == 0 {
		return true
	}
	item.Events = fresh
	q.cursor = fresh[len(fresh)-1].ID

	item.Remaining = len(q.items)
	q.items = append(q.items, item)

	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryNext attempts to pop the next item without blocking.
func (q *Queue) TryNext() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Item{}, false
	}

	item := q.items[0]
	// Nil out the slot so the backing array does not retain event
	// payloads under steady load.
	q.items[0] = Item{}
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	return item, true
}

// Next blocks until an item is available, the queue is closed, or ctx is
// done. Returns false when the queue is closed and drained - subscribers
// must tolerate truncated delivery on disconnect.
func (q *Queue) Next(ctx context.Context) (Item, bool) {
	for {
		if item, ok := q.TryNext(); ok {
			return item, true
		}

		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Item{}, false
		}

		select {
		case <-ctx.Done():
			return Item{}, false
		case <-q.signal:
		}
	}
}

// Len returns the number of undelivered items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// close marks the queue closed and wakes all waiters. Items already
// queued may still be drained; new pushes are refused.
func (q *Queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
