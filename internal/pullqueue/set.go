package pullqueue

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/tidelog/tidelog/internal/event"
	"github.com/tidelog/tidelog/internal/seqno"
)

// Seeder reads events already resident in the log, for seeding
// late-joining subscribers. Implemented by store.Store.
type Seeder interface {
	ReadSince(ctx context.Context, cursor seqno.Seq) ([]event.Event, error)
}

// Set tracks every live subscriber queue for one store and fans offered
// items out to all of them.
//
// Subscribe seeds the new queue from the log and registers it under the
// same lock that Offer takes, so an event delivered exactly during
// registration is seen exactly once: either in the seed or in a
// subsequent offer, never both, never neither.
type Set struct {
	log Seeder

	mu     sync.Mutex
	queues map[string]*Queue
	closed bool
}

// NewSet creates an empty subscriber set seeding from log.
func NewSet(log Seeder) *Set {
	return &Set{
		log:    log,
		queues: make(map[string]*Queue),
	}
}

// Subscribe creates a queue seeded with all events since cursor already
// in the log, then registers it for future offers. Seeding and
// registration are atomic with respect to concurrent Offer calls.
func (s *Set) Subscribe(ctx context.Context, cursor seqno.Seq) (*Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("subscribe: queue set is closed")
	}

	// Read under the set lock: offers are blocked until the seed and the
	// registration both land, closing the seed/register race window.
	backlog, err := s.log.ReadSince(ctx, cursor)
	if err != nil {
		return nil, fmt.Errorf("subscribe: seed from cursor %s: %w", cursor, err)
	}

	q := newQueue(uuid.NewString(), cursor)
	if len(backlog) > 0 {
		q.push(Item{Events: backlog, Origin: OriginLog})
	}
	s.queues[q.id] = q
	return q, nil
}

// Offer delivers an item to every currently registered queue. An item
// with zero events is a no-op: idle subscribers are never woken for
// nothing.
func (s *Set) Offer(item Item) {
	if len(item.Events) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, q := range s.queues {
		q.push(item)
	}
}

// Unsubscribe removes and closes a queue. Closing a queue with
// undelivered items is allowed; it never affects other subscribers.
func (s *Set) Unsubscribe(q *Queue) {
	if q == nil {
		return
	}

	s.mu.Lock()
	delete(s.queues, q.id)
	s.mu.Unlock()

	q.close()
}

// Len returns the number of live subscriber queues.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues)
}

// Close closes every queue and refuses further subscriptions.
// Called by the engine during shutdown.
func (s *Set) Close() {
	s.mu.Lock()
	queues := make([]*Queue, 0, len(s.queues))
	for _, q := range s.queues {
		queues = append(queues, q)
	}
	s.queues = make(map[string]*Queue)
	s.closed = true
	s.mu.Unlock()

	for _, q := range queues {
		q.close()
	}
}
