package pullqueue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidelog/tidelog/internal/event"
	"github.com/tidelog/tidelog/internal/seqno"
)

// memLog is an in-memory Seeder that can also receive appends, mirroring
// how the engine appends to the store and then offers to the set.
type memLog struct {
	mu     sync.Mutex
	events []event.Event
}

func (m *memLog) append(evs ...event.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evs...)
}

func (m *memLog) ReadSince(_ context.Context, cursor seqno.Seq) ([]event.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []event.Event
	for _, ev := range m.events {
		if ev.ID.After(cursor) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func globalEvent(g int64) event.Event {
	return event.Event{
		ID:       seqno.Seq{Global: g, Local: 0},
		ParentID: seqno.Seq{Global: g - 1, Local: 0},
		Name:     "E",
		Payload:  []byte(`{}`),
	}
}

func TestSubscribe_SeedsBacklog(t *testing.T) {
	ctx := context.Background()
	log := &memLog{}
	log.append(globalEvent(0), globalEvent(1), globalEvent(2))
	set := NewSet(log)

	q, err := set.Subscribe(ctx, seqno.Seq{Global: 0, Local: 0})
	require.NoError(t, err)

	item, ok := q.TryNext()
	require.True(t, ok)
	require.Len(t, item.Events, 2)
	assert.Equal(t, seqno.Seq{Global: 1, Local: 0}, item.Events[0].ID)
	assert.Equal(t, seqno.Seq{Global: 2, Local: 0}, item.Events[1].ID)
	assert.Equal(t, OriginLog, item.Origin)
}

func TestSubscribe_EmptyBacklogNoItem(t *testing.T) {
	ctx := context.Background()
	set := NewSet(&memLog{})

	q, err := set.Subscribe(ctx, seqno.Root)
	require.NoError(t, err)

	_, ok := q.TryNext()
	assert.False(t, ok, "no seed item for an empty backlog")
}

func TestOffer_FansOutToAll(t *testing.T) {
	ctx := context.Background()
	set := NewSet(&memLog{})

	q1, err := set.Subscribe(ctx, seqno.Root)
	require.NoError(t, err)
	q2, err := set.Subscribe(ctx, seqno.Root)
	require.NoError(t, err)
	require.Equal(t, 2, set.Len())

	set.Offer(Item{Events: []event.Event{globalEvent(0)}, Origin: OriginLocal})

	for _, q := range []*Queue{q1, q2} {
		item, ok := q.TryNext()
		require.True(t, ok)
		assert.Len(t, item.Events, 1)
		assert.Equal(t, OriginLocal, item.Origin)
	}
}

func TestOffer_ZeroEventsSuppressed(t *testing.T) {
	ctx := context.Background()
	set := NewSet(&memLog{})

	q, err := set.Subscribe(ctx, seqno.Root)
	require.NoError(t, err)

	set.Offer(Item{Events: nil, Origin: OriginLocal})
	assert.Equal(t, 0, q.Len(), "zero-event offers must not wake subscribers")
}

func TestUnsubscribe_DoesNotAffectOthers(t *testing.T) {
	ctx := context.Background()
	set := NewSet(&memLog{})

	q1, err := set.Subscribe(ctx, seqno.Root)
	require.NoError(t, err)
	q2, err := set.Subscribe(ctx, seqno.Root)
	require.NoError(t, err)

	set.Unsubscribe(q1)
	require.Equal(t, 1, set.Len())

	set.Offer(Item{Events: []event.Event{globalEvent(0)}, Origin: OriginLocal})

	_, ok := q2.TryNext()
	assert.True(t, ok, "surviving subscriber still receives offers")

	_, ok = q1.Next(ctx)
	assert.False(t, ok, "closed queue reports termination")
}

func TestQueue_RemainingTracksBacklog(t *testing.T) {
	ctx := context.Background()
	set := NewSet(&memLog{})

	q, err := set.Subscribe(ctx, seqno.Root)
	require.NoError(t, err)

	for g := int64(0); g < 3; g++ {
		set.Offer(Item{Events: []event.Event{globalEvent(g)}, Origin: OriginLocal})
	}

	item, _ := q.TryNext()
	assert.Equal(t, 0, item.Remaining)
	item, _ = q.TryNext()
	assert.Equal(t, 1, item.Remaining)
	item, _ = q.TryNext()
	assert.Equal(t, 2, item.Remaining)
}

func TestQueue_NextBlocksUntilOffer(t *testing.T) {
	ctx := context.Background()
	set := NewSet(&memLog{})

	q, err := set.Subscribe(ctx, seqno.Root)
	require.NoError(t, err)

	got := make(chan Item, 1)
	go func() {
		item, ok := q.Next(ctx)
		if ok {
			got <- item
		}
	}()

	time.Sleep(10 * time.Millisecond)
	set.Offer(Item{Events: []event.Event{globalEvent(0)}, Origin: OriginLocal})

	select {
	case item := <-got:
		assert.Len(t, item.Events, 1)
	case <-time.After(time.Second):
		t.Fatal("Next did not unblock on offer")
	}
}

func TestQueue_NextHonorsContext(t *testing.T) {
	set := NewSet(&memLog{})
	q, err := set.Subscribe(context.Background(), seqno.Root)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, ok := q.Next(ctx)
	assert.False(t, ok)
}

func TestSubscribe_SeedThenOfferOfSameEventNotDuplicated(t *testing.T) {
	ctx := context.Background()
	log := &memLog{}
	set := NewSet(log)

	// The event is in the log but its offer has not happened yet when the
	// subscriber registers: the seed delivers it, the late offer must not.
	ev := globalEvent(0)
	log.append(ev)

	q, err := set.Subscribe(ctx, seqno.Root)
	require.NoError(t, err)

	set.Offer(Item{Events: []event.Event{ev}, Origin: OriginLocal})

	item, ok := q.TryNext()
	require.True(t, ok)
	assert.Len(t, item.Events, 1)

	_, ok = q.TryNext()
	assert.False(t, ok, "the offered copy of the seeded event must be filtered")
}

// Fan-out completeness: a subscriber registering with cursor C receives,
// in order, every event with id greater than C that exists at
// registration time or is later offered, with no duplicates and no
// omissions - including events arriving exactly during registration.
func TestFanOut_Completeness_ConcurrentRegistration(t *testing.T) {
	ctx := context.Background()
	log := &memLog{}
	set := NewSet(log)

	const total = 200

	// Producer: append to the log, then offer, the way the engine does.
	producerDone := make(chan struct{})
	go func() {
		defer close(producerDone)
		for g := int64(0); g < total; g++ {
			ev := globalEvent(g)
			log.append(ev)
			set.Offer(Item{Events: []event.Event{ev}, Origin: OriginLocal})
		}
	}()

	// Subscribers register while the producer is mid-stream.
	const subscribers = 8
	results := make([][]seqno.Seq, subscribers)
	var wg sync.WaitGroup
	for i := 0; i < subscribers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q, err := set.Subscribe(ctx, seqno.Root)
			if err != nil {
				t.Error(err)
				return
			}
			defer set.Unsubscribe(q)

			var seen []seqno.Seq
			for len(seen) < total {
				item, ok := q.Next(ctx)
				if !ok {
					break
				}
				for _, ev := range item.Events {
					seen = append(seen, ev.ID)
				}
			}
			results[i] = seen
		}(i)
	}

	<-producerDone
	waitDone := make(chan struct{})
	go func() { wg.Wait(); close(waitDone) }()
	select {
	case <-waitDone:
	case <-time.After(10 * time.Second):
		t.Fatal("subscribers did not drain")
	}

	for i, seen := range results {
		require.Len(t, seen, total, "subscriber %d", i)
		for g := 0; g < total; g++ {
			assert.Equal(t, seqno.Seq{Global: int64(g), Local: 0}, seen[g],
				fmt.Sprintf("subscriber %d position %d", i, g))
		}
	}
}
