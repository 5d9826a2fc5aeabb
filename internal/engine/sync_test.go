package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidelog/tidelog/internal/event"
	"github.com/tidelog/tidelog/internal/schema"
	"github.com/tidelog/tidelog/internal/seqno"
	"github.com/tidelog/tidelog/internal/syncproto"
)

// memConn is an in-memory protocol connection; the test plays backend.
type memConn struct {
	in     chan syncproto.Envelope
	out    chan syncproto.Envelope
	closed chan struct{}
	once   sync.Once
}

func newMemConn() *memConn {
	return &memConn{
		in:     make(chan syncproto.Envelope, 16),
		out:    make(chan syncproto.Envelope, 16),
		closed: make(chan struct{}),
	}
}

func (m *memConn) Send(env syncproto.Envelope) error {
	select {
	case m.out <- env:
		return nil
	case <-m.closed:
		return fmt.Errorf("connection closed")
	}
}

func (m *memConn) Receive() (syncproto.Envelope, error) {
	select {
	case env := <-m.in:
		return env, nil
	case <-m.closed:
		return syncproto.Envelope{}, fmt.Errorf("connection closed")
	}
}

func (m *memConn) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

func (m *memConn) serverSend(t *testing.T, typ syncproto.MsgType, payload any) {
	t.Helper()
	env, err := syncproto.Encode(typ, payload)
	require.NoError(t, err)
	m.in <- env
}

func (m *memConn) serverRecv(t *testing.T, typ syncproto.MsgType) syncproto.Envelope {
	t.Helper()
	select {
	case env := <-m.out:
		require.Equal(t, typ, env.Type)
		return env
	case <-time.After(5 * time.Second):
		t.Fatalf("backend timed out waiting for %s", typ)
		return syncproto.Envelope{}
	}
}

func itemEvent(global int64, id, title string) event.Event {
	payload, _ := json.Marshal(map[string]string{"id": id, "title": title})
	return event.Event{
		ID:       seqno.Seq{Global: global, Local: 0},
		ParentID: seqno.Seq{Global: global - 1, Local: 0},
		Name:     "ItemAdded",
		Payload:  payload,
	}
}

func TestSyncSession_PullPushBroadcast(t *testing.T) {
	e, _ := startEngine(t, filepath.Join(t.TempDir(), "app.db"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Backend log: the table-creating raw write plus one item.
	rawProp, err := event.RawWrite(event.WriteOp{
		SQL:   "CREATE TABLE IF NOT EXISTS items (id TEXT PRIMARY KEY, title TEXT NOT NULL)",
		Table: "items",
	}, false)
	require.NoError(t, err)
	backendLog := []event.Event{
		{ID: seqno.Seq{Global: 0, Local: 0}, ParentID: seqno.Root,
			Name: event.RawWriteEventName, Payload: rawProp.Payload},
		itemEvent(1, "a", "Apple"),
	}
	serverHead := backendLog[1].ID

	conn := newMemConn()
	pushed := make(chan seqno.Seq, 1)
	go func() {
		// Catch-up pull from a fresh client carries no cursor.
		env := conn.serverRecv(t, syncproto.MsgPullRequest)
		var pull syncproto.PullRequest
		require.NoError(t, env.DecodeInto(&pull))
		assert.Nil(t, pull.Cursor)
		conn.serverSend(t, syncproto.MsgPullResponse, syncproto.PullResponse{
			Events: backendLog, HasMore: false,
		})

		// The locally committed event arrives as a push; ack it.
		env = conn.serverRecv(t, syncproto.MsgPushRequest)
		var push syncproto.PushRequest
		require.NoError(t, env.DecodeInto(&push))
		conn.serverSend(t, syncproto.MsgPushAck, syncproto.PushAck{EventID: push.Event.ID})
		pushed <- push.Event.ID

		// Another session's push fans out as a broadcast.
		conn.serverSend(t, syncproto.MsgPushBroadcast, syncproto.PushBroadcast{
			Event: itemEvent(3, "c", "Cherry"),
		})
	}()

	syncDone := make(chan error, 1)
	go func() { syncDone <- e.runSession(ctx, conn, serverHead) }()

	// Wait for catch-up, then commit locally; the loop must push it.
	require.Eventually(t, func() bool {
		return e.Head().Equal(serverHead)
	}, 5*time.Second, 10*time.Millisecond, "pull never caught up")

	evs, err := e.Commit(ctx, []event.Proposal{itemProposal("b", "Banana", false)})
	require.NoError(t, err)

	select {
	case id := <-pushed:
		assert.Equal(t, evs[0].ID, id)
	case <-time.After(5 * time.Second):
		t.Fatal("local commit was never pushed")
	}

	require.Eventually(t, func() bool {
		return e.Head().Equal(seqno.Seq{Global: 3, Local: 0})
	}, 5*time.Second, 10*time.Millisecond, "broadcast never ingested")
	assert.Equal(t, 3, countItems(t, e))
	assert.Zero(t, e.Stats().Resequenced)

	cancel()
	select {
	case err := <-syncDone:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("sync session did not stop on cancel")
	}
}

func TestSyncSession_LocalOnlyEventsNeverPushed(t *testing.T) {
	e, _ := startEngine(t, filepath.Join(t.TempDir(), "app.db"))
	createItemsTable(t, e)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := newMemConn()
	pushes := make(chan syncproto.Envelope, 4)
	go func() {
		for {
			select {
			case env := <-conn.out:
				switch env.Type {
				case syncproto.MsgPullRequest:
					conn.serverSend(t, syncproto.MsgPullResponse, syncproto.PullResponse{})
				case syncproto.MsgPushRequest:
					var push syncproto.PushRequest
					require.NoError(t, env.DecodeInto(&push))
					conn.serverSend(t, syncproto.MsgPushAck, syncproto.PushAck{EventID: push.Event.ID})
					pushes <- env
				}
			case <-conn.closed:
				return
			}
		}
	}()

	// Backend already has our table event at (0,0).
	serverHead := e.Head()
	syncDone := make(chan error, 1)
	go func() { syncDone <- e.runSession(ctx, conn, serverHead) }()

	_, err := e.Commit(ctx, []event.Proposal{
		itemProposal("d", "Draft", true),
		itemProposal("a", "Apple", false),
	})
	require.NoError(t, err)

	// Exactly one push: the global event. The local-only draft stays home.
	select {
	case env := <-pushes:
		var push syncproto.PushRequest
		require.NoError(t, env.DecodeInto(&push))
		assert.True(t, push.Event.Global())
		assert.Equal(t, "ItemAdded", push.Event.Name)
	case <-time.After(5 * time.Second):
		t.Fatal("global event was never pushed")
	}

	select {
	case env := <-pushes:
		t.Fatalf("unexpected second push: %s", env.Type)
	case <-time.After(200 * time.Millisecond):
	}

	cancel()
	<-syncDone
}

func TestSyncSession_ResequencedAckCounted(t *testing.T) {
	e, _ := startEngine(t, filepath.Join(t.TempDir(), "app.db"))
	createItemsTable(t, e)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := newMemConn()
	go func() {
		conn.serverRecv(t, syncproto.MsgPullRequest)
		conn.serverSend(t, syncproto.MsgPullResponse, syncproto.PullResponse{})

		// A concurrent writer beat this push: the backend assigns the
		// next free slot instead of the proposed id.
		env := conn.serverRecv(t, syncproto.MsgPushRequest)
		var push syncproto.PushRequest
		require.NoError(t, env.DecodeInto(&push))
		conn.serverSend(t, syncproto.MsgPushAck, syncproto.PushAck{
			EventID: seqno.Seq{Global: push.Event.ID.Global + 4, Local: 0},
		})
	}()

	serverHead := e.Head()
	syncDone := make(chan error, 1)
	go func() { syncDone <- e.runSession(ctx, conn, serverHead) }()

	_, err := e.Commit(ctx, []event.Proposal{itemProposal("a", "Apple", false)})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return e.Stats().Resequenced == 1
	}, 5*time.Second, 10*time.Millisecond, "re-sequenced ack never counted")

	cancel()
	<-syncDone
}

func TestSyncSession_BroadcastItCannotApplyIsFatal(t *testing.T) {
	e, _ := startEngine(t, filepath.Join(t.TempDir(), "app.db"))
	createItemsTable(t, e)

	conn := newMemConn()
	go func() {
		conn.serverRecv(t, syncproto.MsgPullRequest)
		conn.serverSend(t, syncproto.MsgPullResponse, syncproto.PullResponse{})

		// An event this store has no materializer for, then its
		// successor. Applying the successor would move the head past the
		// gap and this store's tables would diverge for good.
		payload, _ := json.Marshal(map[string]string{"id": "m"})
		conn.serverSend(t, syncproto.MsgPushBroadcast, syncproto.PushBroadcast{
			Event: event.Event{
				ID:       seqno.Seq{Global: 1, Local: 0},
				ParentID: seqno.Seq{Global: 0, Local: 0},
				Name:     "Mystery",
				Payload:  payload,
			},
		})
		conn.serverSend(t, syncproto.MsgPushBroadcast, syncproto.PushBroadcast{
			Event: itemEvent(2, "b", "Banana"),
		})
	}()

	err := e.runSession(context.Background(), conn, e.Head())
	require.Error(t, err)
	assert.True(t, IsFatalSync(err))
	var unknown *schema.UnknownEventError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "Mystery", unknown.Name)

	// The head stops at the last applied event; the successor of the
	// unapplicable one must not slip through.
	assert.Equal(t, seqno.Seq{Global: 0, Local: 0}, e.Head())
	assert.Equal(t, 0, countItems(t, e))
}

func TestRunSync_UnapplicableEventIsNotRetried(t *testing.T) {
	// A pull that delivers an event the engine cannot apply must end
	// RunSync even under KeepRunningOffline: reconnecting replays the
	// same event and fails the same way forever.
	e, _ := startEngine(t, filepath.Join(t.TempDir(), "app.db"))
	createItemsTable(t, e)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := newMemConn()
	go func() {
		conn.serverRecv(t, syncproto.MsgPullRequest)
		payload, _ := json.Marshal(map[string]string{"id": "m"})
		conn.serverSend(t, syncproto.MsgPullResponse, syncproto.PullResponse{
			Events: []event.Event{{
				ID:       seqno.Seq{Global: 1, Local: 0},
				ParentID: seqno.Seq{Global: 0, Local: 0},
				Name:     "Mystery",
				Payload:  payload,
			}},
		})
	}()

	err := e.runSession(ctx, conn, seqno.Seq{Global: 1, Local: 0})
	require.Error(t, err)
	assert.True(t, IsFatalSync(err), "pull apply failure must be terminal, got %v", err)
	assert.True(t, schema.IsUnknownEvent(err))
	assert.Equal(t, seqno.Seq{Global: 0, Local: 0}, e.Head())
}
