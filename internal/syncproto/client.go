package syncproto

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tidelog/tidelog/internal/event"
	"github.com/tidelog/tidelog/internal/seqno"
)

// Client runs the request/response state machine over one connection to
// the sync backend.
//
// All requests are serialized: one outstanding push or pull at a time,
// so responses correlate unambiguously (push acks additionally echo the
// event id). Broadcasts arrive at any time and are handed to the
// broadcast callback; they never interleave with response correlation.
//
// Transient failures (send errors, ack timeouts) are retried with
// exponential backoff. Server error responses are permanent and surface
// as ProtocolError. Exhausting the retry budget surfaces as
// ConnectivityError; the caller's local store remains usable offline.
type Client struct {
	conn        Conn
	log         *slog.Logger
	onBroadcast func(event.Event)

	pushTimeout time.Duration
	maxElapsed  time.Duration

	reqMu sync.Mutex // one outstanding request/response at a time

	acks  chan PushAck
	pulls chan PullResponse
	errs  chan ErrorMsg
	pongs chan struct{}

	done     chan struct{}
	doneOnce sync.Once

	errMu   sync.Mutex
	recvErr error
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithPushTimeout sets how long one push waits for its ack before the
// attempt is considered failed and retried.
func WithPushTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.pushTimeout = d }
}

// WithRetryBudget caps the total time spent retrying one operation
// before it reports a terminal connectivity error.
func WithRetryBudget(d time.Duration) ClientOption {
	return func(c *Client) { c.maxElapsed = d }
}

// WithClientLogger sets the structured logger.
func WithClientLogger(log *slog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// WithBroadcastHandler sets the callback invoked for every
// PushBroadcast. Must be set before Start.
func WithBroadcastHandler(fn func(event.Event)) ClientOption {
	return func(c *Client) { c.onBroadcast = fn }
}

// NewClient wraps an established connection.
func NewClient(conn Conn, opts ...ClientOption) *Client {
	c := &Client{
		conn:        conn,
		log:         slog.Default(),
		pushTimeout: 10 * time.Second,
		maxElapsed:  30 * time.Second,
		acks:        make(chan PushAck, 1),
		pulls:       make(chan PullResponse, 1),
		errs:        make(chan ErrorMsg, 1),
		pongs:       make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the receive loop. Must be called exactly once.
func (c *Client) Start() {
	go c.receiveLoop()
}

// Close tears down the connection; in-flight operations fail with a
// connectivity error.
func (c *Client) Close() error {
	err := c.conn.Close()
	c.markDone(fmt.Errorf("client closed"))
	return err
}

// Done is closed when the receive loop has terminated.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) markDone(err error) {
	c.errMu.Lock()
	if c.recvErr == nil {
		c.recvErr = err
	}
	c.errMu.Unlock()
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Client) connErr() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.recvErr == nil {
		return fmt.Errorf("connection closed")
	}
	return c.recvErr
}

// receiveLoop dispatches inbound messages: acks and pull responses to
// the waiting request, broadcasts to the callback, pings to pongs.
func (c *Client) receiveLoop() {
	for {
		env, err := c.conn.Receive()
		if err != nil {
			c.markDone(err)
			return
		}

		switch env.Type {
		case MsgPushAck:
			var ack PushAck
			if err := env.DecodeInto(&ack); err != nil {
				c.log.Warn("dropping malformed push ack", "error", err)
				continue
			}
			deliver(c.acks, ack)

		case MsgPullResponse:
			var resp PullResponse
			if err := env.DecodeInto(&resp); err != nil {
				c.log.Warn("dropping malformed pull response", "error", err)
				continue
			}
			deliver(c.pulls, resp)

		case MsgPushBroadcast:
			var bc PushBroadcast
			if err := env.DecodeInto(&bc); err != nil {
				c.log.Warn("dropping malformed broadcast", "error", err)
				continue
			}
			if c.onBroadcast != nil {
				c.onBroadcast(bc.Event)
			}

		case MsgError:
			var em ErrorMsg
			if err := env.DecodeInto(&em); err != nil {
				c.log.Warn("dropping malformed error message", "error", err)
				continue
			}
			deliver(c.errs, em)

		case MsgPing:
			if env, err := Encode(MsgPong, nil); err == nil {
				_ = c.conn.Send(env)
			}

		case MsgPong:
			deliver(c.pongs, struct{}{})

		default:
			c.log.Warn("ignoring unexpected message", "type", env.Type)
		}
	}
}

// deliver hands a response to the waiting request without ever blocking
// the receive loop. A response nobody is waiting for (e.g. an ack that
// arrived after its timeout) is dropped; the retried request gets a
// fresh, idempotent answer from the backend.
func deliver[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}

// Push submits one global event and waits for the backend's ack.
// Returns the authoritative id assigned by the backend, which callers
// must treat as the event's definitive sequence number.
func (c *Client) Push(ctx context.Context, ev event.Event) (seqno.Seq, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	var ack PushAck
	op := func() error {
		env, err := Encode(MsgPushRequest, PushRequest{Event: ev})
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := c.conn.Send(env); err != nil {
			return err
		}

		select {
		case a := <-c.acks:
			ack = a
			return nil
		case em := <-c.errs:
			return backoff.Permanent(&ProtocolError{Code: em.Code, Message: em.Message})
		case <-c.done:
			return backoff.Permanent(&ConnectivityError{Op: "push", Err: c.connErr()})
		case <-time.After(c.pushTimeout):
			return fmt.Errorf("push %s: no ack within %s", ev.ID, c.pushTimeout)
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		}
	}

	if err := c.retry(ctx, "push "+ev.ID.String(), op); err != nil {
		return seqno.Seq{}, err
	}

	if !ack.EventID.Equal(ev.ID) {
		// The backend is the sole sequence authority; a different id
		// means another writer advanced the global sequence first.
		c.log.Warn("push acked with different id",
			"proposed", ev.ID,
			"authoritative", ack.EventID,
		)
	}
	return ack.EventID, nil
}

// PullAll fetches every event after cursor, invoking fn per page, until
// the backend reports no more. Resumable: fn is called in order and the
// cursor advances past each delivered page.
func (c *Client) PullAll(ctx context.Context, cursor seqno.Seq, fn func([]event.Event) error) error {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	for {
		req := PullRequest{}
		if !cursor.IsRoot() {
			cur := cursor
			req.Cursor = &cur
		}

		var resp PullResponse
		op := func() error {
			env, err := Encode(MsgPullRequest, req)
			if err != nil {
				return backoff.Permanent(err)
			}
			if err := c.conn.Send(env); err != nil {
				return err
			}

			select {
			case r := <-c.pulls:
				resp = r
				return nil
			case em := <-c.errs:
				return backoff.Permanent(&ProtocolError{Code: em.Code, Message: em.Message})
			case <-c.done:
				return backoff.Permanent(&ConnectivityError{Op: "pull", Err: c.connErr()})
			case <-time.After(c.pushTimeout):
				return fmt.Errorf("pull from %s: no response within %s", cursor, c.pushTimeout)
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			}
		}

		if err := c.retry(ctx, "pull from "+cursor.String(), op); err != nil {
			return err
		}

		if len(resp.Events) > 0 {
			if err := fn(resp.Events); err != nil {
				return fmt.Errorf("apply pulled events: %w", err)
			}
			cursor = resp.Events[len(resp.Events)-1].ID
		}
		if !resp.HasMore {
			return nil
		}
	}
}

// Ping performs a liveness round trip.
func (c *Client) Ping(ctx context.Context) error {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	env, err := Encode(MsgPing, nil)
	if err != nil {
		return err
	}
	if err := c.conn.Send(env); err != nil {
		return err
	}

	select {
	case <-c.pongs:
		return nil
	case <-c.done:
		return &ConnectivityError{Op: "ping", Err: c.connErr()}
	case <-time.After(c.pushTimeout):
		return &ConnectivityError{Op: "ping", Err: fmt.Errorf("no pong within %s", c.pushTimeout)}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retry wraps op in the exponential backoff policy and normalizes the
// terminal error.
func (c *Client) retry(ctx context.Context, opName string, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = c.maxElapsed

	err := backoff.Retry(op, backoff.WithContext(bo, ctx))
	if err == nil {
		return nil
	}

	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe
	}
	var ce *ConnectivityError
	if errors.As(err, &ce) {
		return ce
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &ConnectivityError{Op: opName, Err: err}
}
