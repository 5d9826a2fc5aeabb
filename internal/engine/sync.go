package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tidelog/tidelog/internal/event"
	"github.com/tidelog/tidelog/internal/pullqueue"
	"github.com/tidelog/tidelog/internal/seqno"
	"github.com/tidelog/tidelog/internal/syncproto"
)

// OfflinePolicy decides what happens when the sync backend stays
// unreachable after retries.
type OfflinePolicy int

const (
	// KeepRunningOffline keeps the engine serving local commits and
	// reconnects in the background. The default.
	KeepRunningOffline OfflinePolicy = iota
	// StopOnGiveUp surfaces the connectivity error to the caller so the
	// process can shut down.
	StopOnGiveUp
)

// SyncTarget names the backend endpoint for one store. Auth is the
// opaque payload handed to the backend's authorization hook.
type SyncTarget struct {
	URL     string
	StoreID string
	Auth    json.RawMessage
}

// RunSync supervises the sync connection: dial, catch up, stream, and
// reconnect with backoff when the connection drops. It returns on
// context cancellation, on an auth rejection, on a FatalSyncError (both
// always terminal), or on connectivity loss under StopOnGiveUp. Only
// connectivity failures are retried: an event the engine cannot apply
// fails the same way on every reconnect.
func (e *Engine) RunSync(ctx context.Context, target SyncTarget) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = time.Minute
	bo.MaxElapsedTime = 0 // reconnect attempts never expire

	for {
		err := e.syncOnce(ctx, target)
		switch {
		case err == nil || errors.Is(err, context.Canceled):
			return ctx.Err()
		case syncproto.IsAuthRejected(err):
			e.reportSyncError(err)
			return err
		case IsFatalSync(err):
			e.reportSyncError(err)
			return err
		case e.policy == StopOnGiveUp:
			e.reportSyncError(err)
			return err
		}
		e.reportSyncError(err)

		wait := bo.NextBackOff()
		e.log.Warn("sync connection lost, retrying", "error", err, "wait", wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Engine) reportSyncError(err error) {
	if e.onSyncError != nil {
		e.onSyncError(err)
	}
}

func (e *Engine) syncOnce(ctx context.Context, target SyncTarget) error {
	conn, welcome, err := syncproto.Dial(ctx, target.URL, syncproto.Hello{
		StoreID: target.StoreID,
		Auth:    target.Auth,
	})
	if err != nil {
		return err
	}
	return e.runSession(ctx, conn, welcome.Head)
}

// runSession wires a client over an established connection and drives
// SyncLoop until the session ends. A broadcast the engine cannot apply
// aborts the whole session through the cancel cause, so the fatal error
// surfaces here instead of dying on the client's receive goroutine.
func (e *Engine) runSession(ctx context.Context, conn syncproto.Conn, serverHead seqno.Seq) error {
	sessCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	client := syncproto.NewClient(conn,
		syncproto.WithClientLogger(e.log),
		syncproto.WithBroadcastHandler(e.ingestBroadcast(sessCtx, abort)),
	)
	client.Start()
	defer client.Close()

	err := e.SyncLoop(sessCtx, client, serverHead)
	if cause := context.Cause(sessCtx); cause != nil && ctx.Err() == nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return err
}

// ingestBroadcast routes a broadcast event through the run loop. It is
// invoked on the client's receive goroutine, which may block until the
// loop picks it up; the loop never waits on the client, so this cannot
// deadlock.
//
// An event the engine cannot apply is never skipped: its successor
// would pass the head check and move the head past the gap for good,
// leaving this store's tables diverged from the shared log. The session
// aborts instead and the failure propagates as a FatalSyncError.
func (e *Engine) ingestBroadcast(ctx context.Context, abort context.CancelCauseFunc) func(ev event.Event) {
	return func(ev event.Event) {
		err := e.Ingest(ctx, []event.Event{ev})
		if err == nil || isSyncShutdown(err) {
			return
		}
		e.log.Error("cannot apply broadcast event", "id", ev.ID, "error", err)
		abort(&FatalSyncError{Err: fmt.Errorf("ingest broadcast %s: %w", ev.ID, err)})
	}
}

// isSyncShutdown filters the errors that mean the engine or session is
// going away, not that an event failed to apply.
func isSyncShutdown(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrShuttingDown) ||
		errors.Is(err, ErrNotRunning)
}

// SyncLoop drives one established connection: pull the backend's
// missing events, then subscribe to the fan-out and push every global
// event the backend does not have. Returns when the connection fails or
// ctx is cancelled.
func (e *Engine) SyncLoop(ctx context.Context, client *syncproto.Client, serverHead seqno.Seq) error {
	// Catch-up pull from the last global event both sides share. Our
	// local-only layer is invisible to the backend, so the cursor drops
	// to the global anchor.
	cursor := seqno.Seq{Global: e.Head().Global, Local: 0}
	remote := serverHead
	err := client.PullAll(ctx, cursor, func(evs []event.Event) error {
		if err := e.Ingest(ctx, evs); err != nil {
			if isSyncShutdown(err) {
				return err
			}
			return &FatalSyncError{Err: err}
		}
		remote = evs[len(evs)-1].ID
		return nil
	})
	if err != nil {
		return err
	}

	// Subscribe from the backend's head as of the completed pull: the
	// seeded backlog is then exactly the local events the backend lacks.
	q, err := e.Subscribe(ctx, remote)
	if err != nil {
		return err
	}
	defer e.Unsubscribe(q)

	for {
		item, ok := q.Next(ctx)
		if !ok {
			return ctx.Err()
		}
		if item.Origin == pullqueue.OriginUpstream {
			continue
		}
		for _, ev := range item.Events {
			if !ev.Global() {
				continue
			}
			ack, err := client.Push(ctx, ev)
			if err != nil {
				return err
			}
			if !ack.Equal(ev.ID) {
				e.stats.resequenced.Add(1)
			}
		}
	}
}
