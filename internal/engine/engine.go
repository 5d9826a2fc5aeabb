// Package engine hosts the single-writer leader loop: the only code
// path with write access to a store. It sequences commits, applies
// incoming events from the sync backend, keeps the materialization
// checkpoint in lockstep with the log, and fans committed events out to
// subscribers.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tidelog/tidelog/internal/event"
	"github.com/tidelog/tidelog/internal/pullqueue"
	"github.com/tidelog/tidelog/internal/schema"
	"github.com/tidelog/tidelog/internal/seqno"
	"github.com/tidelog/tidelog/internal/store"
)

// Mode is the engine lifecycle state.
type Mode int32

const (
	ModeIdle Mode = iota
	ModeBootstrapping
	ModeRunning
	ModeShuttingDown
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeBootstrapping:
		return "bootstrapping"
	case ModeRunning:
		return "running"
	case ModeShuttingDown:
		return "shutting-down"
	default:
		return "unknown"
	}
}

// Engine owns a store exclusively and serializes every mutation through
// one run loop. Readers go straight to the store; writers go through
// Commit and Ingest, which hand work to the loop and wait.
type Engine struct {
	dbPath   string
	lockPath string
	reg      *schema.Registry
	defs     *schema.Definitions
	log      *slog.Logger
	policy   OfflinePolicy

	st   *store.Store
	lock *storeLock
	set  *pullqueue.Set

	mode atomic.Int32

	// head is owned by the run loop; headCopy mirrors it for observers.
	head     seqno.Seq
	headMu   sync.Mutex
	headCopy seqno.Seq

	reqs    chan request
	stopped chan struct{}

	stats struct {
		commits     atomic.Int64
		ingested    atomic.Int64
		duplicates  atomic.Int64
		regressions atomic.Int64
		resequenced atomic.Int64
	}

	onSyncError func(error)
}

// Stats is a snapshot of the engine's event counters.
type Stats struct {
	Commits     int64 // events committed locally
	Ingested    int64 // events accepted from the backend
	Duplicates  int64 // inbound events dropped as duplicates
	Regressions int64 // inbound events dropped behind the head
	Resequenced int64 // pushes the backend acked under a different id
}

// Stats returns the current counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Commits:     e.stats.commits.Load(),
		Ingested:    e.stats.ingested.Load(),
		Duplicates:  e.stats.duplicates.Load(),
		Regressions: e.stats.regressions.Load(),
		Resequenced: e.stats.resequenced.Load(),
	}
}

type request struct {
	commit []event.Proposal
	ingest []event.Event
	resp   chan result
}

type result struct {
	events []event.Event
	err    error
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithDefinitions installs CUE payload definitions; proposals whose
// event name has a definition are validated against it before commit.
func WithDefinitions(defs *schema.Definitions) Option {
	return func(e *Engine) { e.defs = defs }
}

// WithOfflinePolicy controls how the sync loop reacts when the backend
// becomes unreachable. The default is KeepRunningOffline.
func WithOfflinePolicy(p OfflinePolicy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithSyncErrorHandler installs a callback invoked whenever the sync
// connection fails out-of-band of any commit. Commits themselves
// succeed locally regardless of connectivity.
func WithSyncErrorHandler(fn func(error)) Option {
	return func(e *Engine) { e.onSyncError = fn }
}

// New builds an engine for the store at dbPath. The store is not opened
// until Boot.
func New(dbPath string, reg *schema.Registry, opts ...Option) *Engine {
	e := &Engine{
		dbPath:   dbPath,
		lockPath: dbPath + ".lock",
		reg:      reg,
		defs:     schema.NoDefinitions(),
		log:      slog.Default(),
		policy:   KeepRunningOffline,
		reqs:     make(chan request),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Mode returns the engine's lifecycle state.
func (e *Engine) Mode() Mode {
	return Mode(e.mode.Load())
}

// Head returns the materialization head: the id of the last event whose
// table writes are durably applied.
func (e *Engine) Head() seqno.Seq {
	e.headMu.Lock()
	defer e.headMu.Unlock()
	return e.headCopy
}

func (e *Engine) setHead(h seqno.Seq) {
	e.head = h
	e.headMu.Lock()
	e.headCopy = h
	e.headMu.Unlock()
}

// Store exposes the underlying store for read-only queries. Callers
// must not write through it; all writes go through Commit.
func (e *Engine) Store() *store.Store {
	return e.st
}

// Boot acquires the leader lock, opens the store, and replays any log
// events past the materialization head so the tables catch up with the
// log. On success the engine is ready for Run.
func (e *Engine) Boot(ctx context.Context) error {
	if !e.mode.CompareAndSwap(int32(ModeIdle), int32(ModeBootstrapping)) {
		return ErrNotRunning
	}

	lock, err := acquireLock(e.lockPath)
	if err != nil {
		e.mode.Store(int32(ModeIdle))
		if IsLockHeld(err) {
			return err
		}
		return &BootError{Stage: "lock", Err: err}
	}
	e.lock = lock

	st, err := store.Open(e.dbPath)
	if err != nil {
		e.failBoot()
		return &BootError{Stage: "open", Err: err}
	}
	e.st = st

	if err := st.InitHead(ctx); err != nil {
		e.failBoot()
		return &BootError{Stage: "checkpoint", Err: err}
	}
	head, err := st.Head(ctx)
	if err != nil {
		e.failBoot()
		return &BootError{Stage: "checkpoint", Err: err}
	}
	e.setHead(head)

	if err := e.replayPending(ctx); err != nil {
		e.failBoot()
		return &BootError{Stage: "replay", Err: err}
	}

	e.set = pullqueue.NewSet(st)
	e.mode.Store(int32(ModeRunning))
	e.log.Info("engine booted", "store", e.dbPath, "head", e.head)
	return nil
}

func (e *Engine) failBoot() {
	if e.st != nil {
		e.st.Close()
		e.st = nil
	}
	if e.lock != nil {
		e.lock.release()
		e.lock = nil
	}
	e.mode.Store(int32(ModeIdle))
}

// replayPending re-materializes log events past the head. The append
// and its table writes normally commit in one transaction, so the gap
// is empty except after importing a snapshot written by an older
// version or a log copied without its checkpoint.
func (e *Engine) replayPending(ctx context.Context) error {
	pending, err := e.st.ReadSince(ctx, e.head)
	if err != nil {
		return err
	}
	for _, ev := range pending {
		ops, err := e.reg.Materialize(ev)
		if err != nil {
			return err
		}
		err = e.st.ExecTx(ctx, func(tx *sql.Tx) error {
			if err := execWriteOps(ctx, tx, ev, ops); err != nil {
				return err
			}
			return e.st.AdvanceHead(ctx, tx, ev.ID)
		})
		if err != nil {
			return err
		}
		e.setHead(ev.ID)
	}
	if len(pending) > 0 {
		e.log.Info("replayed pending events", "count", len(pending), "head", e.head)
	}
	return nil
}

// Run serves commits and ingests until ctx is cancelled, then shuts
// down: pending callers get ErrShuttingDown, subscriber queues close,
// the store closes, and the leader lock releases.
func (e *Engine) Run(ctx context.Context) error {
	if e.Mode() != ModeRunning {
		return ErrNotRunning
	}
	defer e.shutdown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-e.reqs:
			req.resp <- e.handle(ctx, req)
		}
	}
}

func (e *Engine) shutdown() {
	e.mode.Store(int32(ModeShuttingDown))
	close(e.stopped)
	e.set.Close()
	if err := e.st.Close(); err != nil {
		e.log.Warn("closing store", "error", err)
	}
	if err := e.lock.release(); err != nil {
		e.log.Warn("releasing store lock", "error", err)
	}
	e.log.Info("engine stopped", "head", e.Head())
}

// Commit validates and sequences a batch of proposals, appends them to
// the log, applies their table writes, and fans them out to
// subscribers. The batch is validated as a whole before any event is
// applied; a validation failure rejects it atomically.
//
// The returned events carry the ids the engine assigned. For global
// events the sync backend remains the final authority; the id is
// confirmed (or corrected) at push time.
func (e *Engine) Commit(ctx context.Context, proposals []event.Proposal) ([]event.Event, error) {
	if len(proposals) == 0 {
		return nil, nil
	}
	return e.submit(ctx, request{commit: proposals})
}

// Ingest applies events received from the sync backend. Duplicates are
// dropped silently, events behind the local head are dropped with a
// warning, and the rest are applied and fanned out.
func (e *Engine) Ingest(ctx context.Context, events []event.Event) error {
	if len(events) == 0 {
		return nil
	}
	_, err := e.submit(ctx, request{ingest: events})
	return err
}

// Subscribe registers a pull queue seeded with the log backlog after
// cursor. The caller owns the queue until Unsubscribe.
func (e *Engine) Subscribe(ctx context.Context, cursor seqno.Seq) (*pullqueue.Queue, error) {
	if e.Mode() != ModeRunning {
		return nil, ErrNotRunning
	}
	q, err := e.set.Subscribe(ctx, cursor)
	if err != nil {
		return nil, err
	}
	e.log.Debug("subscriber registered", "queue", q.ID(), "cursor", cursor)
	return q, nil
}

// Unsubscribe removes and closes a queue returned by Subscribe.
func (e *Engine) Unsubscribe(q *pullqueue.Queue) {
	e.set.Unsubscribe(q)
	e.log.Debug("subscriber removed", "queue", q.ID())
}

func (e *Engine) submit(ctx context.Context, req request) ([]event.Event, error) {
	if e.Mode() != ModeRunning {
		return nil, ErrNotRunning
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	req.resp = make(chan result, 1)

	select {
	case e.reqs <- req:
	case <-e.stopped:
		return nil, ErrShuttingDown
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// reqs is unbuffered, so a completed send means the loop has taken
	// the request and will answer exactly once, even if shutdown starts
	// meanwhile. Waiting only on resp keeps the answer truthful: a
	// caller must never hear ErrShuttingDown for a commit that applied.
	res := <-req.resp
	return res.events, res.err
}

func (e *Engine) handle(ctx context.Context, req request) result {
	if req.commit != nil {
		return e.handleCommit(ctx, req.commit)
	}
	return result{err: e.handleIngest(ctx, req.ingest)}
}

func (e *Engine) handleCommit(ctx context.Context, proposals []event.Proposal) result {
	// Validation phase: canonicalize payloads, check names and
	// definitions, assign sequence numbers. No state changes until the
	// whole batch passes.
	events := make([]event.Event, 0, len(proposals))
	cur := e.head
	for _, p := range proposals {
		if p.Name == event.RawWriteEventName {
			if _, err := event.DecodeRawWrite(p.Payload); err != nil {
				return result{err: fmt.Errorf("commit: %w", err)}
			}
		} else {
			if !e.reg.Has(p.Name) {
				return result{err: &schema.UnknownEventError{Name: p.Name}}
			}
			if err := e.defs.Validate(p.Name, p.Payload); err != nil {
				return result{err: fmt.Errorf("commit %s: %w", p.Name, err)}
			}
		}
		payload, err := event.CanonicalizePayload(p.Payload)
		if err != nil {
			return result{err: fmt.Errorf("commit %s: %w", p.Name, err)}
		}
		id, parent := seqno.Next(cur, p.LocalOnly)
		events = append(events, event.Event{ID: id, ParentID: parent, Name: p.Name, Payload: payload})
		cur = id
	}

	// Apply phase: one transaction per event, checkpoint advanced with
	// the writes so log and tables never diverge.
	tables := newTableSet()
	for _, ev := range events {
		touched, err := e.apply(ctx, ev)
		if err != nil {
			return result{err: fmt.Errorf("apply %s: %w", ev.ID, err)}
		}
		tables.add(touched)
	}

	e.stats.commits.Add(int64(len(events)))
	e.set.Offer(pullqueue.Item{
		Events: events,
		Tables: tables.list(),
		Origin: pullqueue.OriginLocal,
	})
	return result{events: events}
}

func (e *Engine) handleIngest(ctx context.Context, events []event.Event) error {
	// The transport must deliver events in order; a disordered batch is
	// malformed input, not a head conflict.
	for i := 1; i < len(events); i++ {
		if !events[i].ID.After(events[i-1].ID) {
			return &OrderingError{Index: i, Head: events[i-1].ID, Proposed: events[i].ID}
		}
	}

	var (
		accepted   []event.Event
		tables     = newTableSet()
		regressed  int
		firstStale seqno.Seq
	)
	for _, ev := range events {
		switch e.validateAndAdvance(ev.ID) {
		case HeadAdvance:
			touched, err := e.apply(ctx, ev)
			if err != nil {
				if store.IsDuplicateEvent(err) {
					e.stats.duplicates.Add(1)
					e.log.Debug("dropping event already in log", "id", ev.ID)
					continue
				}
				return fmt.Errorf("ingest %s: %w", ev.ID, err)
			}
			accepted = append(accepted, ev)
			tables.add(touched)

		case HeadDuplicate:
			e.stats.duplicates.Add(1)
			e.log.Debug("dropping duplicate event", "id", ev.ID)

		case HeadRegression:
			if regressed == 0 {
				firstStale = ev.ID
			}
			regressed++
		}
	}

	if regressed > 0 {
		e.stats.regressions.Add(int64(regressed))
		e.log.Warn("dropped events behind local head",
			"count", regressed,
			"first", firstStale,
			"head", e.head,
		)
	}
	if len(accepted) > 0 {
		e.stats.ingested.Add(int64(len(accepted)))
		e.set.Offer(pullqueue.Item{
			Events: accepted,
			Tables: tables.list(),
			Origin: pullqueue.OriginUpstream,
		})
	}
	return nil
}

// apply appends one event and executes its materialized writes in a
// single transaction, advancing the checkpoint with them.
func (e *Engine) apply(ctx context.Context, ev event.Event) ([]string, error) {
	ops, err := e.reg.Materialize(ev)
	if err != nil {
		return nil, err
	}

	err = e.st.ExecTx(ctx, func(tx *sql.Tx) error {
		if err := e.st.AppendEventTx(ctx, tx, ev); err != nil {
			return err
		}
		if err := execWriteOps(ctx, tx, ev, ops); err != nil {
			return err
		}
		return e.st.AdvanceHead(ctx, tx, ev.ID)
	})
	if err != nil {
		return nil, err
	}

	e.setHead(ev.ID)
	touched := make([]string, 0, len(ops))
	for _, op := range ops {
		touched = append(touched, op.Table)
	}
	return touched, nil
}

func execWriteOps(ctx context.Context, tx *sql.Tx, ev event.Event, ops []event.WriteOp) error {
	for _, op := range ops {
		if _, err := tx.ExecContext(ctx, op.SQL, op.Args...); err != nil {
			return fmt.Errorf("materialize %s into %s: %w", ev.ID, op.Table, err)
		}
	}
	return nil
}

// tableSet deduplicates touched table names preserving first-seen order.
type tableSet struct {
	seen  map[string]struct{}
	order []string
}

func newTableSet() *tableSet {
	return &tableSet{seen: make(map[string]struct{})}
}

func (t *tableSet) add(names []string) {
	for _, n := range names {
		if n == "" {
			continue
		}
		if _, ok := t.seen[n]; ok {
			continue
		}
		t.seen[n] = struct{}{}
		t.order = append(t.order, n)
	}
}

func (t *tableSet) list() []string {
	return t.order
}
