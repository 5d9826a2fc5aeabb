package engine

import (
	"errors"
	"fmt"

	"github.com/tidelog/tidelog/internal/seqno"
)

// ErrShuttingDown is returned for commits and ingests submitted after
// shutdown has begun.
var ErrShuttingDown = errors.New("engine is shutting down")

// ErrNotRunning is returned when an operation requires a booted,
// running engine.
var ErrNotRunning = errors.New("engine is not running")

// BootError is a fatal startup failure: the engine did not start.
// Stage names the boot step that failed (lock, open, checkpoint, replay).
type BootError struct {
	Stage string
	Err   error
}

func (e *BootError) Error() string {
	return fmt.Sprintf("boot failed at %s: %v", e.Stage, e.Err)
}

func (e *BootError) Unwrap() error { return e.Err }

// IsBootError reports whether err is a fatal boot failure.
func IsBootError(err error) bool {
	var be *BootError
	return errors.As(err, &be)
}

// LockHeldError reports that another process holds write access to the
// store. Exactly one leader may hold a store's write lock; callers must
// fail fast rather than retry into a split-brain.
type LockHeldError struct {
	Path string
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("store lock %s is held by another leader", e.Path)
}

// IsLockHeld reports whether err means another leader owns the store.
func IsLockHeld(err error) bool {
	var le *LockHeldError
	return errors.As(err, &le)
}

// FatalSyncError marks a sync-session failure no reconnect can repair:
// the engine could not apply an event every other client has (unknown
// event name, failed materialization). Retrying would either skip the
// event, permanently diverging this client's tables from the shared
// log, or fail the same way forever, so the session must stop and the
// error must reach the operator.
type FatalSyncError struct {
	Err error
}

func (e *FatalSyncError) Error() string {
	return fmt.Sprintf("sync cannot continue: %v", e.Err)
}

func (e *FatalSyncError) Unwrap() error { return e.Err }

// IsFatalSync reports whether err is an unrecoverable sync failure.
func IsFatalSync(err error) bool {
	var fe *FatalSyncError
	return errors.As(err, &fe)
}

// OrderingError rejects a commit batch whose proposed events do not
// chain off the current head. The whole batch is rejected atomically;
// Index names the first offending proposal.
type OrderingError struct {
	Index    int
	Head     seqno.Seq
	Proposed seqno.Seq
}

func (e *OrderingError) Error() string {
	return fmt.Sprintf("ordering violation at batch index %d: proposed %s does not succeed head %s",
		e.Index, e.Proposed, e.Head)
}

// IsOrderingError reports whether err is a commit ordering rejection.
func IsOrderingError(err error) bool {
	var oe *OrderingError
	return errors.As(err, &oe)
}
