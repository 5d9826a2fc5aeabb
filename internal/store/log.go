package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tidelog/tidelog/internal/event"
	"github.com/tidelog/tidelog/internal/seqno"
)

// DuplicateEventError reports an append of an event whose id already
// exists in the log. Idempotent retries hit this path and treat it as
// success at the call site that knows the retry is safe.
type DuplicateEventError struct {
	ID seqno.Seq
}

func (e *DuplicateEventError) Error() string {
	return fmt.Sprintf("duplicate event %s: id already in log", e.ID)
}

// IsDuplicateEvent reports whether err is a DuplicateEventError.
// Uses errors.As to handle wrapped errors.
func IsDuplicateEvent(err error) bool {
	var de *DuplicateEventError
	return errors.As(err, &de)
}

// AppendEvent appends a single event to the log outside any caller
// transaction. Fails with DuplicateEventError if the id already exists.
func (s *Store) AppendEvent(ctx context.Context, ev event.Event) error {
	res, err := s.db.ExecContext(ctx, appendEventSQL, appendEventArgs(ev)...)
	if err != nil {
		return fmt.Errorf("append event %s: %w", ev.ID, err)
	}
	return checkAppended(res, ev.ID)
}

// AppendEventTx appends a single event inside the caller's transaction.
// The engine uses this so the append shares a transaction with the
// event's materialized writes and the checkpoint advance.
func (s *Store) AppendEventTx(ctx context.Context, tx *sql.Tx, ev event.Event) error {
	res, err := tx.ExecContext(ctx, appendEventSQL, appendEventArgs(ev)...)
	if err != nil {
		return fmt.Errorf("append event %s: %w", ev.ID, err)
	}
	return checkAppended(res, ev.ID)
}

const appendEventSQL = `
	INSERT INTO event_log
	(seq_global, seq_local, parent_global, parent_local, name, payload)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(seq_global, seq_local) DO NOTHING
`

func appendEventArgs(ev event.Event) []any {
	return []any{
		ev.ID.Global,
		ev.ID.Local,
		ev.ParentID.Global,
		ev.ParentID.Local,
		ev.Name,
		string(ev.Payload),
	}
}

// checkAppended turns a conflict no-op into DuplicateEventError so the
// caller can distinguish "already present" from a fresh append.
func checkAppended(res sql.Result, id seqno.Seq) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("append event %s: rows affected: %w", id, err)
	}
	if n == 0 {
		return &DuplicateEventError{ID: id}
	}
	return nil
}

// ReadSince returns every event with id strictly greater than cursor, in
// sequence order. Restartable from any valid cursor including seqno.Root.
func (s *Store) ReadSince(ctx context.Context, cursor seqno.Seq) ([]event.Event, error) {
	events, _, err := s.ReadPage(ctx, cursor, 0)
	return events, err
}

// ReadPage returns up to limit events with id strictly greater than
// cursor, plus whether more remain. limit <= 0 means no limit.
// The backend uses this to serve cursor-paginated pull responses.
func (s *Store) ReadPage(ctx context.Context, cursor seqno.Seq, limit int) ([]event.Event, bool, error) {
	query := `
		SELECT seq_global, seq_local, parent_global, parent_local, name, payload
		FROM event_log
		WHERE seq_global > ? OR (seq_global = ? AND seq_local > ?)
		ORDER BY seq_global ASC, seq_local ASC
	`
	args := []any{cursor.Global, cursor.Global, cursor.Local}
	if limit > 0 {
		// Fetch one extra row to learn whether more remain.
		query += " LIMIT ?"
		args = append(args, limit+1)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("read events since %s: %w", cursor, err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, false, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate events: %w", err)
	}

	hasMore := false
	if limit > 0 && len(events) > limit {
		events = events[:limit]
		hasMore = true
	}
	return events, hasMore, nil
}

// MaxEventID returns the id of the last event in the log, or seqno.Root
// if the log is empty. Used at boot to find the replay target.
func (s *Store) MaxEventID(ctx context.Context) (seqno.Seq, error) {
	var id seqno.Seq
	err := s.db.QueryRowContext(ctx, `
		SELECT seq_global, seq_local FROM event_log
		ORDER BY seq_global DESC, seq_local DESC
		LIMIT 1
	`).Scan(&id.Global, &id.Local)
	if errors.Is(err, sql.ErrNoRows) {
		return seqno.Root, nil
	}
	if err != nil {
		return seqno.Seq{}, fmt.Errorf("max event id: %w", err)
	}
	return id, nil
}

// EventCount returns the number of events in the log.
func (s *Store) EventCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_log`).Scan(&n); err != nil {
		return 0, fmt.Errorf("event count: %w", err)
	}
	return n, nil
}

func scanEvent(rows *sql.Rows) (event.Event, error) {
	var ev event.Event
	var payload string
	err := rows.Scan(
		&ev.ID.Global,
		&ev.ID.Local,
		&ev.ParentID.Global,
		&ev.ParentID.Local,
		&ev.Name,
		&payload,
	)
	if err != nil {
		return event.Event{}, fmt.Errorf("scan event: %w", err)
	}
	ev.Payload = []byte(payload)
	return ev, nil
}
