package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tidelog/tidelog/internal/seqno"
)

// The materialization checkpoint is a single row recording the id of the
// last event applied to the relational state. It advances inside the same
// transaction as the event's writes, so state and checkpoint can never
// disagree after a crash.
//
// The full (global, local) pair is persisted rather than just the global
// component: local-only events also materialize, and a checkpoint that
// cannot name them would re-apply them on recovery.

// InitHead inserts the initial checkpoint row pointing at seqno.Root if
// no row exists. Race-free against concurrent first-boot attempts via
// INSERT .. DO NOTHING against the single-row table.
func (s *Store) InitHead(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO materialization_status (id, head_global, head_local)
		VALUES (0, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, seqno.Root.Global, seqno.Root.Local)
	if err != nil {
		return fmt.Errorf("init head: %w", err)
	}
	return nil
}

// Head returns the checkpoint, defaulting to seqno.Root if the row is
// somehow missing.
func (s *Store) Head(ctx context.Context) (seqno.Seq, error) {
	var head seqno.Seq
	err := s.db.QueryRowContext(ctx, `
		SELECT head_global, head_local FROM materialization_status WHERE id = 0
	`).Scan(&head.Global, &head.Local)
	if errors.Is(err, sql.ErrNoRows) {
		return seqno.Root, nil
	}
	if err != nil {
		return seqno.Seq{}, fmt.Errorf("read head: %w", err)
	}
	return head, nil
}

// AdvanceHead sets the checkpoint inside the caller's transaction.
// Unconditional: callers only call it with a value greater than the
// current head, in event-application order.
func (s *Store) AdvanceHead(ctx context.Context, tx *sql.Tx, head seqno.Seq) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE materialization_status SET head_global = ?, head_local = ? WHERE id = 0
	`, head.Global, head.Local)
	if err != nil {
		return fmt.Errorf("advance head to %s: %w", head, err)
	}
	return nil
}
