package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidelog/tidelog/internal/event"
	"github.com/tidelog/tidelog/internal/seqno"
)

// openTestStore creates a store in a temp dir, closed at test end.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testEvent(g, l int64, name string) event.Event {
	id := seqno.Seq{Global: g, Local: l}
	var parent seqno.Seq
	if l > 0 {
		parent = seqno.Seq{Global: g, Local: l - 1}
	} else {
		parent = seqno.Seq{Global: g - 1, Local: 0}
	}
	return event.Event{ID: id, ParentID: parent, Name: name, Payload: []byte(`{}`)}
}

func TestOpen_CreatesDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "new.db")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	assert.NoError(t, s.verifyPragma("journal_mode", "wal"))
	assert.NoError(t, s.verifyPragma("foreign_keys", "1"))
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "again.db")

	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.AppendEvent(context.Background(), testEvent(0, 0, "ItemAdded")))
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	n, err := s2.EventCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestExportImport_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.InitHead(ctx))
	require.NoError(t, s.AppendEvent(ctx, testEvent(0, 0, "ItemAdded")))
	require.NoError(t, s.AppendEvent(ctx, testEvent(1, 0, "ItemAdded")))

	blob, err := s.Export(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, blob)

	imported, err := ImportSnapshot(filepath.Join(t.TempDir(), "imported.db"), blob)
	require.NoError(t, err)
	defer imported.Close()

	n, err := imported.EventCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	max, err := imported.MaxEventID(ctx)
	require.NoError(t, err)
	assert.Equal(t, seqno.Seq{Global: 1, Local: 0}, max)
}

func TestImportSnapshot_RefusesExistingFile(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	blob, err := s.Export(ctx)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "exists.db")
	first, err := ImportSnapshot(path, blob)
	require.NoError(t, err)
	first.Close()

	_, err = ImportSnapshot(path, blob)
	assert.Error(t, err, "import over existing file must be rejected")
}

func TestExecTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	boom := errors.New("boom")
	err := s.ExecTx(ctx, func(tx *sql.Tx) error {
		ev := testEvent(0, 0, "ItemAdded")
		if err := s.AppendEventTx(ctx, tx, ev); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	// The append inside the failed transaction must not be visible.
	n, err := s.EventCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestExecTx_CommitsOnSuccess(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	err := s.ExecTx(ctx, func(tx *sql.Tx) error {
		return s.AppendEventTx(ctx, tx, testEvent(0, 0, "ItemAdded"))
	})
	require.NoError(t, err)

	n, err := s.EventCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
