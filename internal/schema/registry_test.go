package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidelog/tidelog/internal/event"
	"github.com/tidelog/tidelog/internal/seqno"
)

func itemAdded(ev event.Event) ([]event.WriteOp, error) {
	var p struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return nil, err
	}
	return []event.WriteOp{{
		SQL:   "INSERT INTO items (id) VALUES (?)",
		Args:  []any{p.ID},
		Table: "items",
	}}, nil
}

func TestRegistry_RegisterAndMaterialize(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("ItemAdded", itemAdded))
	assert.True(t, r.Has("ItemAdded"))
	assert.Equal(t, 1, r.Len())

	ops, err := r.Materialize(event.Event{
		ID:      seqno.Seq{Global: 0, Local: 0},
		Name:    "ItemAdded",
		Payload: []byte(`{"id":1}`),
	})
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "items", ops[0].Table)
	assert.Equal(t, []any{int64(1)}, ops[0].Args)
}

func TestRegistry_DuplicateRegistrationFails(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("ItemAdded", itemAdded))

	err := r.Register("ItemAdded", itemAdded)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")

	assert.Panics(t, func() { r.MustRegister("ItemAdded", itemAdded) })
}

func TestRegistry_ReservedNameRejected(t *testing.T) {
	r := NewRegistry()
	err := r.Register(event.RawWriteEventName, itemAdded)
	assert.Error(t, err)
}

func TestRegistry_UnknownEventPropagates(t *testing.T) {
	r := NewRegistry()

	_, err := r.Materialize(event.Event{Name: "Mystery", Payload: []byte(`{}`)})
	require.Error(t, err)
	assert.True(t, IsUnknownEvent(err))
}

func TestRegistry_RawWriteBypass(t *testing.T) {
	r := NewRegistry()

	prop, err := event.RawWrite(event.WriteOp{
		SQL:   "DELETE FROM items WHERE id = ?",
		Args:  []any{7},
		Table: "items",
	}, false)
	require.NoError(t, err)

	ops, err := r.Materialize(event.Event{Name: prop.Name, Payload: prop.Payload})
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "DELETE FROM items WHERE id = ?", ops[0].SQL)
}

func TestRegistry_Deterministic(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("ItemAdded", itemAdded))

	ev := event.Event{Name: "ItemAdded", Payload: []byte(`{"id":42}`)}
	ops1, err := r.Materialize(ev)
	require.NoError(t, err)
	ops2, err := r.Materialize(ev)
	require.NoError(t, err)
	assert.Equal(t, ops1, ops2)
}
