package seqno

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b Seq
		want int
	}{
		{"equal", Seq{3, 2}, Seq{3, 2}, 0},
		{"root equals root", Root, Root, 0},
		{"global dominates", Seq{2, 9}, Seq{3, 0}, -1},
		{"local breaks tie", Seq{3, 1}, Seq{3, 0}, 1},
		{"root before first", Root, Seq{0, 0}, -1},
		{"negative global", Seq{-1, 0}, Seq{-1, 1}, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Compare(tt.a, tt.b))
			assert.Equal(t, -tt.want, Compare(tt.b, tt.a))
		})
	}
}

func TestAfterEqual(t *testing.T) {
	assert.True(t, Seq{1, 0}.After(Seq{0, 5}))
	assert.False(t, Seq{0, 5}.After(Seq{1, 0}))
	assert.False(t, Seq{2, 2}.After(Seq{2, 2}))
	assert.True(t, Seq{2, 2}.Equal(Seq{2, 2}))
	assert.False(t, Seq{2, 2}.Equal(Seq{2, 3}))
}

func TestNext_Global(t *testing.T) {
	// A global event chains off the local=0 anchor of the previous
	// global step, regardless of layered local-only events.
	tests := []struct {
		name       string
		current    Seq
		wantID     Seq
		wantParent Seq
	}{
		{"from root", Root, Seq{0, 0}, Seq{-1, 0}},
		{"from first global", Seq{0, 0}, Seq{1, 0}, Seq{0, 0}},
		{"ignores local layer", Seq{0, 2}, Seq{1, 0}, Seq{0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, parent := Next(tt.current, false)
			assert.Equal(t, tt.wantID, id)
			assert.Equal(t, tt.wantParent, parent)

			// The new id always orders after the current head and
			// anchors at local=0.
			assert.Equal(t, 1, Compare(id, tt.current))
			assert.Equal(t, int64(0), id.Local)
		})
	}
}

func TestNext_LocalOnly(t *testing.T) {
	id, parent := Next(Seq{0, 0}, true)
	assert.Equal(t, Seq{0, 1}, id)
	assert.Equal(t, Seq{0, 0}, parent)

	id2, parent2 := Next(id, true)
	assert.Equal(t, Seq{0, 2}, id2)
	assert.Equal(t, id, parent2)

	// Local-only ids keep the current global and increment local by one.
	assert.Equal(t, Seq{0, 0}.Global, id2.Global)
	assert.Equal(t, int64(2), id2.Local)
}

func TestIsLocalOnly(t *testing.T) {
	assert.False(t, Seq{0, 0}.IsLocalOnly())
	assert.True(t, Seq{0, 1}.IsLocalOnly())
	assert.False(t, Root.IsLocalOnly())
}

func TestStringParse(t *testing.T) {
	for _, s := range []Seq{Root, {0, 0}, {12, 3}, {-1, 0}} {
		got, err := Parse(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}

	_, err := Parse("12")
	assert.Error(t, err)
	_, err = Parse("a.b")
	assert.Error(t, err)
}

func TestIsRoot(t *testing.T) {
	assert.True(t, Root.IsRoot())
	assert.False(t, Seq{0, 0}.IsRoot())
}
