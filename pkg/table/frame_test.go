package table

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frameOf(t *testing.T, cols []string, rows ...[]string) *Frame {
	t.Helper()
	f := NewFrame(cols)
	for _, r := range rows {
		require.NoError(t, f.Add(r[0], r[1:]))
	}
	return f
}

func TestFrameJoinSuffix(t *testing.T) {
	left := frameOf(t, []string{"location", "insertions"},
		[]string{"A", "Lab", "1:C"},
		[]string{"B", "Lab", ""},
	)
	right := frameOf(t, []string{"insertions"},
		[]string{"B", "9:T"},
		[]string{"C", "2:G"},
	)

	out := left.Join(right, LeftJoin, ConflictSuffix, "_insertions")
	assert.Equal(t, []string{"location", "insertions", "insertions_insertions"}, out.Columns)
	assert.Equal(t, []string{"A", "B"}, out.Keys())

	v, ok := out.Value("B", "insertions_insertions")
	assert.True(t, ok)
	assert.Equal(t, "9:T", v)
	v, _ = out.Value("A", "insertions_insertions")
	assert.Equal(t, "", v)

	// The inputs are untouched.
	assert.Equal(t, []string{"location", "insertions"}, left.Columns)
	assert.Equal(t, 2, left.Len())
}

func TestFrameJoinOuterOverride(t *testing.T) {
	left := frameOf(t, []string{"deletions"},
		[]string{"A", "1-2"},
		[]string{"B", "3-4"},
	)
	right := frameOf(t, []string{"deletions"},
		[]string{"C", "5-6"},
		[]string{"B", ""},
	)

	out := left.Join(right, OuterJoin, ConflictOverride, "")
	assert.Equal(t, []string{"deletions"}, out.Columns)
	assert.Equal(t, []string{"A", "B", "C"}, out.Keys())

	for key, want := range map[string]string{"A": "1-2", "B": "", "C": "5-6"} {
		got, ok := out.Value(key, "deletions")
		assert.True(t, ok)
		assert.Equal(t, want, got, key)
	}
}

func TestFrameAddRejectsDuplicates(t *testing.T) {
	f := NewFrame([]string{"cluster"})
	require.NoError(t, f.Add("S1", []string{"1"}))
	assert.Error(t, f.Add("S1", []string{"2"}))
	assert.Error(t, f.Add("S2", nil))

	_, ok := f.Value("S9", "cluster")
	assert.False(t, ok)
	_, ok = f.Value("S1", "location")
	assert.False(t, ok)
}
