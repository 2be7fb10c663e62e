package queryid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsNonZeroAndUnique(t *testing.T) {
	a := New()
	b := New()

	assert.False(t, a.IsZero())
	assert.False(t, b.IsZero())
	assert.NotEqual(t, a, b)
}

func TestStringRoundTrip(t *testing.T) {
	id := New()

	parsed, err := Parse(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestFilePathHasNoColon(t *testing.T) {
	id := ID{Hi: 0xdead, Lo: 0xbeef}
	assert.Equal(t, "dead_beef", id.FilePath())
	assert.Equal(t, "dead:beef", id.String())
}

func TestChildFragmentInstanceIDDistinct(t *testing.T) {
	q := New()

	a := ChildFragmentInstanceID(q, 0, 0)
	b := ChildFragmentInstanceID(q, 0, 1)
	c := ChildFragmentInstanceID(q, 1, 0)

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, q.Hi, a.Hi)
}
