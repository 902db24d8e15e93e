package loop

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingAppendAndLast(t *testing.T) {
	r := NewRing(3)
	require.Equal(t, 3, r.Cap())
	assert.Empty(t, r.Last(0))

	r.Append("a")
	r.Append("b")
	assert.Equal(t, []string{"a", "b"}, r.Last(0))
	assert.Equal(t, []string{"b"}, r.Last(1))
	assert.Equal(t, 2, r.Len())
}

func TestRingEvictsOldest(t *testing.T) {
	r := NewRing(3)
	for i := 0; i < 5; i++ {
		r.Append(fmt.Sprintf("line-%d", i))
	}
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []string{"line-2", "line-3", "line-4"}, r.Last(0))
	assert.Equal(t, []string{"line-3", "line-4"}, r.Last(2))
}

func TestRingLastOverCount(t *testing.T) {
	r := NewRing(4)
	r.Append("only")
	assert.Equal(t, []string{"only"}, r.Last(10))
}

func TestRingClear(t *testing.T) {
	r := NewRing(2)
	r.Append("a")
	r.Append("b")
	r.Clear()
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Last(0))
	r.Append("c")
	assert.Equal(t, []string{"c"}, r.Last(0))
}
