package handle

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocFreeReuse(t *testing.T) {
	s := New[string](0)

	a := s.Alloc("first")
	b := s.Alloc("second")
	require.Equal(t, 0, a)
	require.Equal(t, 1, b)
	require.Equal(t, 2, s.Len())

	s.Free(a)
	require.Equal(t, 1, s.Len())

	// The freed index is recycled before growing the slab further.
	c := s.Alloc("third")
	require.Equal(t, 0, c)
	require.Equal(t, 2, s.Len())

	v, ok := s.Get(b)
	require.True(t, ok)
	require.Equal(t, "second", v)
}

func TestGetOnFreeIndexFails(t *testing.T) {
	s := New[int](0)
	idx := s.Alloc(42)
	s.Free(idx)

	_, ok := s.Get(idx)
	require.False(t, ok)

	_, ok = s.Get(idx + 5)
	require.False(t, ok)
}

func TestIndicesStableAcrossGrowth(t *testing.T) {
	s := New[int](1)
	idxs := make([]int, 0, 256)
	for i := 0; i < 256; i++ {
		idxs = append(idxs, s.Alloc(i))
	}
	for i, idx := range idxs {
		v, ok := s.Get(idx)
		require.True(t, ok)
		require.Equal(t, i, v)
	}
}

func TestRangeVisitsOnlyLive(t *testing.T) {
	s := New[int](0)
	a := s.Alloc(1)
	_ = s.Alloc(2)
	s.Free(a)

	seen := map[int]int{}
	s.Range(func(idx, value int) { seen[idx] = value })
	require.Len(t, seen, 1)
	require.Equal(t, 2, seen[1])
}
