package sga

import (
	"testing"

	"github.com/momentics/dpoll/backend"
	"github.com/stretchr/testify/require"
)

func TestCopyIntoFillsSegmentsInOrder(t *testing.T) {
	s := &backend.SGA{Segments: [][]byte{make([]byte, 3), make([]byte, 3)}}
	n := CopyInto([]byte("hello!"), s)
	require.Equal(t, 6, n)
	require.Equal(t, []byte("hel"), s.Segments[0])
	require.Equal(t, []byte("lo!"), s.Segments[1])
}

func TestCopyIntoPanicsOnUndersizedSGA(t *testing.T) {
	s := &backend.SGA{Segments: [][]byte{make([]byte, 2)}}
	require.Panics(t, func() { CopyInto([]byte("abc"), s) })
}

// Two successive reads against a single backing SGA of total length n
// deliver respectively k and n-k bytes, for any split k in [0, n]
// (spec.md §8 "Round-trip / laws").
func TestSplitReadLaw(t *testing.T) {
	const payload = "0123456789"
	for k := 0; k <= len(payload); k++ {
		s := &backend.SGA{Segments: [][]byte{[]byte(payload)}}
		offset := 0

		buf1 := make([]byte, k)
		n1, drained1 := CopyFrom(buf1, s, &offset)
		require.Equal(t, k, n1)

		buf2 := make([]byte, len(payload)-k)
		n2, drained2 := CopyFrom(buf2, s, &offset)
		require.Equal(t, len(payload)-k, n2)

		require.Equal(t, payload, string(buf1[:n1])+string(buf2[:n2]))
		if k == len(payload) {
			require.True(t, drained1)
		}
		require.True(t, drained2)
	}
}

func TestCopyFromAcrossSegmentBoundaries(t *testing.T) {
	s := &backend.SGA{Segments: [][]byte{[]byte("ab"), []byte("cde"), []byte("f")}}
	offset := 0

	buf := make([]byte, 4)
	n, drained := CopyFrom(buf, s, &offset)
	require.Equal(t, 4, n)
	require.Equal(t, "abcd", string(buf))
	require.False(t, drained)

	buf2 := make([]byte, 10)
	n2, drained2 := CopyFrom(buf2, s, &offset)
	require.Equal(t, 2, n2)
	require.Equal(t, "ef", string(buf2[:n2]))
	require.True(t, drained2)
}

func TestShortReadThenWouldBlockShape(t *testing.T) {
	// Backend delivers a 10-byte SGA; 4,4,2 is the classic short-read
	// sequence from spec.md §8 scenario 2.
	s := &backend.SGA{Segments: [][]byte{[]byte("0123456789")}}
	offset := 0
	buf := make([]byte, 4)

	n, drained := CopyFrom(buf, s, &offset)
	require.Equal(t, 4, n)
	require.False(t, drained)

	n, drained = CopyFrom(buf, s, &offset)
	require.Equal(t, 4, n)
	require.False(t, drained)

	n, drained = CopyFrom(buf, s, &offset)
	require.Equal(t, 2, n)
	require.True(t, drained)
}

func TestIovecRoundTrip(t *testing.T) {
	iovsIn := [][]byte{[]byte("foo"), []byte("barbaz")}
	total := 0
	for _, iov := range iovsIn {
		total += len(iov)
	}
	s := &backend.SGA{Segments: [][]byte{make([]byte, 4), make([]byte, total-4)}}
	n := CopyIntoFromIovecs(iovsIn, s)
	require.Equal(t, total, n)

	offset := 0
	out1 := make([]byte, 3)
	out2 := make([]byte, 6)
	gotN, drained := CopyFromToIovecs([][]byte{out1, out2}, s, &offset)
	require.Equal(t, total, gotN)
	require.True(t, drained)
	require.Equal(t, "foobarbaz", string(out1)+string(out2))
}

func TestIovecReadvStopsOnShortFill(t *testing.T) {
	s := &backend.SGA{Segments: [][]byte{[]byte("abcde")}}
	offset := 0
	out1 := make([]byte, 3)
	out2 := make([]byte, 10)
	n, drained := CopyFromToIovecs([][]byte{out1, out2}, s, &offset)
	require.True(t, drained)
	require.Equal(t, 5, n)
	require.Equal(t, "abc", string(out1))
	require.Equal(t, "de", string(out2[:2]))
}
