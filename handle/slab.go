// Package handle implements the slab allocator backing the bypass-socket
// and bypass-epoll handle tables (spec.md §4.2).
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Grounded on _examples/original_source/demi_epoll/lib/src/internals/
// fd_manager.h's flat sockets/sockets_size array, with the O(1) free-list
// that the original lacks added on top (it never recycles a freed slot).
// The teacher's pool/objpool.go was not used: a sync.Pool wrapper cannot
// hand back a stable index.
package handle

// Slab is a free-list-backed slab store mapping a dense int index to a
// caller-owned value of type T. Deallocation prepends to the free-list and
// allocation pops its head, so Alloc returns the most recently freed index
// (not necessarily the smallest free one), or appends a new index when the
// free-list is empty. Indices are never reused while an
// entry is live, and existing indices remain valid across growth because
// element storage is a slice that is only ever appended to, never moved
// out from under live indices by Go's slice growth semantics (append may
// reallocate the backing array, but the index into the logical slab stays
// the same).
//
// Slab is not safe for concurrent use without external synchronization; the
// engine this backs is single-threaded cooperative per spec.md §5.
type Slab[T any] struct {
	entries  []entry[T]
	freeHead int // index of first free entry, or -1
	live     int
}

type entry[T any] struct {
	value    T
	occupied bool
	nextFree int // valid only when !occupied
}

// New returns an empty slab. capacityHint pre-sizes the backing slice
// without marking any entries occupied.
func New[T any](capacityHint int) *Slab[T] {
	return &Slab[T]{
		entries:  make([]entry[T], 0, capacityHint),
		freeHead: -1,
	}
}

// Alloc reserves the most recently freed index (or a new one past the end
// when none is free), stores value there, and returns the index. Growth is amortized doubling via Go's own append growth
// strategy on the backing slice.
func (s *Slab[T]) Alloc(value T) int {
	if s.freeHead != -1 {
		idx := s.freeHead
		s.freeHead = s.entries[idx].nextFree
		s.entries[idx] = entry[T]{value: value, occupied: true}
		s.live++
		return idx
	}
	idx := len(s.entries)
	s.entries = append(s.entries, entry[T]{value: value, occupied: true})
	s.live++
	return idx
}

// Get returns the value at idx and whether idx currently refers to a live
// entry.
func (s *Slab[T]) Get(idx int) (T, bool) {
	if idx < 0 || idx >= len(s.entries) || !s.entries[idx].occupied {
		var zero T
		return zero, false
	}
	return s.entries[idx].value, true
}

// Set overwrites the value at idx in place. idx must currently be live;
// Set on a free index is a no-op (defensive — callers are expected to have
// checked liveness via Get first).
func (s *Slab[T]) Set(idx int, value T) {
	if idx < 0 || idx >= len(s.entries) || !s.entries[idx].occupied {
		return
	}
	s.entries[idx].value = value
}

// Free releases idx back to the free-list. Freeing an already-free or
// out-of-range index is a no-op.
func (s *Slab[T]) Free(idx int) {
	if idx < 0 || idx >= len(s.entries) || !s.entries[idx].occupied {
		return
	}
	var zero T
	s.entries[idx] = entry[T]{value: zero, occupied: false, nextFree: s.freeHead}
	s.freeHead = idx
	s.live--
}

// Len returns the number of currently live entries.
func (s *Slab[T]) Len() int {
	return s.live
}

// Range calls fn for every live entry, in index order. fn must not mutate
// the slab.
func (s *Slab[T]) Range(fn func(idx int, value T)) {
	for i := range s.entries {
		if s.entries[i].occupied {
			fn(i, s.entries[i].value)
		}
	}
}
