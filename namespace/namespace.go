// Package namespace partitions the 32-bit descriptor space into three
// disjoint ranges and classifies a handle without requiring the caller to
// annotate which domain it belongs to.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Grounded on _examples/original_source/demi_epoll/lib/src/impls.h, which
// defines the same three-range split via DPOLL_EPOLL_OFFSET/
// DPOLL_SOCKET_OFFSET and the qd_is_dpoll/qd_is_epoll/get_epoll_fd/
// get_socket_fd helpers. This package restates those as a typed Kind enum,
// the way the teacher turns small C-style predicates into typed Go helpers
// (see reactor.FDEventType in the teacher repo).
package namespace

// Kind identifies which domain a handle belongs to.
type Kind int

const (
	// KindKernelFD is an untranslated kernel file descriptor, forwarded to
	// the host OS verbatim.
	KindKernelFD Kind = iota
	// KindBypassEpoll is a bypass epoll set handle.
	KindBypassEpoll
	// KindBypassSocket is a bypass socket handle.
	KindBypassSocket
)

func (k Kind) String() string {
	switch k {
	case KindKernelFD:
		return "kernel-fd"
	case KindBypassEpoll:
		return "bypass-epoll"
	case KindBypassSocket:
		return "bypass-socket"
	default:
		return "unknown"
	}
}

const (
	// EpollBase is the first handle value reserved for bypass epoll sets.
	// Matches DPOLL_EPOLL_OFFSET in the original C implementation.
	EpollBase int32 = 1 << 16

	// SocketBase is the first handle value reserved for bypass sockets.
	// Matches DPOLL_SOCKET_OFFSET (EpollBase + 1024) in the original.
	SocketBase int32 = EpollBase + 1024
)

// Classify returns which domain handle belongs to. It is a pure, O(1)
// function: two comparisons, no state.
func Classify(handle int32) Kind {
	switch {
	case handle >= SocketBase:
		return KindBypassSocket
	case handle >= EpollBase:
		return KindBypassEpoll
	default:
		return KindKernelFD
	}
}

// EpollIndex extracts the epoll-slab index from a handle already known to
// classify as KindBypassEpoll. Callers must check Classify first; this
// function does not re-validate the range (mirrors the original's assert-only
// get_epoll_fd).
func EpollIndex(handle int32) int {
	return int(handle - EpollBase)
}

// SocketIndex extracts the socket-slab index from a handle already known to
// classify as KindBypassSocket.
func SocketIndex(handle int32) int {
	return int(handle - SocketBase)
}

// EpollHandle converts a slab index back into a public bypass-epoll handle.
func EpollHandle(index int) int32 {
	return EpollBase + int32(index)
}

// SocketHandle converts a slab index back into a public bypass-socket
// handle.
func SocketHandle(index int) int32 {
	return SocketBase + int32(index)
}
