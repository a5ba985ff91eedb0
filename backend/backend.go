// Package backend defines the narrow contract this shim consumes from the
// underlying kernel-bypass I/O library (spec.md §6). The backend itself —
// socket creation, token completion semantics, scatter-gather allocation —
// is an external collaborator and is never implemented in this module;
// package backend only states the interface, and package backend/loopback
// provides an in-process fake implementing it for tests and examples.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package backend

import (
	"net"
	"time"
)

// QD is a backend queue descriptor: the backend's identifier for a backend
// socket, distinct from the public handle this shim exposes.
type QD int32

// Token is a backend per-submission identifier. Completion is observed by
// waiting on it. Tokens are never reused across operations (spec.md §3
// "Lifecycle").
type Token uint64

// Opcode identifies which submission a Completion answers.
type Opcode int

const (
	OpAccept Opcode = iota
	OpPush
	OpPop
	OpFailed
)

func (o Opcode) String() string {
	switch o {
	case OpAccept:
		return "accept"
	case OpPush:
		return "push"
	case OpPop:
		return "pop"
	case OpFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SGA is a backend-allocated scatter-gather buffer composed of one or more
// contiguous segments (spec.md glossary). Segments are owned by whichever
// slot currently holds the SGA; ownership never crosses slots.
type SGA struct {
	Segments [][]byte
}

// Len returns the total byte length across all segments.
func (s *SGA) Len() int {
	n := 0
	for _, seg := range s.Segments {
		n += len(seg)
	}
	return n
}

// AcceptResult is the payload of a completed accept: a new backend queue
// descriptor and the peer address. Early carries any payload the backend
// delivered alongside the accept itself (spec.md §8 scenario 6); it is nil
// when the backend delivered no early data.
type AcceptResult struct {
	QD    QD
	Peer  *net.TCPAddr
	Early *SGA
}

// Completion is the tagged-union result of waiting on a token (spec.md §6).
// Exactly one of SGA/Accept is meaningful, selected by Opcode; Err is set
// when Opcode == OpFailed.
type Completion struct {
	Opcode Opcode
	QD     QD
	Token  Token
	Accept AcceptResult
	SGA    *SGA
	Err    error
}

// Provider is the backend contract this shim is built against. All
// submission methods (Accept/Push/Pop) are non-blocking: they return a
// Token immediately and the caller observes completion via Wait/WaitAny.
type Provider interface {
	// Init performs process-wide one-shot initialization.
	Init(args []string) error

	// Socket creates a backend queue descriptor. family/typ/proto follow
	// POSIX socket() conventions; this shim only ever calls it with
	// AF_INET/SOCK_STREAM (spec.md Non-goals).
	Socket(family, typ, proto int) (QD, error)

	// Bind associates a local address with qd.
	Bind(qd QD, addr *net.TCPAddr) error

	// Listen transitions qd into the listening state.
	Listen(qd QD, backlog int) error

	// Connect is out of scope per spec.md §1/§9; implementations should
	// return an error equivalent to ENOTSUP/ENOSYS rather than guess the
	// intended state transition.
	Connect(qd QD, addr *net.TCPAddr) (Token, error)

	// Accept submits an accept against a listening qd.
	Accept(qd QD) (Token, error)

	// Push submits a send of sga's contents.
	Push(qd QD, sga *SGA) (Token, error)

	// Pop submits a receive.
	Pop(qd QD) (Token, error)

	// Wait blocks at most timeout for tok to complete. A zero timeout is a
	// pure poll; a negative timeout waits indefinitely.
	Wait(tok Token, timeout time.Duration) (Completion, error)

	// WaitAny blocks at most timeout for any one of toks to complete,
	// returning the completion and the index into toks that fired.
	WaitAny(toks []Token, timeout time.Duration) (Completion, int, error)

	// SGAAlloc allocates a scatter-gather buffer with at least size bytes
	// of total segment capacity.
	SGAAlloc(size int) (*SGA, error)

	// SGAFree releases a scatter-gather buffer.
	SGAFree(sga *SGA) error

	// Close releases a backend queue descriptor.
	Close(qd QD) error
}
