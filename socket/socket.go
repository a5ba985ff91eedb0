// Package socket implements the per-socket state machine that tracks at
// most one in-flight accept, receive, and send against the token-based
// backend (spec.md §3 "Socket", §4.4).
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Grounded on _examples/original_source/demi_epoll/lib/src/
// socket_wrapper.h and demi_socket.h, restructured the way the teacher
// structures a connection's lifecycle in transport/tcp/listener.go
// (StartTCPListener/handleConn): one struct owning the backend handle, a
// bound address, and explicit per-operation methods rather than free
// functions over an opaque pointer.
package socket

import (
	"errors"
	"net"

	"github.com/momentics/dpoll/backend"
	"github.com/momentics/dpoll/dpollerr"
	"github.com/momentics/dpoll/sga"
)

// maxInFlight documents the slot budget per socket: accept, recv, send.
// The original C implementation names this MAX_OPS (4); this port only ever
// has three concurrently-meaningful slots, see DESIGN.md Open Question.
const maxInFlight = 3

// slot is the common bookkeeping shared by every pending-operation slot:
// at most one outstanding backend token, per spec.md §3 "Pending slot".
type slot struct {
	token   backend.Token
	pending bool
}

type sendSlot struct {
	slot
	sga *backend.SGA
}

type recvSlot struct {
	slot
	sga    *backend.SGA
	offset int
}

type acceptSlot struct {
	slot
	result *backend.AcceptResult
}

// Socket is the state machine owning one backend queue descriptor. It is
// either in "accepting" mode (after a successful Listen) or "connected"
// mode (recv/send); it cannot be both, mirroring the original's sentinel
// recv-offset encoding but expressed here as an explicit bool rather than
// overloading an offset field (spec.md §9 "Tagged union for pending
// slots").
type Socket struct {
	Provider backend.Provider
	QD       backend.QD

	bound *net.TCPAddr
	open  bool

	accepting bool

	send   sendSlot
	recv   recvSlot
	accept acceptSlot
}

// New wraps an already-created backend queue descriptor. Callers (the
// public API shim) are responsible for having called Provider.Socket first.
func New(provider backend.Provider, qd backend.QD) *Socket {
	return &Socket{Provider: provider, QD: qd, open: true}
}

// Bind associates addr with this socket and records it for GetSockName.
func (s *Socket) Bind(addr *net.TCPAddr) error {
	if err := s.Provider.Bind(s.QD, addr); err != nil {
		return err
	}
	s.bound = addr
	return nil
}

// Listen transitions the socket into accepting mode.
func (s *Socket) Listen(backlog int) error {
	if err := s.Provider.Listen(s.QD, backlog); err != nil {
		return err
	}
	s.accepting = true
	return nil
}

// IsAccepting reports whether this socket is in accepting mode.
func (s *Socket) IsAccepting() bool { return s.accepting }

// IsOpen reports whether Close has not yet been called.
func (s *Socket) IsOpen() bool { return s.open }

// Addr returns the bound local address, if any.
func (s *Socket) Addr() *net.TCPAddr { return s.bound }

// CanWrite reports whether the send slot has no buffered SGA and no
// in-flight push (spec.md §4.4 predicate table). The two conditions
// coincide in this implementation's invariant: a buffered-but-not-pending
// send never persists, so this reduces to "not pending".
func (s *Socket) CanWrite() bool { return !s.send.pending }

// CanRead reports whether the recv slot has a buffered, non-empty SGA
// ready for the caller.
func (s *Socket) CanRead() bool {
	return !s.accepting && s.recv.sga != nil && s.recv.offset < s.recv.sga.Len()
}

// CanAccept reports whether the accept slot has a completed, unconsumed
// accept result.
func (s *Socket) CanAccept() bool {
	return s.accepting && s.accept.result != nil
}

// PendingToken returns the token outstanding for whichever slot is
// relevant to event (EPOLLIN or EPOLLOUT), and whether one is in flight.
// Used by the readiness engine to collect tokens to wait on.
func (s *Socket) PendingToken(wantRead bool) (backend.Token, bool) {
	if wantRead {
		if s.accepting {
			return s.accept.token, s.accept.pending
		}
		return s.recv.token, s.recv.pending
	}
	return s.send.token, s.send.pending
}

// EnsureReadSubmitted submits a pop (or accept, in accepting mode) if the
// read-side slot is idle and nothing is currently buffered. It is the
// "schedule any missing in-flight operations" half of the readiness
// engine's sweep (spec.md §4.5 step 1).
func (s *Socket) EnsureReadSubmitted() error {
	if s.accepting {
		if s.accept.pending || s.accept.result != nil {
			return nil
		}
		tok, err := s.Provider.Accept(s.QD)
		if err != nil {
			return err
		}
		s.accept.token, s.accept.pending = tok, true
		return nil
	}
	if s.recv.pending || s.recv.sga != nil {
		return nil
	}
	tok, err := s.Provider.Pop(s.QD)
	if err != nil {
		return err
	}
	s.recv.token, s.recv.pending = tok, true
	return nil
}

// Read implements spec.md §4.4 "read(buf,len)".
func (s *Socket) Read(buf []byte) (int, error) {
	if s.accepting {
		dpollerr.Fatalf("socket: Read called on a socket in accepting mode")
	}

	if s.recv.sga == nil {
		if !s.recv.pending {
			tok, err := s.Provider.Pop(s.QD)
			if err != nil {
				return 0, err
			}
			s.recv.token, s.recv.pending = tok, true
			return 0, dpollerr.ErrWouldBlock
		}
		comp, err := s.Provider.Wait(s.recv.token, 0)
		if errors.Is(err, dpollerr.ErrTimedOut) {
			return 0, dpollerr.ErrWouldBlock
		}
		if err != nil {
			return 0, err
		}
		if err := s.applyPop(comp); err != nil {
			return 0, err
		}
	}

	n, drained := sga.CopyFrom(buf, s.recv.sga, &s.recv.offset)
	if drained {
		_ = s.Provider.SGAFree(s.recv.sga)
		s.recv.sga = nil
		s.recv.offset = 0
	}
	return n, nil
}

// Readv implements the scatter variant of Read over caller iovecs.
func (s *Socket) Readv(iovs [][]byte) (int, error) {
	if s.accepting {
		dpollerr.Fatalf("socket: Readv called on a socket in accepting mode")
	}
	if s.recv.sga == nil {
		if !s.recv.pending {
			tok, err := s.Provider.Pop(s.QD)
			if err != nil {
				return 0, err
			}
			s.recv.token, s.recv.pending = tok, true
			return 0, dpollerr.ErrWouldBlock
		}
		comp, err := s.Provider.Wait(s.recv.token, 0)
		if errors.Is(err, dpollerr.ErrTimedOut) {
			return 0, dpollerr.ErrWouldBlock
		}
		if err != nil {
			return 0, err
		}
		if err := s.applyPop(comp); err != nil {
			return 0, err
		}
	}

	n, drained := sga.CopyFromToIovecs(iovs, s.recv.sga, &s.recv.offset)
	if drained {
		_ = s.Provider.SGAFree(s.recv.sga)
		s.recv.sga = nil
		s.recv.offset = 0
	}
	return n, nil
}

// Write implements spec.md §4.4 "write(buf,len)".
func (s *Socket) Write(buf []byte) (int, error) {
	if s.send.pending {
		comp, err := s.Provider.Wait(s.send.token, 0)
		if errors.Is(err, dpollerr.ErrTimedOut) {
			return 0, dpollerr.ErrWouldBlock
		}
		if err != nil {
			return 0, err
		}
		if err := s.applyPush(comp); err != nil {
			return 0, err
		}
	}

	if s.send.sga != nil {
		// Invariant violation per spec.md §4.4: a buffered-but-not-pending
		// send must never be observed outside of this function's own
		// transient bookkeeping.
		dpollerr.Fatalf("socket: send slot buffered without being pending")
	}

	out, err := s.Provider.SGAAlloc(len(buf))
	if err != nil {
		return 0, err
	}
	n := sga.CopyInto(buf, out)
	tok, err := s.Provider.Push(s.QD, out)
	if err != nil {
		return 0, err
	}
	s.send.token, s.send.pending, s.send.sga = tok, true, out
	return n, nil
}

// Writev implements the gather variant of Write over caller iovecs.
func (s *Socket) Writev(iovs [][]byte) (int, error) {
	total := 0
	for _, iov := range iovs {
		total += len(iov)
	}
	if s.send.pending {
		comp, err := s.Provider.Wait(s.send.token, 0)
		if errors.Is(err, dpollerr.ErrTimedOut) {
			return 0, dpollerr.ErrWouldBlock
		}
		if err != nil {
			return 0, err
		}
		if err := s.applyPush(comp); err != nil {
			return 0, err
		}
	}

	if s.send.sga != nil {
		// Invariant violation per spec.md §4.4: a buffered-but-not-pending
		// send must never be observed outside of this function's own
		// transient bookkeeping.
		dpollerr.Fatalf("socket: send slot buffered without being pending")
	}

	out, err := s.Provider.SGAAlloc(total)
	if err != nil {
		return 0, err
	}
	n := sga.CopyIntoFromIovecs(iovs, out)
	tok, err := s.Provider.Push(s.QD, out)
	if err != nil {
		return 0, err
	}
	s.send.token, s.send.pending, s.send.sga = tok, true, out
	return n, nil
}

// Accept implements spec.md §4.4 "accept(&out_addr)" — the dual of Read
// against the accept slot.
func (s *Socket) Accept() (*Socket, error) {
	if !s.accepting {
		dpollerr.Fatalf("socket: Accept called on a non-listening socket")
	}

	if s.accept.result == nil {
		if !s.accept.pending {
			tok, err := s.Provider.Accept(s.QD)
			if err != nil {
				return nil, err
			}
			s.accept.token, s.accept.pending = tok, true
			return nil, dpollerr.ErrWouldBlock
		}
		comp, err := s.Provider.Wait(s.accept.token, 0)
		if errors.Is(err, dpollerr.ErrTimedOut) {
			return nil, dpollerr.ErrWouldBlock
		}
		if err != nil {
			return nil, err
		}
		if err := s.applyAccept(comp); err != nil {
			return nil, err
		}
	}

	result := s.accept.result
	s.accept.result = nil

	child := New(s.Provider, result.QD)
	if result.Early != nil {
		child.recv.sga = result.Early
	}
	return child, nil
}

// Close implements spec.md §4.4 "close": any slot with a pending token is
// awaited to completion (blocking) before the backend descriptor is
// released, so the backend never completes a token into a freed slot.
func (s *Socket) Close() error {
	if !s.open {
		return nil
	}
	s.open = false

	if s.send.pending {
		comp, err := s.Provider.Wait(s.send.token, -1)
		if err == nil {
			_ = s.applyPush(comp)
		}
		s.send.pending = false
	}
	if s.send.sga != nil {
		_ = s.Provider.SGAFree(s.send.sga)
		s.send.sga = nil
	}

	if s.accepting {
		if s.accept.pending {
			_, _ = s.Provider.Wait(s.accept.token, -1)
			s.accept.pending = false
		}
	} else {
		if s.recv.pending {
			_, _ = s.Provider.Wait(s.recv.token, -1)
			s.recv.pending = false
		}
		if s.recv.sga != nil {
			_ = s.Provider.SGAFree(s.recv.sga)
			s.recv.sga = nil
		}
	}

	return s.Provider.Close(s.QD)
}

// ApplyCompletion routes a harvested completion into whichever slot its
// token matches, installs the payload, and clears pending (spec.md §4.4
// "Event application"). It is called by the readiness engine after a
// wait-any returns a completion for this socket's queue descriptor.
func (s *Socket) ApplyCompletion(comp backend.Completion) error {
	switch comp.Opcode {
	case backend.OpAccept:
		return s.applyAccept(comp)
	case backend.OpPush:
		return s.applyPush(comp)
	case backend.OpPop:
		return s.applyPop(comp)
	case backend.OpFailed:
		return s.applyFailed(comp)
	default:
		dpollerr.Fatalf("socket: unknown completion opcode %v", comp.Opcode)
		return nil
	}
}

func (s *Socket) applyAccept(comp backend.Completion) error {
	if comp.Opcode == backend.OpFailed {
		return s.applyFailed(comp)
	}
	if !s.accepting || !s.accept.pending || comp.Token != s.accept.token {
		dpollerr.Fatalf("socket: accept completion does not match pending accept slot")
	}
	if comp.Opcode != backend.OpAccept {
		dpollerr.Fatalf("socket: completion opcode %v delivered to accept slot", comp.Opcode)
	}
	s.accept.pending = false
	result := comp.Accept
	s.accept.result = &result
	return nil
}

func (s *Socket) applyPush(comp backend.Completion) error {
	if comp.Opcode == backend.OpFailed {
		return s.applyFailed(comp)
	}
	if !s.send.pending || comp.Token != s.send.token {
		dpollerr.Fatalf("socket: push completion does not match pending send slot")
	}
	if comp.Opcode != backend.OpPush {
		dpollerr.Fatalf("socket: completion opcode %v delivered to send slot", comp.Opcode)
	}
	s.send.pending = false
	if s.send.sga != nil {
		_ = s.Provider.SGAFree(s.send.sga)
		s.send.sga = nil
	}
	return nil
}

func (s *Socket) applyPop(comp backend.Completion) error {
	if comp.Opcode == backend.OpFailed {
		return s.applyFailed(comp)
	}
	if s.accepting || !s.recv.pending || comp.Token != s.recv.token {
		dpollerr.Fatalf("socket: pop completion does not match pending recv slot")
	}
	if comp.Opcode != backend.OpPop {
		dpollerr.Fatalf("socket: completion opcode %v delivered to recv slot", comp.Opcode)
	}
	s.recv.pending = false
	s.recv.sga = comp.SGA
	s.recv.offset = 0
	return nil
}

func (s *Socket) applyFailed(comp backend.Completion) error {
	switch {
	case s.accepting && s.accept.pending && comp.Token == s.accept.token:
		s.accept.pending = false
	case !s.accepting && s.recv.pending && comp.Token == s.recv.token:
		s.recv.pending = false
	case s.send.pending && comp.Token == s.send.token:
		s.send.pending = false
		if s.send.sga != nil {
			_ = s.Provider.SGAFree(s.send.sga)
			s.send.sga = nil
		}
	default:
		dpollerr.Fatalf("socket: failed completion token does not match any pending slot")
	}
	if comp.Err != nil {
		return comp.Err
	}
	return &dpollerr.BackendError{Op: "completion", Code: -1}
}
