// Package loopback provides an in-process fake implementation of
// backend.Provider, used by this module's own tests in place of the real
// kernel-bypass library, which is an external collaborator out of scope for
// this repository (spec.md §1).
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Grounded on the teacher's fake/transport.go and fake/buffer.go: small,
// predictable, fully-controllable fakes for every core interface, built with
// nothing but stdlib sync primitives and channels.
package loopback

import (
	"net"
	"sync"
	"time"

	"github.com/momentics/dpoll/backend"
	"github.com/momentics/dpoll/dpollerr"
)

// Backend is a single-process fake backend. Every bypass socket is wired to
// at most one peer qstate; Push on one side enqueues into the other side's
// recv queue; Accept is satisfied from a listening socket's backlog, filled
// by SimulateConnect.
type Backend struct {
	mu sync.Mutex

	qds    map[backend.QD]*qstate
	nextQD int32

	pending   map[backend.Token]*pendingOp
	nextToken uint64

	wake chan struct{} // closed and replaced whenever state changes
}

type pendingOp struct {
	result backend.Completion
	ready  bool
}

type qstate struct {
	addr      *net.TCPAddr
	listening bool
	closed    bool

	backlogCap int
	backlog    []*qstate // completed, not-yet-accepted connections
	acceptWait []backend.Token

	peer *qstate // connected qd on the other end, nil until wired

	recv    [][]byte
	popWait []backend.Token
}

// New returns an empty loopback backend.
func New() *Backend {
	return &Backend{
		qds:     make(map[backend.QD]*qstate),
		pending: make(map[backend.Token]*pendingOp),
		wake:    make(chan struct{}),
	}
}

var _ backend.Provider = (*Backend)(nil)

func (b *Backend) broadcastLocked() {
	close(b.wake)
	b.wake = make(chan struct{})
}

func (b *Backend) newToken() backend.Token {
	b.nextToken++
	return backend.Token(b.nextToken)
}

func (b *Backend) submit(result backend.Completion, ready bool) backend.Token {
	tok := b.newToken()
	result.Token = tok
	b.pending[tok] = &pendingOp{result: result, ready: ready}
	return tok
}

// Init is a one-shot no-op for the fake backend.
func (b *Backend) Init(args []string) error { return nil }

// Socket allocates a new fake queue descriptor.
func (b *Backend) Socket(family, typ, proto int) (backend.QD, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	qd := backend.QD(b.nextQD)
	b.nextQD++
	b.qds[qd] = &qstate{}
	return qd, nil
}

func (b *Backend) get(qd backend.QD) (*qstate, error) {
	qs, ok := b.qds[qd]
	if !ok || qs.closed {
		return nil, dpollerr.ErrBadDescriptor
	}
	return qs, nil
}

// Bind records the local address for qd.
func (b *Backend) Bind(qd backend.QD, addr *net.TCPAddr) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	qs, err := b.get(qd)
	if err != nil {
		return err
	}
	qs.addr = addr
	return nil
}

// Listen marks qd as listening with the given backlog capacity.
func (b *Backend) Listen(qd backend.QD, backlogCap int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	qs, err := b.get(qd)
	if err != nil {
		return err
	}
	qs.listening = true
	qs.backlogCap = backlogCap
	return nil
}

// Connect is out of scope for the bypass path (spec.md §1/§9); the fake
// backend mirrors the contract's expectation of ENOTSUP/ENOSYS rather than
// guessing a state transition.
func (b *Backend) Connect(qd backend.QD, addr *net.TCPAddr) (backend.Token, error) {
	return 0, dpollerr.ErrNotSupported
}

// Accept submits an accept against a listening qd. If a connection is
// already sitting in the backlog (delivered via SimulateConnect) the
// completion is immediately ready; otherwise it resolves the next time
// SimulateConnect targets this qd.
func (b *Backend) Accept(qd backend.QD) (backend.Token, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	qs, err := b.get(qd)
	if err != nil {
		return 0, err
	}
	if !qs.listening {
		return 0, dpollerr.ErrBadDescriptor
	}

	if len(qs.backlog) > 0 {
		conn := qs.backlog[0]
		qs.backlog = qs.backlog[1:]
		newQD := b.registerLocked(conn)
		tok := b.submit(backend.Completion{
			Opcode: backend.OpAccept,
			QD:     qd,
			Accept: backend.AcceptResult{QD: newQD, Peer: conn.peer.addr, Early: drainEarly(conn)},
		}, true)
		return tok, nil
	}

	tok := b.submit(backend.Completion{Opcode: backend.OpAccept, QD: qd}, false)
	qs.acceptWait = append(qs.acceptWait, tok)
	return tok, nil
}

func drainEarly(conn *qstate) *backend.SGA {
	if len(conn.recv) == 0 {
		return nil
	}
	sga := &backend.SGA{Segments: conn.recv}
	conn.recv = nil
	return sga
}

// registerLocked assigns conn a fresh public QD and records the reverse
// mapping so later Push/Pop calls can find it. Caller must hold b.mu.
func (b *Backend) registerLocked(conn *qstate) backend.QD {
	qd := backend.QD(b.nextQD)
	b.nextQD++
	b.qds[qd] = conn
	return qd
}

// Push submits a send of sga's contents to qd's peer.
func (b *Backend) Push(qd backend.QD, sga *backend.SGA) (backend.Token, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	qs, err := b.get(qd)
	if err != nil {
		return 0, err
	}
	if qs.peer == nil {
		return 0, dpollerr.ErrBadDescriptor
	}

	flat := make([]byte, 0, sga.Len())
	for _, seg := range sga.Segments {
		flat = append(flat, seg...)
	}
	qs.peer.recv = append(qs.peer.recv, flat)

	if len(qs.peer.popWait) > 0 {
		tok := qs.peer.popWait[0]
		qs.peer.popWait = qs.peer.popWait[1:]
		b.completePopLocked(qs.peer, tok)
	}
	b.broadcastLocked()

	tok := b.submit(backend.Completion{Opcode: backend.OpPush, QD: qd}, true)
	return tok, nil
}

// Pop submits a receive on qd.
func (b *Backend) Pop(qd backend.QD) (backend.Token, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	qs, err := b.get(qd)
	if err != nil {
		return 0, err
	}

	if len(qs.recv) > 0 {
		chunk := qs.recv[0]
		qs.recv = qs.recv[1:]
		tok := b.submit(backend.Completion{
			Opcode: backend.OpPop,
			QD:     qd,
			SGA:    &backend.SGA{Segments: [][]byte{chunk}},
		}, true)
		return tok, nil
	}

	tok := b.submit(backend.Completion{Opcode: backend.OpPop, QD: qd}, false)
	qs.popWait = append(qs.popWait, tok)
	return tok, nil
}

func (b *Backend) completePopLocked(qs *qstate, tok backend.Token) {
	op, ok := b.pending[tok]
	if !ok || len(qs.recv) == 0 {
		return
	}
	chunk := qs.recv[0]
	qs.recv = qs.recv[1:]
	op.result.SGA = &backend.SGA{Segments: [][]byte{chunk}}
	op.ready = true
}

// Wait blocks at most timeout for tok to complete.
func (b *Backend) Wait(tok backend.Token, timeout time.Duration) (backend.Completion, error) {
	return b.waitTokens([]backend.Token{tok}, timeout, func(i int) {})
}

// WaitAny blocks at most timeout for any of toks to complete.
func (b *Backend) WaitAny(toks []backend.Token, timeout time.Duration) (backend.Completion, int, error) {
	var idx int
	comp, err := b.waitTokens(toks, timeout, func(i int) { idx = i })
	return comp, idx, err
}

func (b *Backend) waitTokens(toks []backend.Token, timeout time.Duration, onFound func(int)) (backend.Completion, error) {
	deadline := time.Time{}
	hasDeadline := timeout >= 0
	if hasDeadline {
		deadline = time.Now().Add(timeout)
	}

	for {
		b.mu.Lock()
		for i, tok := range toks {
			op, ok := b.pending[tok]
			if ok && op.ready {
				delete(b.pending, tok)
				b.mu.Unlock()
				onFound(i)
				return op.result, nil
			}
		}
		if hasDeadline && !time.Now().Before(deadline) {
			b.mu.Unlock()
			return backend.Completion{}, dpollerr.ErrTimedOut
		}
		wake := b.wake
		b.mu.Unlock()

		if !hasDeadline {
			<-wake
			continue
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return backend.Completion{}, dpollerr.ErrTimedOut
		}
		timer := time.NewTimer(remaining)
		select {
		case <-wake:
			timer.Stop()
		case <-timer.C:
			return backend.Completion{}, dpollerr.ErrTimedOut
		}
	}
}

// SGAAlloc allocates a single-segment SGA of the requested size.
func (b *Backend) SGAAlloc(size int) (*backend.SGA, error) {
	return &backend.SGA{Segments: [][]byte{make([]byte, size)}}, nil
}

// SGAFree is a no-op; the fake backend relies on the garbage collector.
func (b *Backend) SGAFree(sga *backend.SGA) error { return nil }

// Close releases qd. Any accept/pop waiters still pending against it are
// left to time out; this mirrors the real backend never completing tokens
// for a torn-down queue.
func (b *Backend) Close(qd backend.QD) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	qs, err := b.get(qd)
	if err != nil {
		return err
	}
	qs.closed = true
	b.broadcastLocked()
	return nil
}

// SimulateConnect stands in for a peer dialing into a listening qd, since
// there is no real kernel socket available in-process. It wires a fresh
// client-side qstate to a fresh server-side qstate, delivers earlyData into
// the server side's recv queue before the accept completes (exercising
// spec.md §8 scenario 6), and returns the client-side QD for the test to
// drive as "the other end" of the connection.
func (b *Backend) SimulateConnect(listenQD backend.QD, peerAddr *net.TCPAddr, earlyData []byte) (backend.QD, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	listener, err := b.get(listenQD)
	if err != nil {
		return 0, err
	}
	if !listener.listening {
		return 0, dpollerr.ErrBadDescriptor
	}
	if listener.backlogCap > 0 && len(listener.backlog) >= listener.backlogCap {
		return 0, dpollerr.ErrBadDescriptor
	}

	server := &qstate{addr: listener.addr}
	client := &qstate{addr: peerAddr}
	server.peer = client
	client.peer = server

	if len(earlyData) > 0 {
		server.recv = append(server.recv, append([]byte(nil), earlyData...))
	}

	clientQD := b.registerLocked(client)

	if len(listener.acceptWait) > 0 {
		tok := listener.acceptWait[0]
		listener.acceptWait = listener.acceptWait[1:]
		newQD := b.registerLocked(server)
		op := b.pending[tok]
		op.result.Accept = backend.AcceptResult{QD: newQD, Peer: peerAddr, Early: drainEarly(server)}
		op.ready = true
	} else {
		listener.backlog = append(listener.backlog, server)
	}
	b.broadcastLocked()

	return clientQD, nil
}
