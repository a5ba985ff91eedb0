// Package epoll implements the Readiness Engine: a bypass-socket
// sweep-and-wait loop fused with kernel-FD epoll passthrough (spec.md §4.5).
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Grounded on the teacher's reactor/reactor_linux.go for the kernel-FD half
// (an owned epfd with create/register/wait/close over golang.org/x/sys/unix)
// and on _examples/original_source/demi_epoll/lib/src/
// epoll_wrapper.h for the bypass half (a sorted container keyed by queue
// descriptor plus an intrusive ready-list, and the available_events()
// predicate promoted here to Item.Available).
package epoll

import (
	"errors"
	"sort"
	"time"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"

	"github.com/momentics/dpoll/backend"
	"github.com/momentics/dpoll/dpollerr"
	"github.com/momentics/dpoll/internal/trace"
	"github.com/momentics/dpoll/socket"
)

// Event bit values mirror Linux's EPOLLIN/EPOLLOUT so that bypass and
// kernel-FD events share one representation in the caller's output slice.
const (
	EPOLLIN  = unix.EPOLLIN
	EPOLLOUT = unix.EPOLLOUT
)

// CreateFlags mirrors the original dpoll_create_impl(flags) signature
// (spec.md SUPPLEMENTED FEATURES): accepted and ignored, same as the
// original silently accepting anything beyond EPOLL_CLOEXEC.
type CreateFlags int

// Event is one readiness notification, carrying the caller's opaque
// user-data alongside the event mask that fired.
type Event struct {
	Events   uint32
	UserData uint64
}

// Item is one watched bypass socket within a Set (spec.md §4.5 "item in the
// sorted container").
type Item struct {
	QD       backend.QD
	Socket   *socket.Socket
	Events   uint32
	UserData uint64

	linked  bool
	removed bool
}

// Available reports the subset of Events currently deliverable, per
// spec.md §4.5 step 1's "subscribed ∩ {EPOLLIN if can_read/can_accept,
// EPOLLOUT if can_write}". Promoted from the original's inlined
// available_events() helper (spec.md SUPPLEMENTED FEATURES).
func (it *Item) Available() uint32 {
	var avail uint32
	if it.Socket.CanRead() || it.Socket.CanAccept() {
		avail |= uint32(EPOLLIN)
	}
	if it.Socket.CanWrite() {
		avail |= uint32(EPOLLOUT)
	}
	return avail & it.Events
}

type kernelWatch struct {
	userData uint64
}

// Set is one epoll set: a sorted container of bypass-socket items, an
// intrusive ready-list, and an owned kernel epoll descriptor for kernel-FD
// passthrough (spec.md §4.5).
type Set struct {
	provider backend.Provider

	items []*Item // sorted by QD; the "sorted container" of spec.md §4.5
	ready *queue.Queue

	kernelFD      int
	kernelWatches map[int32]*kernelWatch

	closed bool
}

// NewSet creates an epoll set backed by provider for bypass-socket waits and
// by a freshly created kernel epoll descriptor for kernel-FD passthrough.
func NewSet(provider backend.Provider, _ CreateFlags) (*Set, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, &dpollerr.BackendError{Op: "epoll_create1", Code: -1}
	}
	return &Set{
		provider:      provider,
		ready:         queue.New(),
		kernelFD:      epfd,
		kernelWatches: make(map[int32]*kernelWatch),
	}, nil
}

func (s *Set) find(qd backend.QD) (int, bool) {
	i := sort.Search(len(s.items), func(i int) bool { return s.items[i].QD >= qd })
	if i < len(s.items) && s.items[i].QD == qd {
		return i, true
	}
	return i, false
}

// AddSocket registers a bypass socket for events, per the "ctl is
// polymorphic in its watched FD" split of spec.md §4.1: the caller (the
// public API shim) has already classified the handle as a bypass socket and
// resolved it to sock/qd.
func (s *Set) AddSocket(qd backend.QD, sock *socket.Socket, events uint32, userData uint64) error {
	i, found := s.find(qd)
	if found {
		return &dpollerr.BackendError{Op: "epoll_ctl(ADD)", Code: -1} // EEXIST
	}
	item := &Item{QD: qd, Socket: sock, Events: events, UserData: userData}
	s.items = append(s.items, nil)
	copy(s.items[i+1:], s.items[i:])
	s.items[i] = item
	return nil
}

// ModSocket changes the subscribed event mask and user-data for an already
// registered bypass socket.
func (s *Set) ModSocket(qd backend.QD, events uint32, userData uint64) error {
	i, found := s.find(qd)
	if !found {
		return &dpollerr.BackendError{Op: "epoll_ctl(MOD)", Code: -1} // ENOENT
	}
	s.items[i].Events = events
	s.items[i].UserData = userData
	return nil
}

// DelSocket unregisters a bypass socket. Per spec.md §4.5 "Cancellation":
// this unlinks the item but does not cancel any in-flight backend token —
// it completes at the backend and is simply never observed again by this
// set. Marking removed before splicing out of s.items matters because
// eapache/queue is FIFO-only: an item already sitting in s.ready cannot be
// unlinked from the middle of the ring buffer, so drainReady checks this
// flag instead and drops the stale entry when it is eventually dequeued.
func (s *Set) DelSocket(qd backend.QD) error {
	i, found := s.find(qd)
	if !found {
		return &dpollerr.BackendError{Op: "epoll_ctl(DEL)", Code: -1} // ENOENT
	}
	s.items[i].removed = true
	s.items = append(s.items[:i], s.items[i+1:]...)
	return nil
}

// AddKernelFD registers an untranslated kernel file descriptor directly with
// the owned kernel epoll descriptor (spec.md §4.1 kernel-FD passthrough).
func (s *Set) AddKernelFD(fd int32, events uint32, userData uint64) error {
	ev := unix.EpollEvent{Events: events, Fd: fd}
	if err := unix.EpollCtl(s.kernelFD, unix.EPOLL_CTL_ADD, int(fd), &ev); err != nil {
		return &dpollerr.BackendError{Op: "epoll_ctl(ADD, kernel)", Code: -1}
	}
	s.kernelWatches[fd] = &kernelWatch{userData: userData}
	return nil
}

// ModKernelFD updates the subscribed mask for a registered kernel FD.
func (s *Set) ModKernelFD(fd int32, events uint32, userData uint64) error {
	w, ok := s.kernelWatches[fd]
	if !ok {
		return &dpollerr.BackendError{Op: "epoll_ctl(MOD, kernel)", Code: -1}
	}
	ev := unix.EpollEvent{Events: events, Fd: fd}
	if err := unix.EpollCtl(s.kernelFD, unix.EPOLL_CTL_MOD, int(fd), &ev); err != nil {
		return &dpollerr.BackendError{Op: "epoll_ctl(MOD, kernel)", Code: -1}
	}
	w.userData = userData
	return nil
}

// DelKernelFD unregisters a kernel FD from the owned kernel epoll
// descriptor.
func (s *Set) DelKernelFD(fd int32) error {
	if _, ok := s.kernelWatches[fd]; !ok {
		return &dpollerr.BackendError{Op: "epoll_ctl(DEL, kernel)", Code: -1}
	}
	if err := unix.EpollCtl(s.kernelFD, unix.EPOLL_CTL_DEL, int(fd), nil); err != nil {
		return &dpollerr.BackendError{Op: "epoll_ctl(DEL, kernel)", Code: -1}
	}
	delete(s.kernelWatches, fd)
	return nil
}

func (s *Set) link(it *Item) {
	if it.linked {
		return
	}
	it.linked = true
	s.ready.Add(it)
}

// sweep is step 1 of spec.md §4.5: walk the sorted container, evict closed
// sockets, link currently-ready items, and submit any missing pending
// operation needed to eventually make a subscribed-but-unavailable event
// fire. It returns the tokens collected for step 3's wait-any.
func (s *Set) sweep() ([]backend.Token, error) {
	var tokens []backend.Token
	var evict []backend.QD

	for _, it := range s.items {
		if !it.Socket.IsOpen() {
			evict = append(evict, it.QD)
			continue
		}

		if it.Available() != 0 {
			s.link(it)
		}

		missing := it.Events &^ it.Available()
		if missing&uint32(EPOLLIN) != 0 {
			if err := it.Socket.EnsureReadSubmitted(); err != nil {
				return nil, err
			}
		}

		if tok, pending := it.Socket.PendingToken(true); pending {
			tokens = append(tokens, tok)
		}
		if tok, pending := it.Socket.PendingToken(false); pending {
			tokens = append(tokens, tok)
		}
	}

	for _, qd := range evict {
		_ = s.DelSocket(qd) // marks removed; any ready-list entry is dropped by drainReady
	}

	if len(evict) > 0 {
		trace.Logf("epoll: sweep evicted %d closed item(s): %v", len(evict), evict)
	}

	return tokens, nil
}

// Wait runs one sweep-and-wait cycle (spec.md §4.5 steps 1-5) and fills out
// with up to len(out) readiness events. It returns the number of events
// written.
func (s *Set) Wait(out []Event, timeout time.Duration) (int, error) {
	if s.closed {
		return 0, dpollerr.ErrClosed
	}

	tokens, err := s.sweep()
	if err != nil {
		return 0, err
	}

	if trace.Enabled() {
		// Enabled() lets this skip walking s.items to build the per-item
		// debug line below on every Wait call when tracing is off.
		var watched []backend.QD
		for _, it := range s.items {
			watched = append(watched, it.QD)
		}
		trace.Logf("epoll: wait cycle: %d token(s), watching %v", len(tokens), watched)
	}

	if len(tokens) > 0 {
		waitTimeout := timeout
		if s.ready.Length() > 0 {
			waitTimeout = 0 // fast poll: don't delay already-deliverable events
		}
		comp, _, err := s.provider.WaitAny(tokens, waitTimeout)
		switch {
		case err == nil:
			if i, found := s.find(comp.QD); found {
				it := s.items[i]
				if applyErr := it.Socket.ApplyCompletion(comp); applyErr != nil {
					return 0, applyErr
				}
				if it.Available() != 0 {
					s.link(it)
				}
			}
		case errors.Is(err, dpollerr.ErrTimedOut):
			// proceed to kernel drain / ready-list drain
		default:
			return 0, err
		}
	}

	n := 0
	kernelTimeoutMs := 0
	if len(tokens) == 0 {
		kernelTimeoutMs = timeoutToMs(timeout)
	}
	kn, err := s.drainKernel(out, kernelTimeoutMs)
	if err != nil {
		return n, err
	}
	n += kn

	n += s.drainReady(out[n:])
	return n, nil
}

func timeoutToMs(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	return int(timeout / time.Millisecond)
}

func (s *Set) drainKernel(out []Event, timeoutMs int) (int, error) {
	if len(out) == 0 {
		return 0, nil
	}
	raw := make([]unix.EpollEvent, len(out))
	n, err := unix.EpollWait(s.kernelFD, raw, timeoutMs)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, &dpollerr.BackendError{Op: "epoll_wait(kernel)", Code: -1}
	}
	for i := 0; i < n; i++ {
		w, ok := s.kernelWatches[raw[i].Fd]
		if !ok {
			continue
		}
		out[i] = Event{Events: raw[i].Events, UserData: w.userData}
	}
	return n, nil
}

// drainReady is step 5: emit up to len(out) events from the ready-list,
// unlinking each on emission. A level-triggered item whose predicate still
// fires will be re-linked by the next sweep (spec.md §4.5 step 5).
//
// An item deleted or evicted after being linked stays in the queue's ring
// buffer — eapache/queue only supports FIFO removal, not an unlink from the
// middle, so ctl(DEL)/eviction can only tombstone via Item.removed. Every
// dequeue here must check that tombstone before trusting Available(); skip
// and discard a removed item rather than emitting a dead descriptor's event.
func (s *Set) drainReady(out []Event) int {
	n := 0
	for n < len(out) && s.ready.Length() > 0 {
		it := s.ready.Remove().(*Item)
		it.linked = false
		if it.removed {
			continue
		}
		avail := it.Available()
		if avail == 0 {
			continue
		}
		out[n] = Event{Events: avail, UserData: it.UserData}
		n++
	}
	return n
}

// Close releases the owned kernel epoll descriptor. In-flight backend
// tokens for bypass items are not cancelled (spec.md §4.5 "Cancellation");
// they are left to complete and be reaped at their socket's own Close.
func (s *Set) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := unix.Close(s.kernelFD); err != nil {
		return &dpollerr.BackendError{Op: "close(kernel epoll fd)", Code: -1}
	}
	return nil
}
