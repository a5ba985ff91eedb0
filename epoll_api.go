package dpoll

import (
	"time"

	"github.com/momentics/dpoll/dpollerr"
	"github.com/momentics/dpoll/epoll"
	"github.com/momentics/dpoll/namespace"
)

// CtlOp mirrors EPOLL_CTL_ADD/MOD/DEL.
type CtlOp int

const (
	CtlAdd CtlOp = iota
	CtlMod
	CtlDel
)

// EpollCreate implements spec.md §4.6 "epoll create": allocates a bypass
// epoll set and returns a handle in the bypass-epoll range.
func EpollCreate(flags epoll.CreateFlags) (int32, error) {
	defaultRouter.mu.Lock()
	defer defaultRouter.mu.Unlock()
	if err := defaultRouter.requireInited(); err != nil {
		return 0, err
	}
	set, err := epoll.NewSet(defaultRouter.provider, flags)
	if err != nil {
		return 0, err
	}
	idx := defaultRouter.epolls.Alloc(set)
	return namespace.EpollHandle(idx), nil
}

// EpollCtl implements spec.md §4.6 "epoll ctl". This is the sole point
// where cross-domain composition happens (spec.md §4.1): watched is
// classified independently of epfd, and dispatched to either the set's
// bypass-socket container or its kernel-FD passthrough half.
func EpollCtl(epfd int32, op CtlOp, watched int32, events uint32, userData uint64) error {
	if namespace.Classify(epfd) != namespace.KindBypassEpoll {
		return dpollerr.ErrBadDescriptor
	}

	defaultRouter.mu.Lock()
	set, ok := defaultRouter.epolls.Get(namespace.EpollIndex(epfd))
	defaultRouter.mu.Unlock()
	if !ok {
		return dpollerr.ErrBadDescriptor
	}

	switch namespace.Classify(watched) {
	case namespace.KindBypassSocket:
		defaultRouter.mu.Lock()
		s, ok := defaultRouter.sockets.Get(namespace.SocketIndex(watched))
		defaultRouter.mu.Unlock()
		if !ok {
			return dpollerr.ErrBadDescriptor
		}
		switch op {
		case CtlAdd:
			return set.AddSocket(s.QD, s, events, userData)
		case CtlMod:
			return set.ModSocket(s.QD, events, userData)
		case CtlDel:
			return set.DelSocket(s.QD)
		default:
			return dpollerr.ErrBadDescriptor
		}
	case namespace.KindKernelFD:
		switch op {
		case CtlAdd:
			return set.AddKernelFD(watched, events, userData)
		case CtlMod:
			return set.ModKernelFD(watched, events, userData)
		case CtlDel:
			return set.DelKernelFD(watched)
		default:
			return dpollerr.ErrBadDescriptor
		}
	default:
		return dpollerr.ErrBadDescriptor
	}
}

// EpollWait implements spec.md §4.6 "epoll wait", running one
// sweep-and-wait cycle (spec.md §4.5) against the named set.
func EpollWait(epfd int32, out []epoll.Event, timeout time.Duration) (int, error) {
	if namespace.Classify(epfd) != namespace.KindBypassEpoll {
		return 0, dpollerr.ErrBadDescriptor
	}
	defaultRouter.mu.Lock()
	set, ok := defaultRouter.epolls.Get(namespace.EpollIndex(epfd))
	defaultRouter.mu.Unlock()
	if !ok {
		return 0, dpollerr.ErrBadDescriptor
	}
	return set.Wait(out, timeout)
}

// EpollClose releases the owned kernel epoll descriptor and frees the
// handle table slot. Not part of POSIX epoll's own surface, but this shim
// needs a way to release the resource spec.md §4.6 otherwise leaves
// implicit in "close()".
func EpollClose(epfd int32) error {
	if namespace.Classify(epfd) != namespace.KindBypassEpoll {
		return dpollerr.ErrBadDescriptor
	}
	defaultRouter.mu.Lock()
	idx := namespace.EpollIndex(epfd)
	set, ok := defaultRouter.epolls.Get(idx)
	if !ok {
		defaultRouter.mu.Unlock()
		return dpollerr.ErrBadDescriptor
	}
	defaultRouter.epolls.Free(idx)
	defaultRouter.mu.Unlock()
	return set.Close()
}
