// Package dpoll is the Public API Shim (spec.md §4.6): POSIX-named entry
// points that route by descriptor range to either a bypass socket backed by
// an injected kernel-bypass provider, or straight through to the host
// kernel.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Grounded on the teacher's server/hioload.go facade: one struct
// orchestrating every subsystem behind package-level Config/New/Start/
// Shutdown entry points. spec.md §9 notes that a single instance is the
// only supported deployment, so this shim adapts that facade shape to free
// functions over a package-level singleton router rather than a
// caller-constructed object.
package dpoll

import (
	"errors"
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/momentics/dpoll/backend"
	"github.com/momentics/dpoll/dpollerr"
	"github.com/momentics/dpoll/epoll"
	"github.com/momentics/dpoll/handle"
	"github.com/momentics/dpoll/internal/trace"
	"github.com/momentics/dpoll/namespace"
	"github.com/momentics/dpoll/socket"
)

// router owns every subsystem this shim dispatches into: the injected
// backend provider, and the two handle slabs (bypass sockets, bypass epoll
// sets) that back the public int32 handle space above namespace.EpollBase.
type router struct {
	mu sync.Mutex

	provider backend.Provider
	inited   bool

	sockets *handle.Slab[*socket.Socket]
	epolls  *handle.Slab[*epoll.Set]
}

// defaultRouter is the process-wide singleton router. Only one instance is
// supported, so this module keeps it package-level instead of passing an
// explicit context around. Init replaces its slabs with ones sized from
// InitArgs; the zero-value capacities here only matter before Init runs.
var defaultRouter = &router{
	sockets: handle.New[*socket.Socket](0),
	epolls:  handle.New[*epoll.Set](0),
}

// InitArgs configures the one-shot initialization performed by Init,
// carrying the teacher's Config/DefaultConfig pattern
// (server/hioload.go) over to this shim's own capacity knobs.
type InitArgs struct {
	// SocketSlabCapacity pre-sizes the bypass-socket handle table.
	SocketSlabCapacity int
	// EpollSlabCapacity pre-sizes the bypass-epoll handle table.
	EpollSlabCapacity int
	// ProviderArgs is forwarded verbatim to backend.Provider.Init.
	ProviderArgs []string
}

// DefaultInitArgs returns baseline capacities, mirroring the teacher's
// DefaultConfig().
func DefaultInitArgs() InitArgs {
	return InitArgs{SocketSlabCapacity: 16, EpollSlabCapacity: 4}
}

// Init performs the one-shot process-wide initialization spec.md §6
// requires before any bypass operation. provider is the kernel-bypass
// backend this shim drives; callers own its lifetime beyond this package
// (spec.md §1: the backend itself is out of scope for this module).
func Init(provider backend.Provider, args InitArgs) error {
	defaultRouter.mu.Lock()
	defer defaultRouter.mu.Unlock()
	if defaultRouter.inited {
		return nil
	}
	if args.SocketSlabCapacity <= 0 {
		args.SocketSlabCapacity = DefaultInitArgs().SocketSlabCapacity
	}
	if args.EpollSlabCapacity <= 0 {
		args.EpollSlabCapacity = DefaultInitArgs().EpollSlabCapacity
	}
	if err := provider.Init(args.ProviderArgs); err != nil {
		return err
	}
	defaultRouter.sockets = handle.New[*socket.Socket](args.SocketSlabCapacity)
	defaultRouter.epolls = handle.New[*epoll.Set](args.EpollSlabCapacity)
	defaultRouter.provider = provider
	defaultRouter.inited = true
	trace.Logf("dpoll: initialized")
	return nil
}

// errNotInitialized is returned when a bypass operation is attempted before
// Init has been called (spec.md §6 "a small init entry point must be called
// once before any bypass operation").
var errNotInitialized = errors.New("dpoll: bypass operation before Init")

func (r *router) requireInited() error {
	if !r.inited {
		return errNotInitialized
	}
	return nil
}

// Socket implements spec.md §4.6 "socket()": AF_INET+SOCK_STREAM allocates
// a bypass socket; any other family/type pair falls through to the host
// kernel socket() call.
func Socket(family, typ, proto int) (int32, error) {
	defaultRouter.mu.Lock()
	defer defaultRouter.mu.Unlock()

	if family == unix.AF_INET && typ == unix.SOCK_STREAM {
		if err := defaultRouter.requireInited(); err != nil {
			return 0, err
		}
		qd, err := defaultRouter.provider.Socket(family, typ, proto)
		if err != nil {
			return 0, err
		}
		sock := socket.New(defaultRouter.provider, qd)
		idx := defaultRouter.sockets.Alloc(sock)
		return namespace.SocketHandle(idx), nil
	}

	fd, err := unix.Socket(family, typ, proto)
	return int32(fd), err
}

// resolveSocket returns the *socket.Socket a bypass-socket handle names, or
// an error if the handle is stale or out of range.
func (r *router) resolveSocket(h int32) (*socket.Socket, error) {
	sock, ok := r.sockets.Get(namespace.SocketIndex(h))
	if !ok {
		return nil, dpollerr.ErrBadDescriptor
	}
	return sock, nil
}

func sockaddrFromTCPAddr(addr *net.TCPAddr) (unix.Sockaddr, error) {
	ip4 := addr.IP.To4()
	if ip4 == nil {
		return nil, dpollerr.ErrNotSupported // IPv6/non-IPv4 bypass sockets are a Non-goal
	}
	sa := &unix.SockaddrInet4{Port: addr.Port}
	copy(sa.Addr[:], ip4)
	return sa, nil
}

// Bind implements spec.md §4.6 "bind()".
func Bind(h int32, addr *net.TCPAddr) error {
	switch namespace.Classify(h) {
	case namespace.KindBypassSocket:
		defaultRouter.mu.Lock()
		sock, err := defaultRouter.resolveSocket(h)
		defaultRouter.mu.Unlock()
		if err != nil {
			return err
		}
		return sock.Bind(addr)
	case namespace.KindKernelFD:
		sa, err := sockaddrFromTCPAddr(addr)
		if err != nil {
			return err
		}
		return unix.Bind(int(h), sa)
	default:
		return dpollerr.ErrBadDescriptor
	}
}

// Listen implements spec.md §4.6 "listen()".
func Listen(h int32, backlog int) error {
	switch namespace.Classify(h) {
	case namespace.KindBypassSocket:
		defaultRouter.mu.Lock()
		sock, err := defaultRouter.resolveSocket(h)
		defaultRouter.mu.Unlock()
		if err != nil {
			return err
		}
		return sock.Listen(backlog)
	case namespace.KindKernelFD:
		return unix.Listen(int(h), backlog)
	default:
		return dpollerr.ErrBadDescriptor
	}
}

// Accept implements spec.md §4.6 "accept()". On a bypass socket this is
// non-blocking and returns dpollerr.ErrWouldBlock until a connection
// completes; the caller is expected to poll again or wait on readiness via
// EpollWait.
func Accept(h int32) (int32, error) {
	switch namespace.Classify(h) {
	case namespace.KindBypassSocket:
		defaultRouter.mu.Lock()
		sock, err := defaultRouter.resolveSocket(h)
		if err != nil {
			defaultRouter.mu.Unlock()
			return 0, err
		}
		child, acceptErr := sock.Accept()
		if acceptErr != nil {
			defaultRouter.mu.Unlock()
			return 0, acceptErr
		}
		idx := defaultRouter.sockets.Alloc(child)
		defaultRouter.mu.Unlock()
		return namespace.SocketHandle(idx), nil
	case namespace.KindKernelFD:
		fd, _, err := unix.Accept(int(h))
		return int32(fd), err
	default:
		return 0, dpollerr.ErrBadDescriptor
	}
}

// Close implements spec.md §4.6 "close()". On a bypass socket this also
// releases the handle table slot; the handle must not be used again.
func Close(h int32) error {
	switch namespace.Classify(h) {
	case namespace.KindBypassSocket:
		defaultRouter.mu.Lock()
		idx := namespace.SocketIndex(h)
		sock, ok := defaultRouter.sockets.Get(idx)
		if !ok {
			defaultRouter.mu.Unlock()
			return dpollerr.ErrBadDescriptor
		}
		defaultRouter.sockets.Free(idx)
		defaultRouter.mu.Unlock()
		return sock.Close()
	case namespace.KindKernelFD:
		return unix.Close(int(h))
	default:
		return dpollerr.ErrBadDescriptor
	}
}
