package dpoll

import (
	"net"

	"golang.org/x/sys/unix"

	"github.com/momentics/dpoll/dpollerr"
	"github.com/momentics/dpoll/namespace"
)

// Read implements spec.md §4.6 "read()".
func Read(h int32, buf []byte) (int, error) {
	switch namespace.Classify(h) {
	case namespace.KindBypassSocket:
		defaultRouter.mu.Lock()
		sock, err := defaultRouter.resolveSocket(h)
		defaultRouter.mu.Unlock()
		if err != nil {
			return 0, err
		}
		return sock.Read(buf)
	case namespace.KindKernelFD:
		return unix.Read(int(h), buf)
	default:
		return 0, dpollerr.ErrBadDescriptor
	}
}

// Write implements spec.md §4.6 "write()".
func Write(h int32, buf []byte) (int, error) {
	switch namespace.Classify(h) {
	case namespace.KindBypassSocket:
		defaultRouter.mu.Lock()
		sock, err := defaultRouter.resolveSocket(h)
		defaultRouter.mu.Unlock()
		if err != nil {
			return 0, err
		}
		return sock.Write(buf)
	case namespace.KindKernelFD:
		return unix.Write(int(h), buf)
	default:
		return 0, dpollerr.ErrBadDescriptor
	}
}

// Readv implements spec.md §4.6 "readv()".
func Readv(h int32, iovs [][]byte) (int, error) {
	switch namespace.Classify(h) {
	case namespace.KindBypassSocket:
		defaultRouter.mu.Lock()
		sock, err := defaultRouter.resolveSocket(h)
		defaultRouter.mu.Unlock()
		if err != nil {
			return 0, err
		}
		return sock.Readv(iovs)
	case namespace.KindKernelFD:
		return unix.Readv(int(h), iovs)
	default:
		return 0, dpollerr.ErrBadDescriptor
	}
}

// Writev implements spec.md §4.6 "writev()".
func Writev(h int32, iovs [][]byte) (int, error) {
	switch namespace.Classify(h) {
	case namespace.KindBypassSocket:
		defaultRouter.mu.Lock()
		sock, err := defaultRouter.resolveSocket(h)
		defaultRouter.mu.Unlock()
		if err != nil {
			return 0, err
		}
		return sock.Writev(iovs)
	case namespace.KindKernelFD:
		return unix.Writev(int(h), iovs)
	default:
		return 0, dpollerr.ErrBadDescriptor
	}
}

// GetSockName implements spec.md §4.6 "getsockname()": returns the stored
// bound address, or fails if the socket was never bound.
func GetSockName(h int32) (*net.TCPAddr, error) {
	switch namespace.Classify(h) {
	case namespace.KindBypassSocket:
		defaultRouter.mu.Lock()
		sock, err := defaultRouter.resolveSocket(h)
		defaultRouter.mu.Unlock()
		if err != nil {
			return nil, err
		}
		addr := sock.Addr()
		if addr == nil {
			return nil, dpollerr.ErrBadDescriptor
		}
		return addr, nil
	case namespace.KindKernelFD:
		sa, err := unix.Getsockname(int(h))
		if err != nil {
			return nil, err
		}
		return sockaddrToTCPAddr(sa)
	default:
		return nil, dpollerr.ErrBadDescriptor
	}
}

func sockaddrToTCPAddr(sa unix.Sockaddr) (*net.TCPAddr, error) {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(v.Addr[:]), Port: v.Port}, nil
	default:
		return nil, dpollerr.ErrNotSupported
	}
}

// SetSockOpt implements spec.md §4.6 "setsockopt()": accepted and ignored
// on a bypass socket (spec.md §4.6's explicit policy), forwarded to the
// kernel otherwise.
func SetSockOpt(h int32, level, opt, value int) error {
	switch namespace.Classify(h) {
	case namespace.KindBypassSocket:
		defaultRouter.mu.Lock()
		_, err := defaultRouter.resolveSocket(h)
		defaultRouter.mu.Unlock()
		return err // validates the handle; the option itself is a no-op
	case namespace.KindKernelFD:
		return unix.SetsockoptInt(int(h), level, opt, value)
	default:
		return dpollerr.ErrBadDescriptor
	}
}

// Connect implements spec.md §4.6 "connect()" on the kernel-FD range only.
// Bypass-socket connect is an explicit Non-goal (spec.md §1/§9): the
// source's handling of it is incomplete and this port declines to guess
// the intended state transition, surfacing ErrNotSupported instead.
func Connect(h int32, addr *net.TCPAddr) error {
	switch namespace.Classify(h) {
	case namespace.KindBypassSocket:
		return dpollerr.ErrNotSupported
	case namespace.KindKernelFD:
		sa, err := sockaddrFromTCPAddr(addr)
		if err != nil {
			return err
		}
		return unix.Connect(int(h), sa)
	default:
		return dpollerr.ErrBadDescriptor
	}
}

// SendMsg implements spec.md §4.6 "sendmsg()". Left unimplemented per
// spec.md §4.6's explicit allowance ("sendmsg/recvmsg may be left
// unimplemented").
func SendMsg(h int32, iovs [][]byte, oob []byte) (int, error) {
	return 0, dpollerr.ErrNotImplemented
}

// RecvMsg implements spec.md §4.6 "recvmsg()". Left unimplemented, same
// rationale as SendMsg.
func RecvMsg(h int32, iovs [][]byte, oob []byte) (int, error) {
	return 0, dpollerr.ErrNotImplemented
}
