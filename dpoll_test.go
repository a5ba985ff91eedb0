package dpoll

import (
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/momentics/dpoll/backend/loopback"
	"github.com/momentics/dpoll/dpollerr"
	"github.com/momentics/dpoll/epoll"
)

// resetRouter gives each test a clean singleton, since the shim's
// single-instance router (spec.md §9) is process-wide state.
func resetRouter(t *testing.T) *loopback.Backend {
	t.Helper()
	b := loopback.New()
	defaultRouter.mu.Lock()
	defaultRouter.provider = nil
	defaultRouter.inited = false
	defaultRouter.mu.Unlock()
	require.NoError(t, Init(b, DefaultInitArgs()))
	return b
}

func TestSocketClassificationRoutesToBypass(t *testing.T) {
	resetRouter(t)
	fd, err := Socket(syscall.AF_INET, syscall.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, int32(fd), int32(1<<16)+1024)
}

func TestBindListenAcceptReadWrite(t *testing.T) {
	b := resetRouter(t)

	listenFD, err := Socket(syscall.AF_INET, syscall.SOCK_STREAM, 0)
	require.NoError(t, err)
	addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:2137")
	require.NoError(t, err)
	require.NoError(t, Bind(listenFD, addr))
	require.NoError(t, Listen(listenFD, 4))

	listenSock, err := defaultRouter.resolveSocket(listenFD)
	require.NoError(t, err)
	peer := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}
	_, err = b.SimulateConnect(listenSock.QD, peer, []byte("hi"))
	require.NoError(t, err)

	var connFD int32
	require.Eventually(t, func() bool {
		fd, err := Accept(listenFD)
		if err != nil {
			return false
		}
		connFD = fd
		return true
	}, time.Second, time.Millisecond)

	buf := make([]byte, 2)
	n, err := Read(connFD, buf)
	require.NoError(t, err)
	require.Equal(t, "hi", string(buf[:n]))

	n, err = Write(connFD, []byte("bye"))
	require.NoError(t, err)
	require.Equal(t, 3, n)

	require.NoError(t, Close(connFD))
	require.NoError(t, Close(listenFD))
}

func TestEpollCreateCtlWaitRoundTrip(t *testing.T) {
	b := resetRouter(t)

	listenFD, err := Socket(syscall.AF_INET, syscall.SOCK_STREAM, 0)
	require.NoError(t, err)
	addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:2138")
	require.NoError(t, err)
	require.NoError(t, Bind(listenFD, addr))
	require.NoError(t, Listen(listenFD, 4))

	epfd, err := EpollCreate(0)
	require.NoError(t, err)
	require.NoError(t, EpollCtl(epfd, CtlAdd, listenFD, uint32(epoll.EPOLLIN), uint64(listenFD)))

	out := make([]epoll.Event, 4)
	n, err := EpollWait(epfd, out, 20*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	listenSock, err := defaultRouter.resolveSocket(listenFD)
	require.NoError(t, err)
	_, err = b.SimulateConnect(listenSock.QD, &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}, nil)
	require.NoError(t, err)

	n, err = EpollWait(epfd, out, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, uint64(listenFD), out[0].UserData)

	require.NoError(t, EpollClose(epfd))
}

func TestGetSockNameRequiresBind(t *testing.T) {
	resetRouter(t)
	fd, err := Socket(syscall.AF_INET, syscall.SOCK_STREAM, 0)
	require.NoError(t, err)

	_, err = GetSockName(fd)
	require.ErrorIs(t, err, dpollerr.ErrBadDescriptor)

	addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:2139")
	require.NoError(t, err)
	require.NoError(t, Bind(fd, addr))

	got, err := GetSockName(fd)
	require.NoError(t, err)
	require.Equal(t, addr.String(), got.String())
}

func TestConnectOnBypassSocketNotSupported(t *testing.T) {
	resetRouter(t)
	fd, err := Socket(syscall.AF_INET, syscall.SOCK_STREAM, 0)
	require.NoError(t, err)

	addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:2140")
	require.NoError(t, err)
	err = Connect(fd, addr)
	require.ErrorIs(t, err, dpollerr.ErrNotSupported)
}

func TestSendMsgRecvMsgNotImplemented(t *testing.T) {
	resetRouter(t)
	fd, err := Socket(syscall.AF_INET, syscall.SOCK_STREAM, 0)
	require.NoError(t, err)

	_, err = SendMsg(fd, nil, nil)
	require.ErrorIs(t, err, dpollerr.ErrNotImplemented)
	_, err = RecvMsg(fd, nil, nil)
	require.ErrorIs(t, err, dpollerr.ErrNotImplemented)
}

func TestOperationBeforeInitFails(t *testing.T) {
	defaultRouter.mu.Lock()
	defaultRouter.provider = nil
	defaultRouter.inited = false
	defaultRouter.mu.Unlock()

	_, err := Socket(syscall.AF_INET, syscall.SOCK_STREAM, 0)
	require.Error(t, err)
}
