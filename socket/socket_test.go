package socket

import (
	"net"
	"testing"
	"time"

	"github.com/momentics/dpoll/backend"
	"github.com/momentics/dpoll/backend/loopback"
	"github.com/momentics/dpoll/dpollerr"
	"github.com/stretchr/testify/require"
)

func mustAddr(t *testing.T, s string) *net.TCPAddr {
	addr, err := net.ResolveTCPAddr("tcp", s)
	require.NoError(t, err)
	return addr
}

func waitFor(t *testing.T, pred func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if pred() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

// acceptBlocking retries Accept until it succeeds, returning the accepted
// socket. The loopback backend resolves synchronously once a connection is
// queued, so in practice this takes at most two calls: one to submit, one
// to probe the already-ready completion.
func acceptBlocking(t *testing.T, listener *Socket) *Socket {
	t.Helper()
	var conn *Socket
	waitFor(t, func() bool {
		c, err := listener.Accept()
		if err == nil {
			conn = c
			return true
		}
		return false
	})
	return conn
}

// Echo once (spec.md §8 scenario 1), driven directly against the socket
// state machine rather than through the public shim.
func TestEchoOnce(t *testing.T) {
	b := loopback.New()
	listenQD, err := b.Socket(0, 0, 0)
	require.NoError(t, err)
	listener := New(b, listenQD)
	require.NoError(t, listener.Bind(mustAddr(t, "127.0.0.1:2137")))
	require.NoError(t, listener.Listen(1))

	clientQD, err := b.SimulateConnect(listenQD, mustAddr(t, "127.0.0.1:1"), []byte("hi"))
	require.NoError(t, err)

	_, err = listener.Accept()
	require.ErrorIs(t, err, dpollerr.ErrWouldBlock)

	conn := acceptBlocking(t, listener)
	require.NotNil(t, conn)

	buf := make([]byte, 2)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hi", string(buf[:n]))

	pushTok, err := b.Push(clientQD, &backend.SGA{Segments: [][]byte{[]byte("bye")}})
	require.NoError(t, err)
	_, err = b.Wait(pushTok, time.Second)
	require.NoError(t, err)
}

func TestShortReadSequence(t *testing.T) {
	b := loopback.New()
	listenQD, _ := b.Socket(0, 0, 0)
	listener := New(b, listenQD)
	require.NoError(t, listener.Listen(1))

	clientQD, err := b.SimulateConnect(listenQD, mustAddr(t, "127.0.0.1:1"), nil)
	require.NoError(t, err)

	conn := acceptBlocking(t, listener)

	pushTok, err := b.Push(clientQD, &backend.SGA{Segments: [][]byte{[]byte("0123456789")}})
	require.NoError(t, err)
	_, err = b.Wait(pushTok, time.Second)
	require.NoError(t, err)

	buf := make([]byte, 4)

	_, err = conn.Read(buf)
	require.ErrorIs(t, err, dpollerr.ErrWouldBlock) // first call just submits the pop

	// Probe with a zero-length read: installs the buffered SGA (once the
	// backend completes the pop) without consuming any bytes from it.
	waitFor(t, func() bool { _, _ = conn.Read(nil); return conn.CanRead() })

	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 4, n)

	n, err = conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 4, n)

	n, err = conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	_, err = conn.Read(buf)
	require.ErrorIs(t, err, dpollerr.ErrWouldBlock)
}

// Write-then-wait (spec.md §8 scenario 3): write returns immediately with
// the byte count; CanWrite stays false until the push completes.
func TestWriteThenWait(t *testing.T) {
	b := loopback.New()
	listenQD, _ := b.Socket(0, 0, 0)
	listener := New(b, listenQD)
	require.NoError(t, listener.Listen(1))

	clientQD, err := b.SimulateConnect(listenQD, mustAddr(t, "127.0.0.1:1"), nil)
	require.NoError(t, err)

	conn := acceptBlocking(t, listener)

	n, err := conn.Write([]byte("abc"))
	require.NoError(t, err)
	require.Equal(t, 3, n)

	// The loopback backend completes pushes synchronously, but CanWrite
	// stays false until the socket reaps that completion; what matters is
	// that a second Write call correctly drains the first completion before
	// submitting a new one.
	require.True(t, conn.send.pending || conn.CanWrite())

	n2, err := conn.Write([]byte("d"))
	require.NoError(t, err)
	require.Equal(t, 1, n2)

	popTok, err := b.Pop(clientQD)
	require.NoError(t, err)
	comp, err := b.Wait(popTok, time.Second)
	require.NoError(t, err)
	require.Equal(t, "abc", string(comp.SGA.Segments[0]))
}

// Accept early-data (spec.md §8 scenario 6): the accept result carries
// payload so the first Read needs no new pop.
func TestAcceptEarlyData(t *testing.T) {
	b := loopback.New()
	listenQD, _ := b.Socket(0, 0, 0)
	listener := New(b, listenQD)
	require.NoError(t, listener.Listen(1))

	_, err := b.SimulateConnect(listenQD, mustAddr(t, "127.0.0.1:1"), []byte("payload"))
	require.NoError(t, err)

	conn := acceptBlocking(t, listener)

	require.True(t, conn.CanRead())
	buf := make([]byte, 32)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "payload", string(buf[:n]))
}

func TestCloseDrainsPendingSend(t *testing.T) {
	b := loopback.New()
	listenQD, _ := b.Socket(0, 0, 0)
	listener := New(b, listenQD)
	require.NoError(t, listener.Listen(1))

	_, err := b.SimulateConnect(listenQD, mustAddr(t, "127.0.0.1:1"), nil)
	require.NoError(t, err)

	conn := acceptBlocking(t, listener)

	_, err = conn.Write([]byte("abc"))
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	require.False(t, conn.IsOpen())
}
