package loopback

import (
	"net"
	"testing"
	"time"

	"github.com/momentics/dpoll/backend"
	"github.com/momentics/dpoll/dpollerr"
	"github.com/stretchr/testify/require"
)

func mustAddr(t *testing.T, s string) *net.TCPAddr {
	addr, err := net.ResolveTCPAddr("tcp", s)
	require.NoError(t, err)
	return addr
}

func TestAcceptAfterSimulateConnect(t *testing.T) {
	b := New()
	listenQD, err := b.Socket(0, 0, 0)
	require.NoError(t, err)
	require.NoError(t, b.Bind(listenQD, mustAddr(t, "127.0.0.1:2137")))
	require.NoError(t, b.Listen(listenQD, 1))

	clientQD, err := b.SimulateConnect(listenQD, mustAddr(t, "127.0.0.1:9999"), []byte("hi"))
	require.NoError(t, err)
	require.NotZero(t, clientQD)

	tok, err := b.Accept(listenQD)
	require.NoError(t, err)
	comp, err := b.Wait(tok, time.Second)
	require.NoError(t, err)
	require.Equal(t, backend.OpAccept, comp.Opcode)
	require.NotNil(t, comp.Accept.Early)
	require.Equal(t, 2, comp.Accept.Early.Len())
}

func TestAcceptBeforeSimulateConnect(t *testing.T) {
	b := New()
	listenQD, _ := b.Socket(0, 0, 0)
	require.NoError(t, b.Listen(listenQD, 1))

	tok, err := b.Accept(listenQD)
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_, _ = b.SimulateConnect(listenQD, mustAddr(t, "127.0.0.1:1"), nil)
	}()

	comp, err := b.Wait(tok, time.Second)
	require.NoError(t, err)
	require.Equal(t, backend.OpAccept, comp.Opcode)
}

func TestPushPopEcho(t *testing.T) {
	b := New()
	listenQD, _ := b.Socket(0, 0, 0)
	require.NoError(t, b.Listen(listenQD, 1))

	clientQD, err := b.SimulateConnect(listenQD, mustAddr(t, "127.0.0.1:1"), nil)
	require.NoError(t, err)
	tok, err := b.Accept(listenQD)
	require.NoError(t, err)
	comp, err := b.Wait(tok, time.Second)
	require.NoError(t, err)
	serverQD := comp.Accept.QD

	pushTok, err := b.Push(clientQD, &backend.SGA{Segments: [][]byte{[]byte("hello")}})
	require.NoError(t, err)
	_, err = b.Wait(pushTok, time.Second)
	require.NoError(t, err)

	popTok, err := b.Pop(serverQD)
	require.NoError(t, err)
	comp, err = b.Wait(popTok, time.Second)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), comp.SGA.Segments[0])
}

func TestWaitAnyTimeout(t *testing.T) {
	b := New()
	qd, _ := b.Socket(0, 0, 0)
	tok, err := b.Pop(qd)
	require.NoError(t, err)

	_, _, err = b.WaitAny([]backend.Token{tok}, 10*time.Millisecond)
	require.ErrorIs(t, err, dpollerr.ErrTimedOut)
}
