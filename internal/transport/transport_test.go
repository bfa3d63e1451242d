package transport_test

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sneh-joshi/disqube/internal/transport"
	"github.com/sneh-joshi/disqube/internal/wire"
)

const loopback = "127.0.0.1"

func testConfig() transport.Config {
	return transport.Config{
		IP:             loopback,
		QueueCapacity:  8,
		MaxConnections: 2,
		Reconnections:  2,
		ConnectTimeout: 200 * time.Millisecond,
		PollTimeout:    20 * time.Millisecond,
		Order:          binary.BigEndian,
	}
}

func loopbackPort(port uint16) netip.AddrPort {
	return netip.AddrPortFrom(netip.MustParseAddr(loopback), port)
}

func newUDP(t *testing.T) *transport.UDPInterface {
	t.Helper()
	itf, err := transport.NewUDPInterface(testConfig(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = itf.Close() })
	itf.Start()
	return itf
}

func newTCP(t *testing.T) *transport.TCPInterface {
	t.Helper()
	itf, err := transport.NewTCPInterface(testConfig(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = itf.Close() })
	itf.Start()
	return itf
}

func receive(t *testing.T, itf transport.Interface) transport.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	env, err := itf.ReceivedElement(ctx)
	require.NoError(t, err, "nothing received")
	return env
}

func TestUDP_LoopbackSimpleMessage(t *testing.T) {
	a := newUDP(t)
	b := newUDP(t)

	err := a.SendTo(context.Background(), loopbackPort(b.ListenerPort()), wire.NewSimple("Ciao", wire.ProtoTCP))
	require.NoError(t, err)

	env := receive(t, b)
	assert.Equal(t, wire.ProtoUDP, env.Proto)
	assert.Equal(t, a.SenderPort(), env.Src.Port())
	assert.Equal(t, netip.MustParseAddr(loopback), env.Dst, "arrival address from the control message")

	var got wire.Simple
	require.NoError(t, wire.Unmarshal(env.Data, binary.BigEndian, &got))
	assert.Equal(t, "Ciao", got.Text)
	assert.Equal(t, wire.ProtoUDP, got.Proto, "sender stamps the transport")
}

func TestUDP_DiagnosticHealthyWhileRunning(t *testing.T) {
	itf := newUDP(t)
	res := itf.PerformDiagnosticCheck()
	assert.True(t, res.Healthy(), "%+v", res)
}

func TestUDP_CloseStopsListener(t *testing.T) {
	itf, err := transport.NewUDPInterface(testConfig(), zap.NewNop())
	require.NoError(t, err)
	itf.Start()

	require.NoError(t, itf.Close())
	assert.True(t, itf.IsClosed())
	res := itf.PerformDiagnosticCheck()
	assert.False(t, res.ListenerRunning)
	assert.False(t, res.ListenerExitedOnError, "an orderly close is not an error")
}

func TestUDP_ZeroLengthDatagramStopsListener(t *testing.T) {
	itf := newUDP(t)

	conn, err := net.DialUDP("udp4", nil, net.UDPAddrFromAddrPort(loopbackPort(itf.ListenerPort())))
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return !itf.PerformDiagnosticCheck().ListenerRunning
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, itf.PerformDiagnosticCheck().ListenerExitedOnError)
}

func TestTCP_SendAndReceive(t *testing.T) {
	a := newTCP(t)
	b := newTCP(t)

	hello := wire.NewDiscoverHello(4000, 4001, 0x7F000001)
	require.NoError(t, a.SendTo(context.Background(), loopbackPort(b.ListenerPort()), hello))

	env := receive(t, b)
	assert.Equal(t, wire.ProtoTCP, env.Proto)

	m, err := wire.Decode(env.Data, binary.BigEndian)
	require.NoError(t, err)
	got, ok := m.(*wire.DiscoverHello)
	require.True(t, ok, "want *wire.DiscoverHello, got %T", m)
	assert.Equal(t, uint16(4000), got.UDPPort)
	assert.Equal(t, wire.ProtoTCP, got.Proto)
	assert.True(t, a.PerformDiagnosticCheck().Healthy())
}

func TestTCP_DisconnectReleasesReceiverSlot(t *testing.T) {
	a := newTCP(t)
	b := newTCP(t)

	require.NoError(t, a.SendTo(context.Background(), loopbackPort(b.ListenerPort()), wire.NewSimple("x1", wire.ProtoTCP)))
	receive(t, b)
	require.Eventually(t, func() bool { return b.ActiveConnections() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Disconnect())
	require.Eventually(t, func() bool { return b.ActiveConnections() == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestTCP_SendAfterDisconnectReconnects(t *testing.T) {
	a := newTCP(t)
	b := newTCP(t)
	dst := loopbackPort(b.ListenerPort())

	require.NoError(t, a.SendTo(context.Background(), dst, wire.NewSimple("before", wire.ProtoTCP)))
	receive(t, b)
	require.NoError(t, a.Disconnect())
	assert.NoError(t, a.Disconnect(), "disconnect without a live link is a no-op")

	require.NoError(t, a.SendTo(context.Background(), dst, wire.NewSimple("after", wire.ProtoTCP)))
	env := receive(t, b)
	var got wire.Simple
	require.NoError(t, wire.Unmarshal(env.Data, binary.BigEndian, &got))
	assert.Equal(t, "after", got.Text)
	assert.True(t, a.PerformDiagnosticCheck().Healthy())
}

func TestTCP_ConnectionsBeyondPoolWaitForFreeSlot(t *testing.T) {
	b := newTCP(t) // MaxConnections is 2
	dst := loopbackPort(b.ListenerPort())
	senders := []*transport.TCPInterface{newTCP(t), newTCP(t), newTCP(t)}

	for i, s := range senders[:2] {
		require.NoError(t, s.SendTo(context.Background(), dst, wire.NewSimple(fmt.Sprintf("slot-%d", i), wire.ProtoTCP)))
	}
	require.Eventually(t, func() bool {
		return b.ActiveConnections() == 2 && b.Pending() == 2
	}, 3*time.Second, 10*time.Millisecond)

	// The third peer connects into the backlog but is not served.
	require.NoError(t, senders[2].SendTo(context.Background(), dst, wire.NewSimple("queued", wire.ProtoTCP)))
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 2, b.ActiveConnections())
	assert.Equal(t, 2, b.Pending())

	require.NoError(t, senders[0].Disconnect())
	require.Eventually(t, func() bool { return b.Pending() == 3 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, b.ActiveConnections())
}

func TestTCP_RefusedConnectionSurfacesErrno(t *testing.T) {
	// Reserve a port and close it so nothing listens there.
	ln, err := net.Listen("tcp4", loopback+":0")
	require.NoError(t, err)
	dead := ln.Addr().(*net.TCPAddr).AddrPort()
	require.NoError(t, ln.Close())

	itf := newTCP(t)
	err = itf.SendTo(context.Background(), dead, wire.NewSimple("nobody", wire.ProtoTCP))
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrNotConnected)
	assert.True(t, transport.IsRefused(err))

	res := itf.PerformDiagnosticCheck()
	assert.True(t, res.SenderSocketError)
	assert.Equal(t, syscall.ECONNREFUSED, res.SenderErrno)
	assert.True(t, res.ListenerRunning)
	assert.False(t, res.Healthy())
}

func TestTCP_CloseOrder(t *testing.T) {
	itf, err := transport.NewTCPInterface(testConfig(), zap.NewNop())
	require.NoError(t, err)
	itf.Start()
	require.NoError(t, itf.Close())
	assert.True(t, itf.IsClosed())
	assert.NoError(t, itf.Close(), "second close is a no-op")
}
