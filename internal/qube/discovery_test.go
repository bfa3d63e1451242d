package qube_test

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sneh-joshi/disqube/internal/qube"
	"github.com/sneh-joshi/disqube/internal/transport"
	"github.com/sneh-joshi/disqube/internal/wire"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (r *recordingSender) SendUDP(_ context.Context, dst netip.AddrPort, m wire.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, sent{dst: dst, msg: m})
	return nil
}

func mustScan(t *testing.T, address, mask, gateway, self string) qube.Scan {
	t.Helper()
	var selfAddr netip.Addr
	if self != "" {
		selfAddr = netip.MustParseAddr(self)
	}
	s, err := qube.NewScan(address, mask, gateway, selfAddr, 9000, 0)
	require.NoError(t, err)
	return s
}

func TestScan_Slash30SkipsGateway(t *testing.T) {
	s := mustScan(t, "10.0.0.0", "255.255.255.252", "10.0.0.1", "")
	tx := &recordingSender{}
	hello := wire.NewDiscoverHello(7001, 7002, 0x0A000009)

	res, err := s.Run(context.Background(), tx, *hello, 4, nil, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, uint64(1), s.Targets())

	require.Len(t, tx.sent, 1)
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.2:9000"), tx.sent[0].dst)

	got, ok := tx.sent[0].msg.(*wire.DiscoverHello)
	require.True(t, ok, "sent %T", tx.sent[0].msg)
	assert.Equal(t, uint16(4), got.Counter)
	assert.Equal(t, uint16(1), got.ID)
	assert.Equal(t, uint16(7001), got.UDPPort)
	assert.Equal(t, uint16(7002), got.TCPPort)
	assert.Equal(t, uint32(0x0A000009), got.Addr)
	assert.Equal(t, wire.ProtoUDP, got.Proto)
}

func TestScan_SkipsSelfAndNumbersHellos(t *testing.T) {
	s := mustScan(t, "10.0.0.0", "255.255.255.248", "10.0.0.1", "10.0.0.3")
	tx := &recordingSender{}

	var last int
	report := func(_ string, p int, _, _ uint64) { last = p }
	res, err := s.Run(context.Background(), tx, *wire.NewDiscoverHello(1, 2, 3), 1, report, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 4, res.Sent)
	assert.Equal(t, uint64(4), s.Targets())
	assert.Equal(t, 100, last)

	var dsts []string
	for i, m := range tx.sent {
		dsts = append(dsts, m.dst.Addr().String())
		assert.Equal(t, uint16(i+1), wire.HeaderOf(m.msg).ID)
	}
	assert.Equal(t, []string{"10.0.0.2", "10.0.0.4", "10.0.0.5", "10.0.0.6"}, dsts)
}

func TestScan_NoHostsInSlash31(t *testing.T) {
	s := mustScan(t, "10.0.0.0", "255.255.255.254", "10.0.0.1", "")
	tx := &recordingSender{}
	res, err := s.Run(context.Background(), tx, *wire.NewDiscoverHello(1, 2, 3), 1, nil, zap.NewNop())
	require.NoError(t, err)
	assert.Zero(t, res.Sent)
	assert.Zero(t, s.Targets())
}

func TestScan_SendFailuresAreCounted(t *testing.T) {
	s := mustScan(t, "10.0.0.0", "255.255.255.248", "10.0.0.1", "")
	tx := &recordingSender{err: transport.ErrNotReady}
	res, err := s.Run(context.Background(), tx, *wire.NewDiscoverHello(1, 2, 3), 1, nil, zap.NewNop())
	require.NoError(t, err)
	assert.Zero(t, res.Sent)
	assert.Equal(t, 5, res.Failed)
}

func TestScan_CanceledContextStops(t *testing.T) {
	s := mustScan(t, "10.0.0.0", "255.255.255.0", "10.0.0.1", "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tx := &recordingSender{}
	res, err := s.Run(ctx, tx, *wire.NewDiscoverHello(1, 2, 3), 1, nil, zap.NewNop())
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Zero(t, res.Sent)
}

func TestNewScan_RejectsBadInput(t *testing.T) {
	_, err := qube.NewScan("10.0.0.0", "255.0.255.0", "10.0.0.1", netip.Addr{}, 9000, 0)
	assert.Error(t, err)
	_, err = qube.NewScan("10.0.0.0", "255.255.255.0", "gateway", netip.Addr{}, 9000, 0)
	assert.Error(t, err)
	_, err = qube.NewScan("10.0.0.0", "255.255.255.0", "10.0.1.1", netip.Addr{}, 9000, 0)
	assert.ErrorContains(t, err, "outside 10.0.0.0/24")
}
