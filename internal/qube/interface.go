package qube

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sneh-joshi/disqube/internal/queue"
	"github.com/sneh-joshi/disqube/internal/transport"
	"github.com/sneh-joshi/disqube/internal/wire"
)

// aggregatorIdle is how long the aggregator rests when both transports are
// empty.
const aggregatorIdle = time.Millisecond

// Fault is a bitmask of interface failures found by Diagnose.
type Fault uint8

const (
	FaultUDPListenerExited Fault = 1 << iota
	FaultUDPSenderError
	FaultTCPListenerExited
	FaultTCPSenderError
)

var faultNames = []struct {
	f    Fault
	name string
}{
	{FaultUDPListenerExited, "udp listener exited"},
	{FaultUDPSenderError, "udp sender error"},
	{FaultTCPListenerExited, "tcp listener exited"},
	{FaultTCPSenderError, "tcp sender error"},
}

func (f Fault) Has(flag Fault) bool { return f&flag != 0 }

func (f Fault) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for _, n := range faultNames {
		if f.Has(n.f) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, ", ")
}

// Diagnostics is the combined health of both transports.
type Diagnostics struct {
	Faults Fault
	UDP    transport.DiagnosticResult
	TCP    transport.DiagnosticResult
}

func (d Diagnostics) Healthy() bool { return d.Faults == 0 }

func faultsOf(r transport.DiagnosticResult, listener, sender Fault) Fault {
	var f Fault
	if r.ListenerExitedOnError || !r.ListenerRunning {
		f |= listener
	}
	if r.SenderSocketError {
		f |= sender
	}
	return f
}

// InterfaceConfig describes the two transports a qube opens.
type InterfaceConfig struct {
	UDP           transport.Config
	TCP           transport.Config
	Addr          netip.Addr
	InboxCapacity int
}

// Interface couples a UDP and a TCP transport and merges what they receive
// into a single inbox.
type Interface struct {
	udp   transport.Interface
	tcp   transport.Interface
	addr  netip.Addr
	inbox *queue.Bounded[transport.Envelope]
	log   *zap.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	running atomic.Bool
	once    sync.Once
}

// NewInterface wires already-built transports. addr is the address the node
// advertises to its peers.
func NewInterface(udp, tcp transport.Interface, addr netip.Addr, capacity int, log *zap.Logger) *Interface {
	ctx, cancel := context.WithCancel(context.Background())
	return &Interface{
		udp:    udp,
		tcp:    tcp,
		addr:   addr,
		inbox:  queue.NewBounded[transport.Envelope](capacity),
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

// OpenInterface binds both transports described by cfg.
func OpenInterface(cfg InterfaceConfig, log *zap.Logger) (*Interface, error) {
	udp, err := transport.NewUDPInterface(cfg.UDP, log)
	if err != nil {
		return nil, fmt.Errorf("qube: open udp: %w", err)
	}
	tcp, err := transport.NewTCPInterface(cfg.TCP, log)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("qube: open tcp: %w", err), udp.Close())
	}
	return NewInterface(udp, tcp, cfg.Addr, cfg.InboxCapacity, log), nil
}

// Start starts both listeners and the aggregator. Calls after the first are
// no-ops.
func (i *Interface) Start() {
	if !i.started.CompareAndSwap(false, true) {
		return
	}
	i.udp.Start()
	i.tcp.Start()
	i.running.Store(true)
	i.wg.Add(1)
	go i.aggregate()
}

// aggregate moves envelopes from the transport inboxes into the unified one,
// alternating between UDP and TCP.
func (i *Interface) aggregate() {
	defer i.wg.Done()
	defer i.running.Store(false)
	sources := [...]transport.Interface{i.udp, i.tcp}
	for {
		moved := false
		for _, src := range sources {
			env, ok := src.TryReceive()
			if !ok {
				continue
			}
			moved = true
			if err := i.inbox.Push(i.ctx, env); err != nil {
				i.log.Debug("aggregator stopped", zap.Error(err))
				return
			}
		}
		if moved {
			continue
		}
		select {
		case <-i.ctx.Done():
			return
		case <-time.After(aggregatorIdle):
		}
	}
}

// Close stops the aggregator and closes both transports.
func (i *Interface) Close() error {
	var err error
	i.once.Do(func() {
		i.cancel()
		i.wg.Wait()
		err = errors.Join(i.udp.Close(), i.tcp.Close())
		i.inbox.Close()
	})
	return err
}

// Running reports whether the aggregator is alive.
func (i *Interface) Running() bool { return i.running.Load() }

// Diagnose refreshes both transport diagnostics.
func (i *Interface) Diagnose() Diagnostics {
	u := i.udp.PerformDiagnosticCheck()
	t := i.tcp.PerformDiagnosticCheck()
	return Diagnostics{
		Faults: faultsOf(u, FaultUDPListenerExited, FaultUDPSenderError) |
			faultsOf(t, FaultTCPListenerExited, FaultTCPSenderError),
		UDP: u,
		TCP: t,
	}
}

func (i *Interface) SendUDP(ctx context.Context, dst netip.AddrPort, m wire.Message) error {
	wire.SetProto(m, wire.ProtoUDP)
	return i.udp.SendTo(ctx, dst, m)
}

func (i *Interface) SendTCP(ctx context.Context, dst netip.AddrPort, m wire.Message) error {
	wire.SetProto(m, wire.ProtoTCP)
	return i.tcp.SendTo(ctx, dst, m)
}

// DisconnectTCP sends the stop sentinel to the peer the TCP sender is
// connected to, when the transport supports it.
func (i *Interface) DisconnectTCP() error {
	if d, ok := i.tcp.(interface{ Disconnect() error }); ok {
		return d.Disconnect()
	}
	return nil
}

// ReceiveAll snapshots the inbox depth. The returned batch yields at most
// that many envelopes; later arrivals wait for the next batch.
func (i *Interface) ReceiveAll() Batch {
	return Batch{q: i.inbox, n: i.inbox.Len()}
}

func (i *Interface) Pending() int       { return i.inbox.Len() }
func (i *Interface) Addr() netip.Addr   { return i.addr }
func (i *Interface) UDPPort() uint16    { return i.udp.ListenerPort() }
func (i *Interface) TCPPort() uint16    { return i.tcp.ListenerPort() }
func (i *Interface) Self() Peer         { return Peer{Addr: i.addr, UDPPort: i.UDPPort(), TCPPort: i.TCPPort()} }
func (i *Interface) AddrUint32() uint32 { return transport.AddrToUint32(i.addr) }

// Batch is a bounded, single-pass view over the inbox.
type Batch struct {
	q *queue.Bounded[transport.Envelope]
	n int
}

// Len is the number of envelopes the batch was created with.
func (b Batch) Len() int { return b.n }

// All yields up to Len envelopes.
func (b Batch) All() iter.Seq[transport.Envelope] {
	return func(yield func(transport.Envelope) bool) {
		for range b.n {
			env, ok := b.q.TryPop()
			if !ok || !yield(env) {
				return
			}
		}
	}
}
