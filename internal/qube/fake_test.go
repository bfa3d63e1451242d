package qube_test

import (
	"context"
	"encoding/binary"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/sneh-joshi/disqube/internal/queue"
	"github.com/sneh-joshi/disqube/internal/sysmetrics"
	"github.com/sneh-joshi/disqube/internal/transport"
	"github.com/sneh-joshi/disqube/internal/wire"
)

type sent struct {
	dst netip.AddrPort
	msg wire.Message
}

// fakeTransport is an in-memory transport.Interface.
type fakeTransport struct {
	proto wire.Proto
	port  uint16
	inbox *queue.Bounded[transport.Envelope]

	mu      sync.Mutex
	sent    []sent
	sendErr error
	diag    transport.DiagnosticResult
	started bool
	closed  bool
	// disconnects counts stop sentinels sent through Disconnect.
	disconnects int
	// onSend runs after a successful send, outside the lock.
	onSend func(dst netip.AddrPort, m wire.Message)
}

var _ transport.Interface = (*fakeTransport)(nil)

func newFakeTransport(proto wire.Proto, port uint16) *fakeTransport {
	return &fakeTransport{
		proto: proto,
		port:  port,
		inbox: queue.NewBounded[transport.Envelope](64),
		diag:  transport.DiagnosticResult{ListenerRunning: true},
	}
}

func (f *fakeTransport) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.diag.ListenerRunning = false
	f.inbox.Close()
	return nil
}

func (f *fakeTransport) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) PerformDiagnosticCheck() transport.DiagnosticResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.diag
}

func (f *fakeTransport) SendTo(_ context.Context, dst netip.AddrPort, m wire.Message) error {
	f.mu.Lock()
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return err
	}
	f.sent = append(f.sent, sent{dst: dst, msg: m})
	hook := f.onSend
	f.mu.Unlock()
	if hook != nil {
		hook(dst, m)
	}
	return nil
}

func (f *fakeTransport) ReceivedElement(ctx context.Context) (transport.Envelope, error) {
	return f.inbox.Pop(ctx)
}

func (f *fakeTransport) TryReceive() (transport.Envelope, bool) { return f.inbox.TryPop() }
func (f *fakeTransport) Pending() int                           { return f.inbox.Len() }
func (f *fakeTransport) SenderPort() uint16                     { return f.port + 1 }
func (f *fakeTransport) ListenerPort() uint16                   { return f.port }

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeTransport) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

func (f *fakeTransport) setSendErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func (f *fakeTransport) setOnSend(fn func(netip.AddrPort, wire.Message)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSend = fn
}

func (f *fakeTransport) sentMessages() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

// deliver encodes m and queues it as if it arrived from src.
func (f *fakeTransport) deliver(t *testing.T, src netip.AddrPort, m wire.Message) {
	t.Helper()
	raw, err := wire.Marshal(m, binary.BigEndian)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	f.deliverRaw(raw, src)
}

func (f *fakeTransport) deliverRaw(raw []byte, src netip.AddrPort) {
	f.inbox.TryPush(transport.Envelope{Data: raw, Src: src, Proto: f.proto, ReceivedAt: time.Now()})
}

// deliverTo is deliver with the local address the frame arrived on.
func (f *fakeTransport) deliverTo(t *testing.T, src netip.AddrPort, dst netip.Addr, m wire.Message) {
	t.Helper()
	raw, err := wire.Marshal(m, binary.BigEndian)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	f.inbox.TryPush(transport.Envelope{Data: raw, Src: src, Dst: dst, Proto: f.proto, ReceivedAt: time.Now()})
}

type fakeSampler struct{ snap sysmetrics.Snapshot }

func (s fakeSampler) Collect(context.Context) (sysmetrics.Snapshot, error) { return s.snap, nil }

type transition struct{ from, to string }

type fakeJournal struct {
	mu          sync.Mutex
	transitions []transition
	reason      string
}

func (j *fakeJournal) AppendTransition(_ time.Time, from, to string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.transitions = append(j.transitions, transition{from, to})
	return nil
}

func (j *fakeJournal) SetShutdownReason(reason string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.reason = reason
	return nil
}

func (j *fakeJournal) snapshot() ([]transition, string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]transition(nil), j.transitions...), j.reason
}
