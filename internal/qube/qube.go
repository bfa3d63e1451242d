// Package qube drives one node of the cluster fabric through its lifecycle.
//
// A qube is either the master, which sweeps the subnet for workers and keeps
// them alive with heartbeats, or a worker, which answers the master's hellos
// with its spare capacity. Both roles share one run loop: a state machine
// picks the state body to run, the body reacts to the transports and updates
// the machine's input, and the machine moves on.
package qube

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sneh-joshi/disqube/internal/metrics"
	"github.com/sneh-joshi/disqube/internal/sysmetrics"
	"github.com/sneh-joshi/disqube/internal/timer"
	"github.com/sneh-joshi/disqube/internal/transport"
	"github.com/sneh-joshi/disqube/internal/wire"
)

// ErrUnhealthy is returned by Run when the interfaces fail the start-up check.
var ErrUnhealthy = errors.New("qube: interface diagnostic failed")

// Shutdown reasons recorded in the journal.
const (
	ReasonSignal     = "signal"
	ReasonOpen       = "interface open failed"
	ReasonDiagnostic = "interface diagnostic failed"
	ReasonNoWorkers  = "no worker answered"
)

const heartbeatText = "heartbeat"

// Sampler provides the capacity figures a worker reports.
type Sampler interface {
	Collect(ctx context.Context) (sysmetrics.Snapshot, error)
}

// Journal persists lifecycle history. *store.Store satisfies it.
type Journal interface {
	AppendTransition(at time.Time, from, to string) error
	SetShutdownReason(reason string) error
}

// Options configures a Qube.
type Options struct {
	NodeID   string
	Master   bool
	Discover bool

	Scan            Scan
	DiscoveryWindow time.Duration
	DiscoveryRounds int
	// ExpectedWorkers closes a discovery window early once that many
	// workers are registered. Zero waits out every window.
	ExpectedWorkers int
	// MaxWorkers caps the registry. Zero means no cap.
	MaxWorkers int

	ReceptionTimer time.Duration
	Heartbeat      time.Duration
	Order          binary.ByteOrder
}

// Deps are the collaborators of a Qube. Open and Log are required.
type Deps struct {
	Open    func() (*Interface, error)
	Sampler Sampler
	Journal Journal
	Metrics *metrics.Registry
	Events  *EventLog
	Log     *zap.Logger
}

// Qube is one node of the fabric.
type Qube struct {
	opts Options
	deps Deps
	log  *zap.Logger

	machine *Machine
	in      Input
	itf     *Interface
	timer   *timer.WakeUp
	workers *Registry
	events  *EventLog
	metrics *metrics.Registry

	exit   bool
	reason string
	err    error

	maintenance atomic.Bool
	state       atomic.Uint32
	round       atomic.Uint32
	started     time.Time

	mu     sync.RWMutex
	master Peer
	host   *sysmetrics.Snapshot
}

// New validates opts and builds the state machine. Nothing is opened until Run.
func New(opts Options, deps Deps) (*Qube, error) {
	if deps.Open == nil {
		return nil, errors.New("qube: Deps.Open must not be nil")
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Events == nil {
		deps.Events = NewEventLog(256)
	}
	if opts.Order == nil {
		opts.Order = binary.BigEndian
	}
	if opts.ReceptionTimer <= 0 {
		return nil, errors.New("qube: reception timer must be positive")
	}
	if opts.ExpectedWorkers < 0 || opts.MaxWorkers < 0 {
		return nil, errors.New("qube: worker limits must not be negative")
	}
	if opts.Master && opts.DiscoveryRounds < 1 {
		return nil, errors.New("qube: discovery rounds must be at least 1")
	}

	m, err := NewMachine()
	if err != nil {
		return nil, fmt.Errorf("qube: build state machine: %w", err)
	}
	q := &Qube{
		opts:    opts,
		deps:    deps,
		log:     deps.Log,
		machine: m,
		in:      Input{DiscoverFlag: opts.Discover, IsMaster: opts.Master},
		workers: NewRegistry(),
		events:  deps.Events,
		metrics: deps.Metrics,
	}
	m.OnTransition(q.onTransition)
	q.metrics.SetState(StateInit.String(), stateNames())
	return q, nil
}

func stateNames() []string {
	names := make([]string, 0, len(States()))
	for _, s := range States() {
		names = append(names, s.String())
	}
	return names
}

func (q *Qube) onTransition(from, to State) {
	q.state.Store(uint32(to))
	q.log.Info("state transition", zap.Stringer("from", from), zap.Stringer("to", to))
	q.metrics.Transitions.WithLabelValues(from.String(), to.String()).Inc()
	q.metrics.SetState(to.String(), stateNames())
	q.events.Append(Event{Kind: EventTransition, From: from.String(), To: to.String()})
	if q.deps.Journal != nil {
		if err := q.deps.Journal.AppendTransition(time.Now(), from.String(), to.String()); err != nil {
			q.log.Warn("journal transition failed", zap.Error(err))
		}
	}
}

// Run drives the lifecycle until SHUTDOWN has run. Cancelling ctx requests
// an orderly shutdown. It returns nil for a requested shutdown and the cause
// otherwise.
func (q *Qube) Run(ctx context.Context) error {
	q.started = time.Now()
	for !q.exit {
		switch q.machine.Current() {
		case StateInit:
			q.init(ctx)
		case StateDiscovering:
			q.discover(ctx)
		case StateOperative:
			q.operative(ctx)
		case StateMaintenance:
			q.maintain(ctx)
		case StateShutdown:
			q.shutdown()
		}
	}
	return q.err
}

func (q *Qube) update() { q.machine.Update(q.in) }

// requestShutdown raises the shutdown input. The first reason wins.
func (q *Qube) requestShutdown(reason string, err error) {
	if q.reason == "" {
		q.reason = reason
		q.err = err
	}
	q.in.Shutdown = true
	q.update()
}

func (q *Qube) init(ctx context.Context) {
	if ctx.Err() != nil {
		q.requestShutdown(ReasonSignal, nil)
		return
	}

	itf, err := q.deps.Open()
	if err != nil {
		q.log.Error("cannot open interfaces", zap.Error(err))
		q.requestShutdown(ReasonOpen, err)
		return
	}
	q.itf = itf
	itf.Start()

	d := itf.Diagnose()
	if !d.Healthy() {
		q.log.Error("interface diagnostic failed",
			zap.Stringer("faults", d.Faults),
			zap.Bool("udp_listener_running", d.UDP.ListenerRunning),
			errnoField("udp_listener_errno", d.UDP.ListenerErrno),
			errnoField("udp_sender_errno", d.UDP.SenderErrno),
			zap.Bool("tcp_listener_running", d.TCP.ListenerRunning),
			errnoField("tcp_listener_errno", d.TCP.ListenerErrno),
			errnoField("tcp_sender_errno", d.TCP.SenderErrno),
		)
		q.requestShutdown(ReasonDiagnostic, fmt.Errorf("%w: %s", ErrUnhealthy, d.Faults))
		return
	}

	q.log.Info("interfaces ready",
		zap.Stringer("addr", itf.Addr()),
		zap.Uint16("udp_port", itf.UDPPort()),
		zap.Uint16("tcp_port", itf.TCPPort()),
	)
	q.in.ItfReady = true
	q.update()
	q.timer = timer.NewWakeUp(q.opts.ReceptionTimer)
	q.timer.Start()
}

// discover sweeps the subnet and collects responses for one window per
// round. It leaves for OPERATIVE once any worker answered a round, and shuts
// the node down when every round went unanswered.
func (q *Qube) discover(ctx context.Context) {
	hello := wire.NewDiscoverHello(q.itf.UDPPort(), q.itf.TCPPort(), q.itf.AddrUint32())

	for r := 1; r <= q.opts.DiscoveryRounds; r++ {
		round := uint16(q.round.Add(1))
		q.metrics.DiscoveryRounds.Inc()
		res, err := q.opts.Scan.Run(ctx, q.itf, *hello, round, q.reportProgress, q.log)
		q.metrics.HellosSent.Add(float64(res.Sent))
		if res.Failed > 0 {
			q.metrics.SendFailures.WithLabelValues(wire.ProtoUDP.String()).Add(float64(res.Failed))
		}
		if err != nil {
			q.requestShutdown(ReasonSignal, nil)
			return
		}

		q.timer.ResetTimeout()
		for !q.timer.CheckTimeout(q.opts.DiscoveryWindow) && !q.enoughWorkers() {
			if err := q.timer.Wait(ctx); err != nil {
				q.requestShutdown(ReasonSignal, nil)
				return
			}
			q.drain(ctx)
		}

		if q.in.AnyWorker {
			q.log.Info("discovery complete", zap.Int("workers", q.workers.Len()), zap.Int("round", r))
			q.update()
			return
		}
		q.log.Warn("discovery round unanswered",
			zap.Int("round", r),
			zap.Int("of", q.opts.DiscoveryRounds),
			zap.Int("hellos", res.Sent),
		)
	}

	q.log.Error(ReasonNoWorkers, zap.Int("rounds", q.opts.DiscoveryRounds))
	q.requestShutdown(ReasonNoWorkers, ErrNoWorkers)
}

func (q *Qube) enoughWorkers() bool {
	return q.opts.ExpectedWorkers > 0 && q.workers.Len() >= q.opts.ExpectedWorkers
}

func errnoField(key string, e syscall.Errno) zap.Field {
	if e == 0 {
		return zap.Skip()
	}
	return zap.String(key, e.Error())
}

func (q *Qube) reportProgress(label string, percent int, done, total uint64) {
	q.log.Debug("progress",
		zap.String("task", label),
		zap.Int("percent", percent),
		zap.Uint64("done", done),
		zap.Uint64("total", total),
	)
}

// operative serves messages every wake-up. The master also heartbeats its
// workers; losing the last one sends it back to discovery.
func (q *Qube) operative(ctx context.Context) {
	q.timer.ResetTimeout()
	for {
		if err := q.timer.Wait(ctx); err != nil {
			q.requestShutdown(ReasonSignal, nil)
			return
		}
		q.drain(ctx)

		if q.in.IsMaster && q.opts.Heartbeat > 0 && q.timer.CheckTimeout(q.opts.Heartbeat) {
			q.heartbeat(ctx)
			q.timer.ResetTimeout()
		}

		q.in.Maintenance = q.maintenance.Load()
		if _, changed := q.machine.Update(q.in); changed {
			return
		}
	}
}

// maintain keeps draining the inbox without acting on it until maintenance
// is lifted.
func (q *Qube) maintain(ctx context.Context) {
	for {
		if err := q.timer.Wait(ctx); err != nil {
			q.requestShutdown(ReasonSignal, nil)
			return
		}
		q.drain(ctx)

		q.in.Maintenance = q.maintenance.Load()
		if _, changed := q.machine.Update(q.in); changed {
			return
		}
	}
}

func (q *Qube) shutdown() {
	if q.reason == "" {
		q.reason = ReasonSignal
	}
	if q.itf != nil {
		if q.in.IsMaster {
			q.releaseWorker()
		}
		if err := q.itf.Close(); err != nil {
			q.log.Warn("interface close", zap.Error(err))
		}
	}
	if q.timer != nil {
		q.timer.Stop()
	}
	if q.deps.Journal != nil {
		if err := q.deps.Journal.SetShutdownReason(q.reason); err != nil {
			q.log.Warn("journal shutdown reason failed", zap.Error(err))
		}
	}
	q.log.Info("qube stopped", zap.String("reason", q.reason), zap.Duration("uptime", time.Since(q.started)))
	q.exit = true
}

// drain consumes one batch. Outside maintenance each message is dispatched.
func (q *Qube) drain(ctx context.Context) {
	for env := range q.itf.ReceiveAll().All() {
		m, err := wire.Decode(env.Data, q.opts.Order)
		if err != nil {
			q.metrics.DecodeErrors.Inc()
			q.log.Warn("dropping undecodable message",
				zap.Stringer("src", env.Src),
				zap.Stringer("proto", env.Proto),
				zap.Int("size", len(env.Data)),
				zap.Error(err),
			)
			continue
		}
		h := wire.HeaderOf(m)
		q.metrics.MessagesReceived.WithLabelValues(env.Proto.String(), h.SubType.String()).Inc()

		if q.machine.Current() == StateMaintenance {
			q.metrics.MaintenanceDrops.Inc()
			q.log.Debug("dropped during maintenance", zap.Stringer("type", h.SubType), zap.Stringer("src", env.Src))
			continue
		}
		q.dispatch(ctx, env, m)
	}
}

func (q *Qube) dispatch(ctx context.Context, env transport.Envelope, m wire.Message) {
	switch msg := m.(type) {
	case *wire.DiscoverHello:
		if q.in.IsMaster {
			q.log.Debug("ignoring hello from another master", zap.Stringer("src", env.Src))
			return
		}
		q.answerHello(ctx, env, msg)
	case *wire.DiscoverResponse:
		if !q.in.IsMaster {
			return
		}
		q.registerWorker(msg)
	case *wire.Simple:
		q.log.Info("message",
			zap.String("text", msg.Text),
			zap.Stringer("src", env.Src),
			zap.Stringer("proto", env.Proto),
		)
	}
}

// answerHello adopts the sender as master and reports spare capacity back to
// its UDP listener.
func (q *Qube) answerHello(ctx context.Context, env transport.Envelope, hello *wire.DiscoverHello) {
	master := Peer{Addr: transport.Uint32ToAddr(hello.Addr), UDPPort: hello.UDPPort, TCPPort: hello.TCPPort}
	if hello.Addr == 0 {
		master.Addr = env.Src.Addr().Unmap()
	}

	q.mu.Lock()
	changed := q.master != master
	q.master = master
	q.mu.Unlock()
	if changed {
		q.log.Info("master found", zap.Stringer("master", master.UDP()), zap.Uint16("tcp_port", master.TCPPort))
		q.events.Append(Event{Kind: EventMaster, Peer: &master})
	}

	resp := wire.NewDiscoverResponse(hello, q.itf.UDPPort(), q.itf.TCPPort(), transport.AddrToUint32(replyAddr(q.itf.Addr(), env)))
	if q.deps.Sampler != nil {
		snap, err := q.deps.Sampler.Collect(ctx)
		if err != nil {
			q.log.Warn("metrics sample failed", zap.Error(err))
		} else {
			resp.SetFreeRAM(snap.FreeRAM)
			resp.CPUUsage = snap.CPUPercent()
			q.metrics.SetHost(snap.CPUUsage, snap.TotalRAM, snap.FreeRAM, snap.VirtualRAM)
			q.mu.Lock()
			q.host = &snap
			q.mu.Unlock()
		}
	}

	if err := q.itf.SendUDP(ctx, master.UDP(), resp); err != nil {
		q.metrics.SendFailures.WithLabelValues(wire.ProtoUDP.String()).Inc()
		q.log.Warn("discover response not sent", zap.Stringer("master", master.UDP()), zap.Error(err))
		return
	}
	q.metrics.MessagesSent.WithLabelValues(wire.ProtoUDP.String(), wire.SubTypeDiscoverResponse.String()).Inc()
}

// replyAddr is the address a worker advertises in its response. A node bound
// to the wildcard answers with the local address the hello arrived on.
func replyAddr(self netip.Addr, env transport.Envelope) netip.Addr {
	if self.IsValid() && !self.IsUnspecified() {
		return self
	}
	if env.Dst.IsValid() {
		return env.Dst
	}
	return self
}

func (q *Qube) registerWorker(resp *wire.DiscoverResponse) {
	w := workerFromResponse(resp, time.Now())
	if _, known := q.workers.Get(w.Addr); !known && q.opts.MaxWorkers > 0 && q.workers.Len() >= q.opts.MaxWorkers {
		q.log.Warn("worker limit reached, ignoring response",
			zap.Stringer("worker", w.UDP()),
			zap.Int("max", q.opts.MaxWorkers),
		)
		return
	}
	if q.workers.Upsert(w) {
		q.log.Info("worker joined",
			zap.Stringer("worker", w.UDP()),
			zap.Uint16("tcp_port", w.TCPPort),
			zap.Uint64("free_ram", w.FreeRAM),
			zap.Uint8("cpu", w.CPUUsage),
		)
		q.events.Append(Event{Kind: EventWorkerJoined, Peer: &w.Peer})
	}
	q.metrics.Workers.Set(float64(q.workers.Len()))
	q.in.AnyWorker = true
}

// heartbeat pings every worker over TCP and evicts the ones it cannot reach.
func (q *Qube) heartbeat(ctx context.Context) {
	for _, w := range q.workers.List() {
		err := q.itf.SendTCP(ctx, w.TCP(), wire.NewSimple(heartbeatText, wire.ProtoTCP))
		if err == nil {
			q.metrics.Heartbeats.WithLabelValues("ok").Inc()
			q.metrics.MessagesSent.WithLabelValues(wire.ProtoTCP.String(), wire.SubTypeSimple.String()).Inc()
			continue
		}
		q.metrics.Heartbeats.WithLabelValues("failed").Inc()
		q.metrics.SendFailures.WithLabelValues(wire.ProtoTCP.String()).Inc()
		q.log.Warn("worker unreachable, evicting", zap.Stringer("worker", w.TCP()), zap.Error(err))
		if q.workers.Remove(w.Addr) {
			peer := w.Peer
			q.events.Append(Event{Kind: EventWorkerLeft, Peer: &peer, Detail: err.Error()})
		}
		q.releaseWorker()
	}
	q.metrics.Workers.Set(float64(q.workers.Len()))
	if q.workers.Len() == 0 {
		q.in.AnyWorker = false
	}
}

// releaseWorker sends the stop sentinel over the live TCP connection so the
// peer frees its receiver slot.
func (q *Qube) releaseWorker() {
	if err := q.itf.DisconnectTCP(); err != nil {
		q.log.Debug("tcp disconnect failed", zap.Error(err))
	}
}

// SetMaintenance asks the run loop to enter or leave MAINTENANCE. It is safe
// to call from any goroutine; the change is picked up on the next wake-up.
func (q *Qube) SetMaintenance(on bool) {
	if q.maintenance.Swap(on) == on {
		return
	}
	detail := "off"
	if on {
		detail = "on"
	}
	q.log.Info("maintenance requested", zap.Bool("on", on))
	q.events.Append(Event{Kind: EventMaintenance, Detail: detail})
}

// Status is a point-in-time view of the qube for the admin surface.
type Status struct {
	NodeID      string   `json:"node_id"`
	Role        string   `json:"role"`
	State       string   `json:"state"`
	Maintenance bool     `json:"maintenance"`
	Round       uint32   `json:"discovery_round"`
	Workers     []Worker `json:"workers"`
	Master      *Peer    `json:"master,omitempty"`
	// Host is the capacity sample a worker last reported.
	Host *sysmetrics.Snapshot `json:"host,omitempty"`
}

func (q *Qube) Role() string {
	if q.opts.Master {
		return "master"
	}
	return "worker"
}

// State is the current lifecycle state.
func (q *Qube) State() State { return State(q.state.Load()) }

// Events is the event log the qube appends to.
func (q *Qube) Events() *EventLog { return q.events }

func (q *Qube) Master() (Peer, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.master, !q.master.IsZero()
}

// Status may be called from any goroutine.
func (q *Qube) Status() Status {
	s := Status{
		NodeID:      q.opts.NodeID,
		Role:        q.Role(),
		State:       q.State().String(),
		Maintenance: q.maintenance.Load(),
		Round:       q.round.Load(),
		Workers:     q.workers.List(),
	}
	if m, ok := q.Master(); ok {
		s.Master = &m
	}
	q.mu.RLock()
	if q.host != nil {
		h := *q.host
		s.Host = &h
	}
	q.mu.RUnlock()
	return s
}

// Workers exposes the master's registry.
func (q *Qube) Workers() *Registry { return q.workers }
