package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sneh-joshi/disqube/internal/queue"
	"github.com/sneh-joshi/disqube/internal/wire"
)

// Config describes one transport endpoint pair.
type Config struct {
	IP             string
	SendPort       uint16
	ListenPort     uint16
	QueueCapacity  int
	MaxConnections int
	Reconnections  int
	ConnectTimeout time.Duration
	PollTimeout    time.Duration
	Order          binary.ByteOrder
}

func (c Config) order() binary.ByteOrder {
	if c.Order == nil {
		return binary.BigEndian
	}
	return c.Order
}

// DiagnosticResult summarises the health of an Interface.
type DiagnosticResult struct {
	ListenerExitedOnError bool
	ListenerRunning       bool
	ListenerErrno         syscall.Errno
	SenderSocketError     bool
	SenderErrno           syscall.Errno
}

// Healthy reports a running listener and an error-free sender.
func (r DiagnosticResult) Healthy() bool {
	return r.ListenerRunning && !r.ListenerExitedOnError && !r.SenderSocketError
}

// Interface pairs a sender with a listener feeding a shared inbox.
type Interface interface {
	Start()
	Close() error
	IsClosed() bool
	PerformDiagnosticCheck() DiagnosticResult
	SendTo(ctx context.Context, dst netip.AddrPort, m wire.Message) error
	// ReceivedElement blocks until an envelope arrives or ctx ends.
	ReceivedElement(ctx context.Context) (Envelope, error)
	TryReceive() (Envelope, bool)
	Pending() int
	SenderPort() uint16
	ListenerPort() uint16
}

// UDPInterface is the datagram transport.
type UDPInterface struct {
	sender       *UDPSender
	listenerSock *UDPSocket
	listener     *UDPListener
	inbox        *queue.Bounded[Envelope]
	senderClosed atomic.Bool
	log          *zap.Logger
}

var _ Interface = (*UDPInterface)(nil)

// NewUDPInterface binds both sockets. Nothing is read until Start.
func NewUDPInterface(cfg Config, log *zap.Logger) (*UDPInterface, error) {
	sendSock, err := BindUDP(cfg.IP, cfg.SendPort, cfg.PollTimeout)
	if err != nil {
		return nil, fmt.Errorf("udp sender: %w", err)
	}
	listenSock, err := BindUDP(cfg.IP, cfg.ListenPort, cfg.PollTimeout)
	if err != nil {
		_ = sendSock.Close()
		return nil, fmt.Errorf("udp listener: %w", err)
	}
	inbox := queue.NewBounded[Envelope](cfg.QueueCapacity)
	log = log.With(zap.String("transport", "udp"))
	return &UDPInterface{
		sender:       NewUDPSender(sendSock, cfg.order()),
		listenerSock: listenSock,
		listener:     NewUDPListener(listenSock, inbox, log),
		inbox:        inbox,
		log:          log,
	}, nil
}

func (i *UDPInterface) Start() { i.listener.Start() }

// Close stops the listener, wakes it with a zero-length datagram, closes the
// sender and waits for the listener to exit.
func (i *UDPInterface) Close() error {
	if i.IsClosed() {
		return nil
	}
	i.listener.Stop()
	if err := i.sender.SendRaw(selfAddr(i.listenerSock.LocalAddr()), nil); err != nil {
		i.log.Debug("udp stop sentinel not sent", zap.Error(err))
	}
	errs := []error{i.sender.Close()}
	i.senderClosed.Store(true)
	i.listener.Wait()
	errs = append(errs, i.listenerSock.Close())
	i.inbox.Close()
	return errors.Join(errs...)
}

func (i *UDPInterface) IsClosed() bool {
	return i.senderClosed.Load() && !i.listener.Running()
}

func (i *UDPInterface) PerformDiagnosticCheck() DiagnosticResult {
	d := i.sender.Diagnose()
	return DiagnosticResult{
		ListenerExitedOnError: i.listener.ExitedOnError(),
		ListenerRunning:       i.listener.Running(),
		ListenerErrno:         i.listener.Errno(),
		SenderSocketError:     d.SocketError,
		SenderErrno:           d.Errno,
	}
}

// SendTo sends m as a datagram. ctx is unused; datagram sends do not block.
func (i *UDPInterface) SendTo(_ context.Context, dst netip.AddrPort, m wire.Message) error {
	return i.sender.SendTo(dst, m)
}

func (i *UDPInterface) ReceivedElement(ctx context.Context) (Envelope, error) {
	return i.inbox.Pop(ctx)
}

func (i *UDPInterface) TryReceive() (Envelope, bool) { return i.inbox.TryPop() }
func (i *UDPInterface) Pending() int                 { return i.inbox.Len() }
func (i *UDPInterface) SenderPort() uint16           { return i.sender.Port() }
func (i *UDPInterface) ListenerPort() uint16         { return i.listener.Port() }

// TCPInterface is the stream transport.
type TCPInterface struct {
	sender       *TCPSender
	listener     *TCPListener
	inbox        *queue.Bounded[Envelope]
	senderClosed atomic.Bool
}

var _ Interface = (*TCPInterface)(nil)

// NewTCPInterface binds the listening socket and prepares the client socket.
func NewTCPInterface(cfg Config, log *zap.Logger) (*TCPInterface, error) {
	sock, err := NewTCPSocket(cfg.IP, cfg.SendPort, TCPOptions{
		Reconnections:  cfg.Reconnections,
		ConnectTimeout: cfg.ConnectTimeout,
		PollTimeout:    cfg.PollTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("tcp sender: %w", err)
	}
	inbox := queue.NewBounded[Envelope](cfg.QueueCapacity)
	log = log.With(zap.String("transport", "tcp"))
	ln, err := ListenTCP(cfg.IP, cfg.ListenPort, cfg.MaxConnections, inbox, cfg.PollTimeout, log)
	if err != nil {
		return nil, fmt.Errorf("tcp listener: %w", err)
	}
	return &TCPInterface{
		sender:   NewTCPSender(sock, cfg.order()),
		listener: ln,
		inbox:    inbox,
	}, nil
}

func (i *TCPInterface) Start() { i.listener.Start() }

// Close closes the sender, then stops the listener and its receivers.
func (i *TCPInterface) Close() error {
	if i.IsClosed() {
		return nil
	}
	errs := []error{i.sender.Close()}
	i.senderClosed.Store(true)
	i.listener.Stop()
	i.listener.Wait()
	errs = append(errs, i.listener.Close())
	i.inbox.Close()
	return errors.Join(errs...)
}

func (i *TCPInterface) IsClosed() bool {
	return i.senderClosed.Load() && !i.listener.Running()
}

func (i *TCPInterface) PerformDiagnosticCheck() DiagnosticResult {
	d := i.sender.Diagnose()
	return DiagnosticResult{
		ListenerExitedOnError: i.listener.ExitedOnError(),
		ListenerRunning:       i.listener.Running(),
		ListenerErrno:         i.listener.Errno(),
		SenderSocketError:     d.SocketError,
		SenderErrno:           d.Errno,
	}
}

// SendTo writes m over a connection to dst, reconnecting when the
// destination changes.
func (i *TCPInterface) SendTo(ctx context.Context, dst netip.AddrPort, m wire.Message) error {
	return i.sender.SendTo(ctx, dst, m)
}

// Disconnect sends the stop sentinel to the currently connected peer.
func (i *TCPInterface) Disconnect() error { return i.sender.Disconnect() }

func (i *TCPInterface) ReceivedElement(ctx context.Context) (Envelope, error) {
	return i.inbox.Pop(ctx)
}

func (i *TCPInterface) TryReceive() (Envelope, bool) { return i.inbox.TryPop() }
func (i *TCPInterface) Pending() int                 { return i.inbox.Len() }
func (i *TCPInterface) SenderPort() uint16           { return i.sender.Port() }
func (i *TCPInterface) ListenerPort() uint16         { return i.listener.Port() }

// ActiveConnections reports the number of busy receiver slots.
func (i *TCPInterface) ActiveConnections() int { return i.listener.ActiveConnections() }

// selfAddr maps a wildcard bind address to loopback so a node can reach its
// own listener.
func selfAddr(a netip.AddrPort) netip.AddrPort {
	if a.Addr().IsUnspecified() {
		return netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), a.Port())
	}
	return a
}
