package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/sneh-joshi/disqube/internal/wire"
)

// reconnectBackoff is the pause between failed connection attempts.
const reconnectBackoff = 500 * time.Millisecond

// disconnectSentinel tells the remote receiver to stop reading.
var disconnectSentinel = []byte("1")

// TCPSocket is the client side of a TCP link. It keeps at most one live
// connection and reuses it while the destination stays the same.
type TCPSocket struct {
	local         *net.TCPAddr
	reconnections int
	timeout       time.Duration
	pollTimeout   time.Duration

	mu      sync.Mutex
	conn    *net.TCPConn
	dst     netip.AddrPort
	lastErr syscall.Errno
	failed  bool
	closed  bool
}

// TCPOptions tunes connection establishment.
type TCPOptions struct {
	// Reconnections is the number of connection attempts before giving up.
	Reconnections  int
	ConnectTimeout time.Duration
	PollTimeout    time.Duration
}

// NewTCPSocket prepares a client bound to ip:port once it connects. Port zero
// lets the kernel pick a source port for every connection.
func NewTCPSocket(ip string, port uint16, opts TCPOptions) (*TCPSocket, error) {
	local, err := net.ResolveTCPAddr("tcp4", net.JoinHostPort(ip, strconv.Itoa(int(port))))
	if err != nil {
		return nil, fmt.Errorf("tcp: resolve %s:%d: %w", ip, port, err)
	}
	if opts.Reconnections < 1 {
		opts.Reconnections = 1
	}
	return &TCPSocket{
		local:         local,
		reconnections: opts.Reconnections,
		timeout:       opts.ConnectTimeout,
		pollTimeout:   opts.PollTimeout,
	}, nil
}

// Port returns the configured local source port.
func (s *TCPSocket) Port() uint16 { return uint16(s.local.Port) }

// Connected reports whether a live connection exists.
func (s *TCPSocket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Destination returns the current peer, if connected.
func (s *TCPSocket) Destination() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dst
}

// ConnectTo establishes a connection to dst, retrying with a fixed backoff.
// An existing connection to the same destination is kept.
func (s *TCPSocket) ConnectTo(ctx context.Context, dst netip.AddrPort) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked(ctx, dst)
}

func (s *TCPSocket) connectLocked(ctx context.Context, dst netip.AddrPort) error {
	if s.closed {
		return net.ErrClosed
	}
	if s.conn != nil && s.dst == dst {
		return nil
	}
	s.dropLocked()

	d := net.Dialer{Timeout: s.timeout, LocalAddr: s.local, Control: setReuseAddr}
	var lastErr error
	for attempt := 0; attempt < s.reconnections; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(reconnectBackoff):
			}
		}
		c, err := d.DialContext(ctx, "tcp4", dst.String())
		if err == nil {
			s.conn = c.(*net.TCPConn)
			s.dst = dst
			s.failed = false
			s.lastErr = 0
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	s.failed = true
	s.lastErr = errnoOf(lastErr)
	return fmt.Errorf("tcp: connect %s after %d attempts: %w", dst, s.reconnections, lastErr)
}

// Send writes b to dst, connecting first when needed. A write failure drops
// the connection so the next send reconnects.
func (s *TCPSocket) Send(ctx context.Context, dst netip.AddrPort, b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.connectLocked(ctx, dst); err != nil {
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	d := poll(s.conn, pollWrite, s.pollTimeout)
	if d.SocketError {
		s.recordLocked(d.Errno)
		return fmt.Errorf("tcp: send to %s: %w", dst, socketErr(d))
	}
	if !d.ReadyToWrite {
		return fmt.Errorf("tcp: send to %s: %w", dst, ErrNotReady)
	}
	if _, err := s.conn.Write(b); err != nil {
		s.recordLocked(errnoOf(err))
		return fmt.Errorf("tcp: send to %s: %w", dst, err)
	}
	return nil
}

// Disconnect sends the stop sentinel over the live connection, then closes
// it. The socket can connect again afterwards.
func (s *TCPSocket) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	_, err := s.conn.Write(disconnectSentinel)
	s.dropLocked()
	return err
}

// Diagnose reports on the live connection or, without one, on the outcome of
// the last connection attempt.
func (s *TCPSocket) Diagnose() Diagnostic {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return poll(s.conn, pollAll, s.pollTimeout)
	}
	if s.failed {
		return Diagnostic{SocketError: true, Errno: s.lastErr}
	}
	return Diagnostic{Active: !s.closed, ConnectionClosed: s.closed}
}

// Close drops any connection; later sends fail.
func (s *TCPSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.dropLocked()
	return nil
}

func (s *TCPSocket) recordLocked(errno syscall.Errno) {
	s.failed = true
	s.lastErr = errno
	s.dropLocked()
}

func (s *TCPSocket) dropLocked() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
		s.dst = netip.AddrPort{}
	}
}

// TCPSender frames messages and writes them over a TCPSocket.
type TCPSender struct {
	sock  *TCPSocket
	order binary.ByteOrder
}

// NewTCPSender wraps sock.
func NewTCPSender(sock *TCPSocket, order binary.ByteOrder) *TCPSender {
	return &TCPSender{sock: sock, order: order}
}

// SendTo stamps m as TCP, frames it and writes it to dst.
func (s *TCPSender) SendTo(ctx context.Context, dst netip.AddrPort, m wire.Message) error {
	wire.SetProto(m, wire.ProtoTCP)
	raw, err := wire.Marshal(m, s.order)
	if err != nil {
		return err
	}
	return s.sock.Send(ctx, dst, raw)
}

// Disconnect asks the remote receiver to stop. See TCPSocket.Disconnect.
func (s *TCPSender) Disconnect() error { return s.sock.Disconnect() }

func (s *TCPSender) Connected() bool      { return s.sock.Connected() }
func (s *TCPSender) Diagnose() Diagnostic { return s.sock.Diagnose() }
func (s *TCPSender) Port() uint16         { return s.sock.Port() }
func (s *TCPSender) Close() error         { return s.sock.Close() }

// IsRefused reports whether err came from a peer refusing the connection.
func IsRefused(err error) bool { return errors.Is(err, syscall.ECONNREFUSED) }
