package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"

	"github.com/sneh-joshi/disqube/internal/queue"
	"github.com/sneh-joshi/disqube/internal/wire"
)

// UDPSocket is a bound, unconnected UDP socket.
type UDPSocket struct {
	conn        *net.UDPConn
	pollTimeout time.Duration
}

// BindUDP binds ip:port. Port zero picks an ephemeral port.
func BindUDP(ip string, port uint16, pollTimeout time.Duration) (*UDPSocket, error) {
	addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(ip, strconv.Itoa(int(port))))
	if err != nil {
		return nil, fmt.Errorf("udp: resolve %s:%d: %w", ip, port, err)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("udp: bind %s: %w", addr, err)
	}
	return &UDPSocket{conn: conn, pollTimeout: pollTimeout}, nil
}

// Port returns the bound local port.
func (s *UDPSocket) Port() uint16 {
	return uint16(s.conn.LocalAddr().(*net.UDPAddr).Port)
}

// LocalAddr returns the bound local address.
func (s *UDPSocket) LocalAddr() netip.AddrPort {
	return s.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Diagnose polls the socket for readiness and pending errors.
func (s *UDPSocket) Diagnose() Diagnostic { return poll(s.conn, pollAll, s.pollTimeout) }

// Send writes one datagram to dst after checking the socket is writable.
func (s *UDPSocket) Send(b []byte, dst netip.AddrPort) error {
	d := poll(s.conn, pollWrite, s.pollTimeout)
	if d.SocketError {
		return fmt.Errorf("udp: send to %s: %w", dst, socketErr(d))
	}
	if !d.ReadyToWrite {
		return fmt.Errorf("udp: send to %s: %w", dst, ErrNotReady)
	}
	if _, err := s.conn.WriteToUDPAddrPort(b, dst); err != nil {
		return fmt.Errorf("udp: send to %s: %w", dst, err)
	}
	return nil
}

// Close releases the socket.
func (s *UDPSocket) Close() error { return s.conn.Close() }

// UDPSender frames messages and sends them as datagrams.
type UDPSender struct {
	sock  *UDPSocket
	order binary.ByteOrder
}

// NewUDPSender wraps sock.
func NewUDPSender(sock *UDPSocket, order binary.ByteOrder) *UDPSender {
	return &UDPSender{sock: sock, order: order}
}

// SendTo stamps m as UDP, frames it and sends it to dst.
func (s *UDPSender) SendTo(dst netip.AddrPort, m wire.Message) error {
	wire.SetProto(m, wire.ProtoUDP)
	raw, err := wire.Marshal(m, s.order)
	if err != nil {
		return err
	}
	return s.sock.Send(raw, dst)
}

// SendRaw sends b unframed. An empty b is the listener stop sentinel.
func (s *UDPSender) SendRaw(dst netip.AddrPort, b []byte) error { return s.sock.Send(b, dst) }

func (s *UDPSender) Diagnose() Diagnostic { return s.sock.Diagnose() }
func (s *UDPSender) Port() uint16         { return s.sock.Port() }
func (s *UDPSender) Close() error         { return s.sock.Close() }

// UDPListener reads datagrams into an inbox until stopped, until a socket
// error, or until it receives a zero-length datagram.
type UDPListener struct {
	loopState
	sock  *UDPSocket
	pc    *ipv4.PacketConn
	inbox *queue.Bounded[Envelope]
	log   *zap.Logger
}

var _ Listener = (*UDPListener)(nil)

// NewUDPListener prepares a listener on sock. Call Start to begin reading.
func NewUDPListener(sock *UDPSocket, inbox *queue.Bounded[Envelope], log *zap.Logger) *UDPListener {
	l := &UDPListener{sock: sock, pc: ipv4.NewPacketConn(sock.conn), inbox: inbox, log: log}
	l.init()
	if err := l.pc.SetControlMessage(ipv4.FlagDst, true); err != nil {
		log.Debug("udp destination address reporting unavailable", zap.Error(err))
	}
	return l
}

func (l *UDPListener) Port() uint16 { return l.sock.Port() }

// Start launches the receive loop.
func (l *UDPListener) Start() { l.launch(l.run) }

func (l *UDPListener) run() {
	buf := make([]byte, wire.MaxMessageSize)
	for !l.stopping() {
		d := poll(l.sock.conn, pollRead, l.sock.pollTimeout)
		if d.SocketError {
			l.fail(d.Errno)
			l.log.Error("udp listener socket error", zap.Uint16("port", l.Port()), zap.Error(socketErr(d)))
			return
		}
		if !d.Active {
			return
		}
		if d.TimeoutElapsed || !d.ReadyToRead {
			continue
		}

		n, cm, src, err := l.pc.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.log.Warn("udp receive failed", zap.Error(err))
			continue
		}
		if n == 0 {
			l.log.Debug("udp listener stop sentinel received", zap.Stringer("from", src))
			return
		}
		if l.stopping() {
			return
		}

		ua, _ := src.(*net.UDPAddr)
		var from netip.AddrPort
		if ua != nil {
			from = ua.AddrPort()
		}
		env := newEnvelope(buf[:n], netip.AddrPortFrom(from.Addr().Unmap(), from.Port()), wire.ProtoUDP)
		if cm != nil {
			if dst, ok := netip.AddrFromSlice(cm.Dst); ok {
				env.Dst = dst.Unmap()
			}
		}
		if err := l.inbox.Push(l.ctx, env); err != nil {
			return
		}
	}
}

func socketErr(d Diagnostic) error {
	if d.Errno != 0 {
		return fmt.Errorf("%w: %w", ErrSocket, d.Errno)
	}
	return ErrSocket
}
