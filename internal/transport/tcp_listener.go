package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sneh-joshi/disqube/internal/queue"
	"github.com/sneh-joshi/disqube/internal/wire"
)

// poolFullPause is how long the accept loop backs off while every receiver
// slot is busy.
const poolFullPause = time.Second

// TCPListener accepts connections and hands each one to a receiver from a
// fixed pool of slots. When the pool is full new connections wait in the
// kernel backlog.
type TCPListener struct {
	loopState
	ln          *net.TCPListener
	slots       []*receiver
	inbox       *queue.Bounded[Envelope]
	pollTimeout time.Duration
	log         *zap.Logger
	active      atomic.Int32
}

var _ Listener = (*TCPListener)(nil)

// ListenTCP binds ip:port and prepares a pool of maxConns receivers.
func ListenTCP(ip string, port uint16, maxConns int, inbox *queue.Bounded[Envelope], pollTimeout time.Duration, log *zap.Logger) (*TCPListener, error) {
	if maxConns < 1 {
		maxConns = 1
	}
	lc := net.ListenConfig{Control: setReuseAddr}
	ln, err := lc.Listen(context.Background(), "tcp4", net.JoinHostPort(ip, strconv.Itoa(int(port))))
	if err != nil {
		return nil, fmt.Errorf("tcp: listen %s:%d: %w", ip, port, err)
	}
	l := &TCPListener{
		ln:          ln.(*net.TCPListener),
		slots:       make([]*receiver, maxConns),
		inbox:       inbox,
		pollTimeout: pollTimeout,
		log:         log,
	}
	l.init()
	return l, nil
}

func (l *TCPListener) Port() uint16 {
	return uint16(l.ln.Addr().(*net.TCPAddr).Port)
}

// ActiveConnections is the number of receivers currently serving a peer.
func (l *TCPListener) ActiveConnections() int { return int(l.active.Load()) }

// Diagnose polls the listening socket.
func (l *TCPListener) Diagnose() Diagnostic { return poll(l.ln, pollRead, l.pollTimeout) }

// Start launches the accept loop.
func (l *TCPListener) Start() { l.launch(l.run) }

// Close releases the listening socket. Call after Stop and Wait.
func (l *TCPListener) Close() error { return l.ln.Close() }

func (l *TCPListener) run() {
	defer l.drainReceivers()
	for !l.stopping() {
		l.reap()
		slot := l.freeSlot()
		if slot < 0 {
			select {
			case <-l.done:
				return
			case <-time.After(poolFullPause):
			}
			continue
		}

		d := poll(l.ln, pollRead, l.pollTimeout)
		if d.SocketError {
			l.fail(d.Errno)
			l.log.Error("tcp listener socket error", zap.Uint16("port", l.Port()), zap.Error(socketErr(d)))
			return
		}
		if !d.Active {
			return
		}
		if d.TimeoutElapsed || !d.ReadyToRead {
			continue
		}

		conn, err := l.ln.AcceptTCP()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.log.Warn("tcp accept failed", zap.Error(err))
			continue
		}
		r := newReceiver(conn, l.inbox, l.pollTimeout, l.log)
		l.slots[slot] = r
		l.active.Add(1)
		r.start()
	}
}

// reap joins receivers that have finished and frees their slots.
func (l *TCPListener) reap() {
	for i, r := range l.slots {
		if r != nil && !r.Running() {
			r.Wait()
			l.slots[i] = nil
			l.active.Add(-1)
		}
	}
}

func (l *TCPListener) freeSlot() int {
	for i, r := range l.slots {
		if r == nil {
			return i
		}
	}
	return -1
}

func (l *TCPListener) drainReceivers() {
	for _, r := range l.slots {
		if r != nil {
			r.Stop()
		}
	}
	for i, r := range l.slots {
		if r != nil {
			r.Wait()
			l.slots[i] = nil
			l.active.Add(-1)
		}
	}
}

// receiver reads one accepted connection until the peer leaves, sends the
// stop sentinel, or the listener stops.
type receiver struct {
	loopState
	conn        *net.TCPConn
	peer        netip.AddrPort
	inbox       *queue.Bounded[Envelope]
	pollTimeout time.Duration
	log         *zap.Logger
}

func newReceiver(conn *net.TCPConn, inbox *queue.Bounded[Envelope], pollTimeout time.Duration, log *zap.Logger) *receiver {
	r := &receiver{
		conn:        conn,
		peer:        conn.RemoteAddr().(*net.TCPAddr).AddrPort(),
		inbox:       inbox,
		pollTimeout: pollTimeout,
		log:         log,
	}
	r.init()
	return r
}

func (r *receiver) start() { r.launch(r.run) }

func (r *receiver) run() {
	defer r.conn.Close()
	peer := netip.AddrPortFrom(r.peer.Addr().Unmap(), r.peer.Port())
	buf := make([]byte, wire.MaxMessageSize)
	for !r.stopping() {
		d := poll(r.conn, pollRead, r.pollTimeout)
		if d.SocketError || !d.Active {
			return
		}
		if d.ConnectionClosed && !d.ReadyToRead {
			return
		}
		if d.TimeoutElapsed || !d.ReadyToRead {
			continue
		}

		n, err := r.conn.Read(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			r.log.Debug("tcp receive failed", zap.Stringer("peer", peer), zap.Error(err))
			return
		}
		if n <= 1 {
			// EOF or the disconnect sentinel.
			return
		}
		if err := r.inbox.Push(r.ctx, newEnvelope(buf[:n], peer, wire.ProtoTCP)); err != nil {
			return
		}
	}
}
