// Package transport carries qube messages over UDP and TCP.
//
// Each transport is exposed as an Interface: one sender socket, one listener
// socket and the bounded inbox the listener fills. Listener loops poll their
// socket with a timeout before every read so that a stop request is noticed
// within one poll period, and record why they exited so the owner can run a
// diagnostic check.
package transport

import (
	"errors"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Diagnostic is a point-in-time readiness report for one socket.
type Diagnostic struct {
	Active           bool
	ReadyToRead      bool
	ReadyToWrite     bool
	SocketError      bool
	Errno            syscall.Errno
	TimeoutElapsed   bool
	ConnectionClosed bool
}

const (
	pollRead  = unix.POLLIN
	pollWrite = unix.POLLOUT
	pollAll   = unix.POLLIN | unix.POLLOUT
)

// poll waits up to timeout for any of events on conn. A closed conn reports
// inactive and closed without an error; a pending socket error is fetched
// with SO_ERROR.
func poll(conn syscall.Conn, events int16, timeout time.Duration) Diagnostic {
	rc, err := conn.SyscallConn()
	if err != nil {
		return closedOrFailed(err)
	}

	var (
		n       int
		perr    error
		revents int16
		soErr   int
		gerr    error
	)
	cerr := rc.Control(func(fd uintptr) {
		fds := []unix.PollFd{{Fd: int32(fd), Events: events | unix.POLLERR | unix.POLLHUP | unix.POLLNVAL}}
		ms := int(timeout / time.Millisecond)
		for {
			n, perr = unix.Poll(fds, ms)
			if !errors.Is(perr, unix.EINTR) {
				break
			}
		}
		revents = fds[0].Revents
		if perr != nil || revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
			soErr, gerr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_ERROR)
		}
	})
	if cerr != nil {
		return closedOrFailed(cerr)
	}

	d := Diagnostic{Active: true}
	if n == 0 && perr == nil {
		d.TimeoutElapsed = true
		return d
	}
	if perr != nil || revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
		d.Active = false
		d.SocketError = true
		switch {
		case gerr != nil:
			d.Errno = errnoOf(gerr)
		case soErr != 0:
			d.Errno = syscall.Errno(soErr)
		default:
			d.Errno = errnoOf(perr)
		}
		return d
	}
	d.ConnectionClosed = revents&unix.POLLHUP != 0
	d.ReadyToRead = revents&unix.POLLIN != 0
	d.ReadyToWrite = revents&unix.POLLOUT != 0
	return d
}

func closedOrFailed(err error) Diagnostic {
	if errors.Is(err, net.ErrClosed) {
		return Diagnostic{ConnectionClosed: true}
	}
	return Diagnostic{SocketError: true, Errno: errnoOf(err)}
}

// errnoOf extracts the OS error code from err, or zero when there is none.
func errnoOf(err error) syscall.Errno {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return 0
}

// setReuseAddr is a net.Dialer / net.ListenConfig Control hook enabling
// SO_REUSEADDR so fixed local ports can be rebound quickly after a restart.
func setReuseAddr(_, _ string, c syscall.RawConn) error {
	var serr error
	if err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return serr
}
