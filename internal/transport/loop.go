package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"syscall"
)

var (
	// ErrNotReady is returned when a socket is not writable within the poll
	// timeout.
	ErrNotReady = errors.New("transport: socket not ready")
	// ErrSocket wraps errors reported by the socket itself.
	ErrSocket = errors.New("transport: socket error")
	// ErrNotConnected is returned by TCP sends when no connection could be
	// established.
	ErrNotConnected = errors.New("transport: not connected")
)

// Listener is a background receive loop feeding an inbox.
type Listener interface {
	Start()
	// Stop requests the loop to exit; it does not wait.
	Stop()
	// Wait blocks until the loop has exited.
	Wait()
	Running() bool
	// ExitedOnError reports whether the loop quit because of a socket error,
	// as opposed to a stop request or a stop sentinel.
	ExitedOnError() bool
	Errno() syscall.Errno
	Port() uint16
}

// loopState is the lifecycle bookkeeping shared by listener loops and TCP
// receivers. Call init before use.
type loopState struct {
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	running atomic.Bool
	failed  atomic.Bool
	errno   atomic.Uintptr
}

func (l *loopState) init() {
	l.done = make(chan struct{})
	l.ctx, l.cancel = context.WithCancel(context.Background())
}

// launch runs fn on a tracked goroutine and clears the running flag when it
// returns.
func (l *loopState) launch(fn func()) {
	l.running.Store(true)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer l.running.Store(false)
		fn()
	}()
}

func (l *loopState) stopping() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *loopState) fail(errno syscall.Errno) {
	l.errno.Store(uintptr(errno))
	l.failed.Store(true)
}

func (l *loopState) Stop() {
	l.once.Do(func() {
		close(l.done)
		l.cancel()
	})
}

func (l *loopState) Wait()                { l.wg.Wait() }
func (l *loopState) Running() bool        { return l.running.Load() }
func (l *loopState) ExitedOnError() bool  { return l.failed.Load() }
func (l *loopState) Errno() syscall.Errno { return syscall.Errno(l.errno.Load()) }
