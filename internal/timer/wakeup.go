// Package timer provides the periodic wake-up used to pace the qube run loop.
package timer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// pendingTicks caps how many unconsumed ticks are remembered. A consumer that
// falls behind catches up by at most this many immediate wake-ups.
const pendingTicks = 8

// WakeUp posts a tick every period. Wait consumes one tick, blocking until the
// next one when none is pending.
//
// Usage:
//
//	w := timer.NewWakeUp(100 * time.Millisecond)
//	w.Start()
//	defer w.Stop()
//	for w.Wait(ctx) == nil {
//	    // drain inboxes
//	}
//
// Wait, ElapsedTime, ResetTimeout and CheckTimeout are safe for concurrent use.
type WakeUp struct {
	period time.Duration
	ticks  chan struct{}
	start  time.Time
	mark   atomic.Int64 // unix nanos of the last ResetTimeout

	started atomic.Bool
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// NewWakeUp creates a stopped timer. Periods under a millisecond are raised
// to one millisecond.
func NewWakeUp(period time.Duration) *WakeUp {
	if period < time.Millisecond {
		period = time.Millisecond
	}
	now := time.Now()
	w := &WakeUp{
		period: period,
		ticks:  make(chan struct{}, pendingTicks),
		start:  now,
		done:   make(chan struct{}),
	}
	w.mark.Store(now.UnixNano())
	return w
}

// Period returns the tick interval.
func (w *WakeUp) Period() time.Duration { return w.period }

// Start launches the ticking goroutine. Calls after the first are no-ops.
func (w *WakeUp) Start() {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	w.wg.Add(1)
	go w.run()
}

// Stop halts the ticker and waits for its goroutine to exit. Blocked Wait
// calls return ErrStopped.
func (w *WakeUp) Stop() {
	w.once.Do(func() { close(w.done) })
	w.wg.Wait()
}

func (w *WakeUp) run() {
	defer w.wg.Done()
	t := time.NewTicker(w.period)
	defer t.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-t.C:
			select {
			case w.ticks <- struct{}{}:
			default:
				// consumer is behind; the pending ticks already wake it
			}
		}
	}
}

// Wait blocks until a tick is available, the timer stops, or ctx ends.
func (w *WakeUp) Wait(ctx context.Context) error {
	select {
	case <-w.ticks:
		return nil
	case <-w.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ElapsedTime is the time since the timer was created.
func (w *WakeUp) ElapsedTime() time.Duration { return time.Since(w.start) }

// ResetTimeout restarts the window measured by CheckTimeout.
func (w *WakeUp) ResetTimeout() { w.mark.Store(time.Now().UnixNano()) }

// CheckTimeout reports whether at least d has passed since the last
// ResetTimeout (or since creation).
func (w *WakeUp) CheckTimeout(d time.Duration) bool {
	return time.Since(time.Unix(0, w.mark.Load())) >= d
}
