package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrClosed is returned by Push after Close, and by Pop once the queue is
	// closed and drained.
	ErrClosed = errors.New("queue: closed")
	// ErrTimeout is returned by PopTimeout when nothing arrived in time.
	ErrTimeout = errors.New("queue: pop timed out")
)

// Bounded is a fixed-capacity FIFO shared by any number of producers and
// consumers. Push blocks while the queue is full, which is how a slow consumer
// pushes back on the network listeners feeding it.
//
// All methods are safe for concurrent use.
type Bounded[T any] struct {
	ch   chan T
	done chan struct{}
	once sync.Once
}

// NewBounded creates a queue holding at most capacity elements.
// A capacity below 1 is raised to 1.
func NewBounded[T any](capacity int) *Bounded[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Bounded[T]{
		ch:   make(chan T, capacity),
		done: make(chan struct{}),
	}
}

// Push appends v, waiting for room if the queue is full.
func (q *Bounded[T]) Push(ctx context.Context, v T) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case q.ch <- v:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPush appends v only if there is room right now.
func (q *Bounded[T]) TryPush(v T) bool {
	select {
	case <-q.done:
		return false
	default:
	}
	select {
	case q.ch <- v:
		return true
	default:
		return false
	}
}

// Pop removes the oldest element, waiting until one is available.
// Elements pushed before Close are still returned.
func (q *Bounded[T]) Pop(ctx context.Context) (T, error) {
	if v, ok := q.TryPop(); ok {
		return v, nil
	}
	var zero T
	select {
	case v := <-q.ch:
		return v, nil
	case <-q.done:
		if v, ok := q.TryPop(); ok {
			return v, nil
		}
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// PopTimeout is Pop bounded by d.
func (q *Bounded[T]) PopTimeout(d time.Duration) (T, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	v, err := q.Pop(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return v, ErrTimeout
	}
	return v, err
}

// TryPop removes the oldest element if there is one.
func (q *Bounded[T]) TryPop() (T, bool) {
	select {
	case v := <-q.ch:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// Len is the number of queued elements at the time of the call.
func (q *Bounded[T]) Len() int { return len(q.ch) }

// Cap is the fixed capacity.
func (q *Bounded[T]) Cap() int { return cap(q.ch) }

// Close wakes every blocked caller. It is safe to call more than once.
func (q *Bounded[T]) Close() {
	q.once.Do(func() { close(q.done) })
}
