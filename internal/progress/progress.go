// Package progress reports how far a long-running scan has got, in
// percentage milestones.
package progress

import "iter"

// Func receives one milestone. percent is a multiple of the tracker's step,
// or 100 once complete.
type Func func(label string, percent int, done, total uint64)

// Tracker counts completed units of work and calls its Func whenever a new
// milestone is crossed. It is not safe for concurrent use.
type Tracker struct {
	label string
	total uint64
	step  int
	done  uint64
	last  int
	fn    Func
}

// New creates a tracker reporting every step percent. A nil fn disables
// reporting; a step outside (0, 100] becomes 10.
func New(label string, total uint64, step int, fn Func) *Tracker {
	if step <= 0 || step > 100 {
		step = 10
	}
	return &Tracker{label: label, total: total, step: step, fn: fn}
}

// Advance records n more units of work.
func (t *Tracker) Advance(n uint64) {
	t.done += n
	if t.done > t.total {
		t.done = t.total
	}
	t.report()
}

// Percent is the completed share rounded down.
func (t *Tracker) Percent() int {
	if t.total == 0 {
		return 100
	}
	return int(t.done * 100 / t.total)
}

// Finish reports 100% if it has not been reported yet.
func (t *Tracker) Finish() {
	t.done = t.total
	t.report()
}

func (t *Tracker) report() {
	p := t.Percent()
	milestone := p - p%t.step
	if p == 100 {
		milestone = 100
	}
	if milestone <= t.last {
		return
	}
	t.last = milestone
	if t.fn != nil {
		t.fn(t.label, milestone, t.done, t.total)
	}
}

// Range yields every value in [first, last] and advances t once per value
// consumed. An empty range (first > last) finishes t immediately.
func Range(first, last uint32, t *Tracker) iter.Seq[uint32] {
	return func(yield func(uint32) bool) {
		if first > last {
			t.Finish()
			return
		}
		for v := first; ; v++ {
			if !yield(v) {
				return
			}
			t.Advance(1)
			if v == last {
				return
			}
		}
	}
}
