package qube

import (
	"sync"
	"time"

	"github.com/sneh-joshi/disqube/internal/node"
)

// EventKind names what happened.
type EventKind string

const (
	EventTransition   EventKind = "transition"
	EventWorkerJoined EventKind = "worker_joined"
	EventWorkerLeft   EventKind = "worker_left"
	EventMaster       EventKind = "master"
	EventMaintenance  EventKind = "maintenance"
)

// Event is one entry of the in-memory event log streamed by the admin
// surface.
type Event struct {
	Seq    uint64    `json:"seq"`
	ID     string    `json:"id"`
	Kind   EventKind `json:"kind"`
	At     time.Time `json:"at"`
	From   string    `json:"from,omitempty"`
	To     string    `json:"to,omitempty"`
	Peer   *Peer     `json:"peer,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

// EventLog keeps the most recent events. Readers poll it with Since.
type EventLog struct {
	mu    sync.Mutex
	buf   []Event
	next  uint64
	limit int
}

// NewEventLog keeps at most limit events; older ones are dropped.
func NewEventLog(limit int) *EventLog {
	if limit < 1 {
		limit = 1
	}
	return &EventLog{limit: limit, next: 1}
}

// Append stamps e with a sequence number, id and time, then stores it.
func (l *EventLog) Append(e Event) Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.Seq = l.next
	l.next++
	if e.ID == "" {
		if id, err := node.NewID(); err == nil {
			e.ID = id
		}
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if len(l.buf) == l.limit {
		copy(l.buf, l.buf[1:])
		l.buf = l.buf[:len(l.buf)-1]
	}
	l.buf = append(l.buf, e)
	return e
}

// Since returns the stored events with a sequence number above seq.
func (l *EventLog) Since(seq uint64) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, e := range l.buf {
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}

// Last is the sequence number of the newest event, zero when empty.
func (l *EventLog) Last() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next - 1
}
