package qube

import (
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/sneh-joshi/disqube/internal/transport"
	"github.com/sneh-joshi/disqube/internal/wire"
)

// Peer identifies another qube by its address and listener ports.
type Peer struct {
	Addr    netip.Addr `json:"addr"`
	UDPPort uint16     `json:"udp_port"`
	TCPPort uint16     `json:"tcp_port"`
}

func (p Peer) UDP() netip.AddrPort { return netip.AddrPortFrom(p.Addr, p.UDPPort) }
func (p Peer) TCP() netip.AddrPort { return netip.AddrPortFrom(p.Addr, p.TCPPort) }

// IsZero reports whether p was never set.
func (p Peer) IsZero() bool { return !p.Addr.IsValid() }

// Worker is a peer that answered discovery, with the capacity it reported.
type Worker struct {
	Peer
	FreeRAM  uint64    `json:"free_ram"`
	CPUUsage uint8     `json:"cpu_usage"`
	JoinedAt time.Time `json:"joined_at"`
	LastSeen time.Time `json:"last_seen"`
}

func workerFromResponse(r *wire.DiscoverResponse, now time.Time) Worker {
	return Worker{
		Peer: Peer{
			Addr:    transport.Uint32ToAddr(r.Addr),
			UDPPort: r.UDPPort,
			TCPPort: r.TCPPort,
		},
		FreeRAM:  r.FreeRAM(),
		CPUUsage: r.CPUUsage,
		JoinedAt: now,
		LastSeen: now,
	}
}

// Registry is the master's view of its workers, keyed by address.
// The run loop writes it; the admin surface reads it.
type Registry struct {
	mu      sync.RWMutex
	workers map[netip.Addr]Worker
}

func NewRegistry() *Registry {
	return &Registry{workers: make(map[netip.Addr]Worker)}
}

// Upsert records w, keeping the original join time of a known worker. It
// reports whether w is new.
func (r *Registry) Upsert(w Worker) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, known := r.workers[w.Addr]
	if known {
		w.JoinedAt = old.JoinedAt
	}
	r.workers[w.Addr] = w
	return !known
}

// Remove forgets the worker at addr and reports whether it was known.
func (r *Registry) Remove(addr netip.Addr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.workers[addr]
	delete(r.workers, addr)
	return ok
}

func (r *Registry) Get(addr netip.Addr) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[addr]
	return w, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// List returns the workers ordered by address.
func (r *Registry) List() []Worker {
	r.mu.RLock()
	out := make([]Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b Worker) int { return a.Addr.Compare(b.Addr) })
	return out
}
