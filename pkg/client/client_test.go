package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sneh-joshi/disqube/internal/admin"
	"github.com/sneh-joshi/disqube/internal/metrics"
	"github.com/sneh-joshi/disqube/internal/qube"
	"github.com/sneh-joshi/disqube/internal/sysmetrics"
	"github.com/sneh-joshi/disqube/pkg/client"
)

// ─── test server helpers ──────────────────────────────────────────────────────

type stubQube struct {
	mu          sync.Mutex
	state       string
	maintenance bool
	events      *qube.EventLog
}

func (s *stubQube) Status() qube.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	peer := qube.Peer{Addr: netip.MustParseAddr("10.0.0.2"), UDPPort: 9000, TCPPort: 9004}
	return qube.Status{
		NodeID:      "01HZY3T4B5C6D7E8F9G0H1J2K3",
		Role:        "master",
		State:       s.state,
		Maintenance: s.maintenance,
		Round:       2,
		Workers:     []qube.Worker{{Peer: peer, FreeRAM: 64 << 20, CPUUsage: 12}},
		Host:        &sysmetrics.Snapshot{CPUUsage: 7.5, TotalRAM: 1 << 30, FreeRAM: 256 << 20, VirtualRAM: 2 << 30},
	}
}

func (s *stubQube) SetMaintenance(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maintenance = on
}

func (s *stubQube) Events() *qube.EventLog { return s.events }

// newTestEnv serves a real admin surface over a stub qube.
func newTestEnv(t *testing.T) (*client.Client, *stubQube) {
	t.Helper()
	q := &stubQube{state: "OPERATIVE", events: qube.NewEventLog(32)}
	srv := admin.New(q, metrics.New(), admin.Options{Version: "1.2.3", PollInterval: 5 * time.Millisecond}, zap.NewNop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return client.New(ts.URL), q
}

func ctx() context.Context { return context.Background() }

// ─── tests ────────────────────────────────────────────────────────────────────

func TestHealth(t *testing.T) {
	c, q := newTestEnv(t)
	h, err := c.Health(ctx())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.Status != "ok" || h.State != "OPERATIVE" || h.Version != "1.2.3" {
		t.Fatalf("unexpected health: %+v", h)
	}
	if h.NodeID == "" {
		t.Fatal("NodeID must not be empty")
	}

	q.mu.Lock()
	q.state = "SHUTDOWN"
	q.mu.Unlock()
	if _, err := c.Health(ctx()); !client.IsUnavailable(err) {
		t.Fatalf("Health after shutdown: want 503, got %v", err)
	}
}

func TestStatus(t *testing.T) {
	c, _ := newTestEnv(t)
	st, err := c.Status(ctx())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Role != "master" || st.Round != 2 {
		t.Fatalf("unexpected status: %+v", st)
	}
	if len(st.Workers) != 1 {
		t.Fatalf("workers: want 1, got %d", len(st.Workers))
	}
	w := st.Workers[0]
	if w.Addr != "10.0.0.2" || w.UDPPort != 9000 || w.FreeRAM != 64<<20 {
		t.Fatalf("unexpected worker: %+v", w)
	}
	if st.Host == nil || st.Host.TotalRAM != 1<<30 || st.Host.VirtualRAM != 2<<30 {
		t.Fatalf("unexpected host sample: %+v", st.Host)
	}
}

func TestSetMaintenance(t *testing.T) {
	c, q := newTestEnv(t)

	st, err := c.SetMaintenance(ctx(), true)
	if err != nil {
		t.Fatalf("SetMaintenance(true): %v", err)
	}
	if !st.Maintenance {
		t.Fatal("status should report maintenance requested")
	}
	if _, err := c.SetMaintenance(ctx(), false); err != nil {
		t.Fatalf("SetMaintenance(false): %v", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.maintenance {
		t.Fatal("maintenance should be cleared")
	}
}

func TestWatch(t *testing.T) {
	c, q := newTestEnv(t)
	q.events.Append(qube.Event{Kind: qube.EventTransition, From: "INIT", To: "DISCOVERING"})
	q.events.Append(qube.Event{Kind: qube.EventTransition, From: "DISCOVERING", To: "OPERATIVE"})

	wctx, cancel := context.WithTimeout(ctx(), 5*time.Second)
	defer cancel()

	var got []client.Event
	errDone := errors.New("done")
	err := c.Watch(wctx, 1, func(e client.Event) error {
		got = append(got, e)
		if len(got) == 1 {
			q.events.Append(qube.Event{Kind: qube.EventWorkerJoined, Peer: &qube.Peer{Addr: netip.MustParseAddr("10.0.0.2")}})
			return nil
		}
		return errDone
	})
	if !errors.Is(err, errDone) {
		t.Fatalf("Watch: want errDone, got %v", err)
	}
	if got[0].Seq != 2 || got[0].To != "OPERATIVE" {
		t.Fatalf("first event: %+v", got[0])
	}
	if got[1].Kind != "worker_joined" || got[1].Peer == nil || got[1].Peer.Addr != "10.0.0.2" {
		t.Fatalf("second event: %+v", got[1])
	}
}

func TestWatch_ContextCancelReturnsNil(t *testing.T) {
	c, _ := newTestEnv(t)
	wctx, cancel := context.WithTimeout(ctx(), 50*time.Millisecond)
	defer cancel()
	if err := c.Watch(wctx, 0, func(client.Event) error { return nil }); err != nil {
		t.Fatalf("Watch: want nil after cancel, got %v", err)
	}
}

func TestAPIError_RateLimited(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	_, err := client.New(ts.URL).Status(ctx())
	var ae *client.APIError
	if !errors.As(err, &ae) {
		t.Fatalf("expected *APIError, got %T: %v", err, err)
	}
	if ae.Message != "rate limit exceeded" {
		t.Fatalf("Message = %q", ae.Message)
	}
	if !client.IsRateLimited(err) {
		t.Fatal("IsRateLimited should return true")
	}
}

func TestWithTimeout(t *testing.T) {
	c := client.New("http://localhost:1", client.WithTimeout(50*time.Millisecond))
	if _, err := c.Health(ctx()); err == nil {
		t.Fatal("expected error on unreachable server")
	}
}
