// Package admin is the local HTTP surface of a qube.
//
// Routes:
//
//	GET    /healthz
//	GET    /status
//	GET    /metrics
//	POST   /maintenance
//	DELETE /maintenance
//	GET    /ws
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sneh-joshi/disqube/internal/metrics"
	"github.com/sneh-joshi/disqube/internal/qube"
)

// Qube is the part of a running qube the admin surface needs. *qube.Qube
// satisfies it.
type Qube interface {
	Status() qube.Status
	SetMaintenance(on bool)
	Events() *qube.EventLog
}

// Options tunes the server.
type Options struct {
	Version string
	RPS     float64
	Burst   int
	// PollInterval is how often /ws checks the event log. Zero means 200ms.
	PollInterval time.Duration
}

// Server wraps the stdlib HTTP server with the admin routes.
type Server struct {
	inner *http.Server
}

type handler struct {
	q       Qube
	version string
	started time.Time
}

// New builds a Server. A nil reg leaves /metrics unmounted.
func New(q Qube, reg *metrics.Registry, opts Options, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.RPS <= 0 {
		opts.RPS = 20
	}
	if opts.Burst <= 0 {
		opts.Burst = 40
	}
	h := &handler{q: q, version: opts.Version, started: time.Now()}
	ws := &eventStream{q: q, poll: opts.PollInterval, log: log}

	instrument := func(op string, fn http.HandlerFunc) http.Handler {
		if reg == nil {
			return fn
		}
		return reg.Instrument(op, fn)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /healthz", instrument("healthz", h.health))
	mux.Handle("GET /status", instrument("status", h.status))
	mux.Handle("POST /maintenance", instrument("maintenance_on", h.maintenanceOn))
	mux.Handle("DELETE /maintenance", instrument("maintenance_off", h.maintenanceOff))
	// Instrument's status recorder is not hijackable.
	mux.Handle("GET /ws", ws)
	if reg != nil {
		mux.Handle("GET /metrics", reg.Handler())
	}

	root := chain(mux,
		MaxBodyMiddleware,
		LoggingMiddleware(log),
		RateLimitMiddleware(opts.RPS, opts.Burst),
	)

	return &Server{
		inner: &http.Server{
			Handler:           root,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
}

// Handler returns the composed handler, for tests.
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe blocks serving on addr until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}

// ─── Handlers ─────────────────────────────────────────────────────────────────

type healthResp struct {
	Status   string `json:"status"`
	NodeID   string `json:"node_id"`
	State    string `json:"state"`
	Uptime   string `json:"uptime"`
	UptimeMs int64  `json:"uptime_ms"`
	Version  string `json:"version,omitempty"`
}

// health answers 503 once the qube has shut down.
func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	st := h.q.Status()
	elapsed := time.Since(h.started)
	resp := healthResp{
		Status:   "ok",
		NodeID:   st.NodeID,
		State:    st.State,
		Uptime:   elapsed.Round(time.Second).String(),
		UptimeMs: elapsed.Milliseconds(),
		Version:  h.version,
	}
	code := http.StatusOK
	if st.State == qube.StateShutdown.String() {
		resp.Status = "stopped"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (h *handler) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.q.Status())
}

func (h *handler) maintenanceOn(w http.ResponseWriter, _ *http.Request) {
	h.q.SetMaintenance(true)
	writeJSON(w, http.StatusAccepted, h.q.Status())
}

func (h *handler) maintenanceOff(w http.ResponseWriter, _ *http.Request) {
	h.q.SetMaintenance(false)
	writeJSON(w, http.StatusAccepted, h.q.Status())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
