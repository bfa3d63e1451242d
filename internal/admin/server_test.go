package admin_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sneh-joshi/disqube/internal/admin"
	"github.com/sneh-joshi/disqube/internal/metrics"
	"github.com/sneh-joshi/disqube/internal/qube"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

type fakeQube struct {
	state       atomic.Value
	maintenance atomic.Bool
	events      *qube.EventLog
}

func newFakeQube() *fakeQube {
	f := &fakeQube{events: qube.NewEventLog(16)}
	f.state.Store("OPERATIVE")
	return f
}

func (f *fakeQube) Status() qube.Status {
	return qube.Status{
		NodeID:      "01HZY3T4B5C6D7E8F9G0H1J2K3",
		Role:        "worker",
		State:       f.state.Load().(string),
		Maintenance: f.maintenance.Load(),
	}
}

func (f *fakeQube) SetMaintenance(on bool) { f.maintenance.Store(on) }
func (f *fakeQube) Events() *qube.EventLog { return f.events }

func newTestServer(t *testing.T, f *fakeQube, opts admin.Options) http.Handler {
	t.Helper()
	srv := admin.New(f, metrics.New(), opts, zap.NewNop())
	return srv.Handler()
}

func doRequest(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, path, nil))
	return rr
}

func decodeResp(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v, body: %s", err, rr.Body.String())
	}
}

// ─── tests ───────────────────────────────────────────────────────────────────

func TestHealthz(t *testing.T) {
	f := newFakeQube()
	h := newTestServer(t, f, admin.Options{Version: "test"})

	rr := doRequest(t, h, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rr.Code)
	var body map[string]any
	decodeResp(t, rr, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "OPERATIVE", body["state"])
	assert.Equal(t, "test", body["version"])

	f.state.Store("SHUTDOWN")
	rr = doRequest(t, h, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestStatus(t *testing.T) {
	h := newTestServer(t, newFakeQube(), admin.Options{})

	rr := doRequest(t, h, http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var st qube.Status
	decodeResp(t, rr, &st)
	assert.Equal(t, "worker", st.Role)
	assert.Equal(t, "OPERATIVE", st.State)
}

func TestMaintenanceToggle(t *testing.T) {
	f := newFakeQube()
	h := newTestServer(t, f, admin.Options{})

	rr := doRequest(t, h, http.MethodPost, "/maintenance")
	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.True(t, f.maintenance.Load())

	rr = doRequest(t, h, http.MethodDelete, "/maintenance")
	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.False(t, f.maintenance.Load())

	rr = doRequest(t, h, http.MethodPut, "/maintenance")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestMetricsAreInstrumented(t *testing.T) {
	h := newTestServer(t, newFakeQube(), admin.Options{})
	doRequest(t, h, http.MethodGet, "/status")

	rr := doRequest(t, h, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `disqube_admin_requests_total{op="status",status="2xx"} 1`)
}

func TestRateLimit(t *testing.T) {
	h := newTestServer(t, newFakeQube(), admin.Options{RPS: 0.001, Burst: 1})

	assert.Equal(t, http.StatusOK, doRequest(t, h, http.MethodGet, "/status").Code)
	assert.Equal(t, http.StatusTooManyRequests, doRequest(t, h, http.MethodGet, "/status").Code)

	// Another client has its own bucket.
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestEventStream(t *testing.T) {
	f := newFakeQube()
	f.events.Append(qube.Event{Kind: qube.EventTransition, From: "INIT", To: "OPERATIVE"})

	h := newTestServer(t, f, admin.Options{PollInterval: 5 * time.Millisecond})
	ts := httptest.NewServer(h)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?since=0"
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	type frame struct {
		Type   string       `json:"type"`
		Status *qube.Status `json:"status"`
		Event  *qube.Event  `json:"event"`
	}
	var fr frame
	require.NoError(t, conn.ReadJSON(&fr))
	require.Equal(t, "status", fr.Type)
	assert.Equal(t, "OPERATIVE", fr.Status.State)

	require.NoError(t, conn.ReadJSON(&fr))
	require.Equal(t, "event", fr.Type)
	assert.Equal(t, uint64(1), fr.Event.Seq)
	assert.Equal(t, "INIT", fr.Event.From)

	f.events.Append(qube.Event{Kind: qube.EventMaintenance, Detail: "on"})
	fr = frame{}
	require.NoError(t, conn.ReadJSON(&fr))
	assert.Equal(t, qube.EventMaintenance, fr.Event.Kind)
	assert.Equal(t, uint64(2), fr.Event.Seq)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "maintenance", "on": true}))
	require.Eventually(t, f.maintenance.Load, 2*time.Second, 5*time.Millisecond)
}

func TestEventStream_RejectsBadSince(t *testing.T) {
	h := newTestServer(t, newFakeQube(), admin.Options{})
	rr := doRequest(t, h, http.MethodGet, "/ws?since=abc")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestEventStream_RejectsForeignOrigin(t *testing.T) {
	h := newTestServer(t, newFakeQube(), admin.Options{})
	ts := httptest.NewServer(h)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	_, resp, err := gorillaws.DefaultDialer.Dial(url, http.Header{"Origin": {"http://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
