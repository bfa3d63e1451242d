// Package client is the Go client for a qube's admin API.
//
// # Quick start
//
//	c := client.New("http://127.0.0.1:8080")
//
//	st, err := c.Status(ctx)
//	fmt.Println(st.State, len(st.Workers))
//
//	// Put the node into maintenance and back
//	_, err = c.SetMaintenance(ctx, true)
//	_, err = c.SetMaintenance(ctx, false)
//
//	// Follow lifecycle events until ctx ends
//	err = c.Watch(ctx, 0, func(e client.Event) error {
//	    log.Println(e.Kind, e.From, e.To)
//	    return nil
//	})
//
// # Error handling
//
// Methods return an *APIError when the server answers with a non-2xx status.
//
// Client is safe for concurrent use.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	gorillaws "github.com/gorilla/websocket"
)

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when the admin server responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("disqube: server returned %d: %s", e.StatusCode, e.Message)
}

// IsUnavailable reports whether the node answered 503, which /healthz does
// once the qube has shut down.
func IsUnavailable(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusServiceUnavailable
}

// IsRateLimited reports a 429 from the admin rate limiter.
func IsRateLimited(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusTooManyRequests
}

// ─── Client options ───────────────────────────────────────────────────────────

type ClientOption func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout. The default is 10 seconds.
// Watch is not bound by it.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// ─── Client ───────────────────────────────────────────────────────────────────

type Client struct {
	baseURL string
	http    *http.Client
	dialer  *gorillaws.Dialer
}

// New creates a Client for the admin server at baseURL.
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		dialer:  gorillaws.DefaultDialer,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Types ────────────────────────────────────────────────────────────────────

type HealthInfo struct {
	Status  string
	NodeID  string
	State   string
	Uptime  time.Duration
	Version string
}

// Peer is another qube's address and listener ports.
type Peer struct {
	Addr    string `json:"addr"`
	UDPPort uint16 `json:"udp_port"`
	TCPPort uint16 `json:"tcp_port"`
}

// Worker is a peer registered by a master, with its last reported capacity.
type Worker struct {
	Peer
	FreeRAM  uint64    `json:"free_ram"`
	CPUUsage uint8     `json:"cpu_usage"`
	JoinedAt time.Time `json:"joined_at"`
	LastSeen time.Time `json:"last_seen"`
}

// Host is a worker's last capacity sample. Memory figures are bytes.
type Host struct {
	CPUUsage   float64   `json:"cpu_usage"`
	TotalRAM   uint64    `json:"total_ram"`
	FreeRAM    uint64    `json:"free_ram"`
	VirtualRAM uint64    `json:"virtual_ram"`
	SampledAt  time.Time `json:"sampled_at"`
}

type Status struct {
	NodeID      string   `json:"node_id"`
	Role        string   `json:"role"`
	State       string   `json:"state"`
	Maintenance bool     `json:"maintenance"`
	Round       uint32   `json:"discovery_round"`
	Workers     []Worker `json:"workers"`
	Master      *Peer    `json:"master,omitempty"`
	Host        *Host    `json:"host,omitempty"`
}

// Event is one entry of the node's event log.
type Event struct {
	Seq    uint64    `json:"seq"`
	ID     string    `json:"id"`
	Kind   string    `json:"kind"`
	At     time.Time `json:"at"`
	From   string    `json:"from,omitempty"`
	To     string    `json:"to,omitempty"`
	Peer   *Peer     `json:"peer,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

// ─── API ──────────────────────────────────────────────────────────────────────

// Health calls /healthz. A stopped node yields an error for which
// IsUnavailable is true.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var resp struct {
		Status   string `json:"status"`
		NodeID   string `json:"node_id"`
		State    string `json:"state"`
		UptimeMs int64  `json:"uptime_ms"`
		Version  string `json:"version"`
	}
	if err := c.do(ctx, http.MethodGet, "/healthz", nil, &resp); err != nil {
		return nil, err
	}
	return &HealthInfo{
		Status:  resp.Status,
		NodeID:  resp.NodeID,
		State:   resp.State,
		Uptime:  time.Duration(resp.UptimeMs) * time.Millisecond,
		Version: resp.Version,
	}, nil
}

func (c *Client) Status(ctx context.Context) (*Status, error) {
	var st Status
	if err := c.do(ctx, http.MethodGet, "/status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// SetMaintenance requests entering (on) or leaving maintenance. The node
// applies it on its next wake-up; the returned status may still show the
// previous state.
func (c *Client) SetMaintenance(ctx context.Context, on bool) (*Status, error) {
	method := http.MethodDelete
	if on {
		method = http.MethodPost
	}
	var st Status
	if err := c.do(ctx, method, "/maintenance", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Watch streams events newer than since to fn until ctx ends, fn returns an
// error, or the connection drops. It returns nil when ctx ends.
func (c *Client) Watch(ctx context.Context, since uint64, fn func(Event) error) error {
	u, err := url.Parse(c.baseURL + "/ws")
	if err != nil {
		return fmt.Errorf("disqube: parse url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.RawQuery = "since=" + strconv.FormatUint(since, 10)

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return fmt.Errorf("disqube: dial %s: %w", u.Redacted(), err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var frame struct {
			Type  string `json:"type"`
			Event *Event `json:"event"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("disqube: watch: %w", err)
		}
		if frame.Type != "event" || frame.Event == nil {
			continue
		}
		if err := fn(*frame.Event); err != nil {
			return err
		}
	}
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

// do performs one request, encoding body and decoding into resp when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, resp any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("disqube: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("disqube: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("disqube: request %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("disqube: read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
		}
		return &APIError{StatusCode: httpResp.StatusCode, Message: msg}
	}

	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("disqube: decode response: %w", err)
		}
	}
	return nil
}
