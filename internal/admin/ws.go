package admin

// ws.go streams the qube's event log over a WebSocket.
//
// On connect the server sends the current status, then polls the event log
// and pushes every new event. Events newer than ?since=<seq> are replayed
// first when the query parameter is given.
//
// Server → client:
//
//	{"type":"status","status":{...}}
//	{"type":"event","event":{"seq":7,"kind":"transition","from":"INIT","to":"OPERATIVE",...}}
//
// Client → server:
//
//	{"type":"maintenance","on":true}

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sneh-joshi/disqube/internal/qube"
)

const defaultPollInterval = 200 * time.Millisecond

var upgrader = gorillaws.Upgrader{
	// Browsers must come from the host they talk to; clients without an
	// Origin header are let through.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host, err := parseHost(origin)
		if err != nil {
			return false
		}
		return host == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

type serverFrame struct {
	Type   string       `json:"type"`
	Status *qube.Status `json:"status,omitempty"`
	Event  *qube.Event  `json:"event,omitempty"`
}

type clientFrame struct {
	Type string `json:"type"`
	On   bool   `json:"on"`
}

type eventStream struct {
	q    Qube
	poll time.Duration
	log  *zap.Logger
}

func (s *eventStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	events := s.q.Events()
	last := events.Last()
	if v := r.URL.Query().Get("since"); v != "" {
		seq, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "since must be a sequence number"})
			return
		}
		last = seq
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	controlCh := make(chan clientFrame, 16)
	go readControl(conn, controlCh, done)

	st := s.q.Status()
	if err := conn.WriteJSON(serverFrame{Type: "status", Status: &st}); err != nil {
		return
	}

	poll := s.poll
	if poll <= 0 {
		poll = defaultPollInterval
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case cf, ok := <-controlCh:
			if !ok {
				return
			}
			switch cf.Type {
			case "maintenance":
				s.q.SetMaintenance(cf.On)
			default:
				s.log.Debug("ws: unknown control frame", zap.String("type", cf.Type))
			}

		case <-ticker.C:
			for _, e := range events.Since(last) {
				if err := conn.WriteJSON(serverFrame{Type: "event", Event: &e}); err != nil {
					return
				}
				last = e.Seq
			}
		}
	}
}

type frameReader interface {
	ReadMessage() (messageType int, p []byte, err error)
}

// readControl forwards client frames to out until the connection fails or
// done is closed. It closes out on return.
func readControl(conn frameReader, out chan<- clientFrame, done <-chan struct{}) {
	defer close(out)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cf clientFrame
		if json.Unmarshal(raw, &cf) != nil {
			continue
		}
		select {
		case out <- cf:
		case <-done:
			return
		}
	}
}
