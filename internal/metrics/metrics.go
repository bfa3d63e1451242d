// Package metrics holds the Prometheus collectors of a qube: fabric traffic,
// lifecycle state, discovery and membership, plus the admin HTTP surface.
//
// Each Registry owns its own prometheus.Registry so that several qubes (or
// tests) in one process never collide on registration.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "disqube"

// Registry holds every collector exported by a qube.
type Registry struct {
	reg *prometheus.Registry

	MessagesReceived *prometheus.CounterVec // transport, type
	MessagesSent     *prometheus.CounterVec // transport, type
	SendFailures     *prometheus.CounterVec // transport
	DecodeErrors     prometheus.Counter
	MaintenanceDrops prometheus.Counter

	State           *prometheus.GaugeVec   // state
	Transitions     *prometheus.CounterVec // from, to
	DiscoveryRounds prometheus.Counter
	HellosSent      prometheus.Counter
	Workers         prometheus.Gauge
	Heartbeats      *prometheus.CounterVec // result

	HostMemory *prometheus.GaugeVec // kind
	HostCPU    prometheus.Gauge

	RequestsTotal   *prometheus.CounterVec // op, status
	RequestDuration *prometheus.HistogramVec
	InFlight        *prometheus.GaugeVec

	buildInfo *prometheus.GaugeVec
}

// New creates a Registry with all collectors registered, including the Go
// runtime and process collectors.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages taken from the unified inbox, by transport and subtype.",
		}, []string{"transport", "type"}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages handed to a sender, by transport and subtype.",
		}, []string{"transport", "type"}),
		SendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Sends that did not reach the socket.",
		}, []string{"transport"}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Received payloads dropped because they did not decode.",
		}),
		MaintenanceDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_dropped_messages_total",
			Help:      "Messages drained and discarded during maintenance.",
		}),

		State: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state",
			Help:      "1 for the current lifecycle state, 0 for the others.",
		}, []string{"state"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Lifecycle transitions taken.",
		}, []string{"from", "to"}),
		DiscoveryRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_rounds_total",
			Help:      "Subnet scans started by the master.",
		}),
		HellosSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_hellos_sent_total",
			Help:      "Discover hellos sent during subnet scans.",
		}),
		Workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers",
			Help:      "Workers currently registered with the master.",
		}),
		Heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Heartbeats sent to workers, by result.",
		}, []string{"result"}),

		HostMemory: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "host_memory_bytes",
			Help:      "Host memory at the last capacity sample, by kind (total, free, virtual).",
		}, []string{"kind"}),
		HostCPU: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "host_cpu_usage_percent",
			Help:      "Host CPU usage at the last capacity sample.",
		}),

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admin_requests_total",
			Help:      "Total number of admin HTTP requests.",
		}, []string{"op", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "admin_request_duration_seconds",
			Help:      "Latency of admin HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"op"}),
		InFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "admin_in_flight_requests",
			Help:      "Current number of in-flight admin requests.",
		}, []string{"op"}),

		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and node).",
		}, []string{"version", "node_id"}),
	}

	start := time.Now()
	uptime := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Process uptime in seconds.",
	}, func() float64 { return time.Since(start).Seconds() })

	r.reg.MustRegister(
		r.MessagesReceived, r.MessagesSent, r.SendFailures, r.DecodeErrors, r.MaintenanceDrops,
		r.State, r.Transitions, r.DiscoveryRounds, r.HellosSent, r.Workers, r.Heartbeats,
		r.HostMemory, r.HostCPU,
		r.RequestsTotal, r.RequestDuration, r.InFlight,
		r.buildInfo, uptime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Handler exposes the registry. Mount it at /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup.
func (r *Registry) SetBuildInfo(version, nodeID string) {
	r.buildInfo.WithLabelValues(version, nodeID).Set(1)
}

// SetHost records a host capacity sample.
func (r *Registry) SetHost(cpuPercent float64, total, free, virtual uint64) {
	r.HostCPU.Set(cpuPercent)
	r.HostMemory.WithLabelValues("total").Set(float64(total))
	r.HostMemory.WithLabelValues("free").Set(float64(free))
	r.HostMemory.WithLabelValues("virtual").Set(float64(virtual))
}

// SetState marks current as the active state among all.
func (r *Registry) SetState(current string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		r.State.WithLabelValues(s).Set(v)
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps next to record request count, latency and in-flight
// requests under the op label.
func (r *Registry) Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		r.InFlight.WithLabelValues(op).Inc()
		defer r.InFlight.WithLabelValues(op).Dec()

		next.ServeHTTP(sw, req)

		class := strconv.Itoa(sw.status/100) + "xx"
		r.RequestsTotal.WithLabelValues(op, class).Inc()
		r.RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
