package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "zephyrmesh"

var (
	Registry = prometheus.NewRegistry()

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"op", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Latency of HTTP requests.",
			// 1ms .. ~4s
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"op"},
	)

	InFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
		[]string{"op"},
	)

	// ---- Mesh ----
	// Every mesh series carries a "node" label so several in-process
	// nodes (the simulator) can share one registry.

	Term = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "raft",
			Name:      "term",
			Help:      "Current consensus term.",
		},
		[]string{"node"},
	)

	Role = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "raft",
			Name:      "role",
			Help:      "Consensus role: 0 follower, 1 candidate, 2 leader.",
		},
		[]string{"node"},
	)

	CommitIndex = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "raft",
			Name:      "commit_index",
			Help:      "Highest log index known to be committed.",
		},
		[]string{"node"},
	)

	AppliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "raft",
			Name:      "applied_total",
			Help:      "Committed entries applied to the state machine.",
		},
		[]string{"node"},
	)

	ProposalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "raft",
			Name:      "proposals_total",
			Help:      "Propose calls by result (accepted, rejected).",
		},
		[]string{"node", "result"},
	)

	LeaderChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "raft",
			Name:      "leader_changes_total",
			Help:      "Times the known leader changed.",
		},
		[]string{"node"},
	)

	GossipRounds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gossip",
			Name:      "rounds_total",
			Help:      "Completed gossip rounds.",
		},
		[]string{"node"},
	)

	GossipKeys = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gossip",
			Name:      "keys",
			Help:      "Live keys in the local gossip replica.",
		},
		[]string{"node"},
	)

	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Peer frames by direction (in, out) and kind.",
		},
		[]string{"node", "direction", "kind"},
	)

	DecodeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Malformed frames dropped at the demultiplexer.",
		},
		[]string{"node"},
	)

	Peers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_peers",
			Help:      "Open peer connections.",
		},
		[]string{"node"},
	)

	NodeHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "membership",
			Name:      "nodes",
			Help:      "Known nodes by health (alive, suspect, dead).",
		},
		[]string{"node", "health"},
	)

	// ---- Process / build info ----
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and git_sha).",
		},
		[]string{"version", "git_sha"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(RequestsTotal, RequestDuration, InFlight, buildInfo, uptime)
	Registry.MustRegister(Term, Role, CommitIndex, AppliedTotal, ProposalsTotal, LeaderChanges,
		GossipRounds, GossipKeys, MessagesTotal, DecodeErrors, Peers, NodeHealth)
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup, e.g. with ldflags-provided values.
func SetBuildInfo(version, gitSHA string) {
	buildInfo.WithLabelValues(version, gitSHA).Set(1)
}

// ForgetNode drops every mesh series labeled with node.
func ForgetNode(node string) {
	labels := prometheus.Labels{"node": node}
	for _, vec := range []*prometheus.MetricVec{
		Term.MetricVec, Role.MetricVec, CommitIndex.MetricVec, AppliedTotal.MetricVec,
		ProposalsTotal.MetricVec, LeaderChanges.MetricVec, GossipRounds.MetricVec, GossipKeys.MetricVec,
		MessagesTotal.MetricVec, DecodeErrors.MetricVec, Peers.MetricVec, NodeHealth.MetricVec,
	} {
		vec.DeletePartialMatch(labels)
	}
}

// ---- Middleware instrumentation ----

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps an http.Handler to record metrics under the provided "op" label.
// Example:
//
//	mux.Handle("/info", telemetry.Instrument("info", http.HandlerFunc(s.Info)))
func Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: 200}
		start := time.Now()

		InFlight.WithLabelValues(op).Inc()
		defer InFlight.WithLabelValues(op).Dec()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		RequestsTotal.WithLabelValues(op, class).Inc()
		RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
