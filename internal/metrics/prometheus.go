package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus mirrors of the collector's key counters, scraped via the
// /metrics endpoint.
var (
	promSessionsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_sessions_started_total",
		Help: "Total number of presence sessions started",
	})

	promConcurrentUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "presence_concurrent_users",
		Help: "Current number of users with at least one live session",
	})

	promMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_messages_total",
		Help: "Total chat messages relayed to rooms",
	})

	promEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_events_total",
		Help: "Total ephemeral events admitted by the throttle",
	})

	promRateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_rate_limited_events_total",
		Help: "Total ephemeral events dropped by the sliding-window rate limiter",
	})

	promSessionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "presence_session_duration_seconds",
		Help:    "Session duration from connect to disconnect",
		Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
	})

	promConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "presence_connections_active",
		Help: "Current number of live WebSocket connections",
	})

	promConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_connections_total",
		Help: "Total WebSocket connections admitted",
	})

	promLivenessEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_liveness_evictions_total",
		Help: "Connections evicted for missing liveness responses",
	})

	promAdmissionRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_admission_rejected_total",
		Help: "Connection attempts rejected before upgrade",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(
		promSessionsStarted,
		promConcurrentUsers,
		promMessages,
		promEvents,
		promRateLimited,
		promSessionDuration,
		promConnectionsActive,
		promConnectionsTotal,
		promLivenessEvictions,
		promAdmissionRejected,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ConnectionAdmitted updates transport-level connection gauges.
func ConnectionAdmitted(active int) {
	promConnectionsTotal.Inc()
	promConnectionsActive.Set(float64(active))
}

// ConnectionDropped updates the active connection gauge.
func ConnectionDropped(active int) {
	promConnectionsActive.Set(float64(active))
}

// LivenessEviction counts one liveness-triggered disconnect.
func LivenessEviction() {
	promLivenessEvictions.Inc()
}

// AdmissionRejected counts one rejected connection attempt.
func AdmissionRejected(reason string) {
	promAdmissionRejected.WithLabelValues(reason).Inc()
}
