// Package metrics exposes the relay's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the relay
type Metrics struct {
	// Task pipeline
	TasksSubmitted *prometheus.CounterVec

	// Spawn gate
	GateChecks *prometheus.CounterVec

	// Rate limiting
	RateLimited *prometheus.CounterVec

	// Connectivity
	ConnectedVessels prometheus.Gauge

	// Sessions
	RunningSessions prometheus.Gauge
	SessionOutcomes *prometheus.CounterVec

	// Apex proxy
	ProxyRequests *prometheus.CounterVec
	ProxyDuration *prometheus.HistogramVec
}

// New creates and registers all relay metrics
func New() *Metrics {
	return &Metrics{
		TasksSubmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_tasks_submitted_total",
				Help: "Total tasks submitted for vessel execution",
			},
			[]string{"vessel_id", "task_type"},
		),

		GateChecks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_gate_checks_total",
				Help: "Spawn gate verification outcomes",
			},
			[]string{"worker", "outcome"}, // outcome: authorized, denied
		),

		RateLimited: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_rate_limited_total",
				Help: "Requests rejected by the sliding-window limiter",
			},
			[]string{"worker", "class"}, // class: trade, read
		),

		ConnectedVessels: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_connected_vessels",
				Help: "Currently connected vessel channels",
			},
		),

		RunningSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_running_sessions",
				Help: "Agent sessions currently running",
			},
		),

		SessionOutcomes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_session_outcomes_total",
				Help: "Terminal session outcomes",
			},
			[]string{"worker", "status"}, // status: completed, error, timed_out, killed, orphaned
		),

		ProxyRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_apex_proxy_requests_total",
				Help: "Requests proxied to the apex API",
			},
			[]string{"endpoint", "status"},
		),

		ProxyDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_apex_proxy_duration_seconds",
				Help:    "Latency of apex API proxy calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
	}
}

// RecordTaskSubmitted records a task entering the queue
func (m *Metrics) RecordTaskSubmitted(vesselID, taskType string) {
	m.TasksSubmitted.WithLabelValues(vesselID, taskType).Inc()
}

// RecordGateCheck records a spawn gate verification
func (m *Metrics) RecordGateCheck(worker string, authorized bool) {
	outcome := "denied"
	if authorized {
		outcome = "authorized"
	}
	m.GateChecks.WithLabelValues(worker, outcome).Inc()
}

// RecordRateLimited records a limiter rejection
func (m *Metrics) RecordRateLimited(worker, class string) {
	m.RateLimited.WithLabelValues(worker, class).Inc()
}

// SetRunningSessions pins the running-session gauge to the registry count.
func (m *Metrics) SetRunningSessions(n int) {
	m.RunningSessions.Set(float64(n))
}

// RecordSessionOutcome records a terminal session status
func (m *Metrics) RecordSessionOutcome(worker, status string) {
	m.SessionOutcomes.WithLabelValues(worker, status).Inc()
}

// RecordProxy records one apex proxy round trip
func (m *Metrics) RecordProxy(endpoint string, statusCode int, seconds float64) {
	status := "ok"
	if statusCode >= 400 {
		status = "error"
	}
	m.ProxyRequests.WithLabelValues(endpoint, status).Inc()
	m.ProxyDuration.WithLabelValues(endpoint).Observe(seconds)
}
