// Package metrics exposes Prometheus metrics for the campaign engine.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for blast
type Metrics struct {
	// Send counters
	MessagesSentTotal    *prometheus.CounterVec
	MessagesFailedTotal  *prometheus.CounterVec
	MessagesSkippedTotal *prometheus.CounterVec

	// Campaign lifecycle
	CampaignsStartedTotal  prometheus.Counter
	CampaignsFinishedTotal *prometheus.CounterVec
	ActiveRunners          prometheus.Gauge

	// Throttle
	ThrottleDeniedTotal *prometheus.CounterVec
	AccountHealthScore  prometheus.Gauge
	SendDelaySeconds    prometheus.Histogram

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec

	// System metrics
	UptimeSeconds prometheus.Gauge
	Goroutines    prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		MessagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blast_messages_sent_total",
				Help: "Total number of successfully delivered messages",
			},
			[]string{"campaign"},
		),
		MessagesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blast_messages_failed_total",
				Help: "Total number of failed send attempts",
			},
			[]string{"campaign", "error_code"},
		),
		MessagesSkippedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blast_messages_skipped_total",
				Help: "Total number of recipients skipped by policy",
			},
			[]string{"campaign"},
		),

		CampaignsStartedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "blast_campaigns_started_total",
				Help: "Total number of campaign runner launches",
			},
		),
		CampaignsFinishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blast_campaigns_finished_total",
				Help: "Total number of campaigns reaching a terminal state",
			},
			[]string{"status"},
		),
		ActiveRunners: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "blast_active_runners",
				Help: "Number of campaign runners currently occupying a slot",
			},
		),

		ThrottleDeniedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blast_throttle_denied_total",
				Help: "Total number of sends denied by the throttle",
			},
			[]string{"reason"},
		),
		AccountHealthScore: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "blast_account_health_score",
				Help: "Rolling 0-100 sending account health score",
			},
		),
		SendDelaySeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "blast_send_delay_seconds",
				Help:    "Computed delay between consecutive sends",
				Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120},
			},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blast_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "blast_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "blast_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "blast_goroutines",
				Help: "Number of active goroutines",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.MessagesSentTotal,
		m.MessagesFailedTotal,
		m.MessagesSkippedTotal,
		m.CampaignsStartedTotal,
		m.CampaignsFinishedTotal,
		m.ActiveRunners,
		m.ThrottleDeniedTotal,
		m.AccountHealthScore,
		m.SendDelaySeconds,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.UptimeSeconds,
		m.Goroutines,
	)

	return m
}

// Handler returns the HTTP handler for the /metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetGlobal installs the process-wide metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the process-wide metrics instance, or nil when metrics are
// disabled. Callers must nil-check.
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}
