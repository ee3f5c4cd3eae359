// Package telemetry defines and registers the broker's Prometheus metrics
// and exposes them over HTTP for scraping.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	SessionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rrm_sessions_total",
			Help: "Number of sessions by lifecycle state",
		},
		[]string{"status"},
	)

	SessionsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rrm_sessions_created_total",
			Help: "Total number of sessions created",
		},
	)

	SessionsDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rrm_sessions_deleted_total",
			Help: "Total number of sessions deleted",
		},
	)

	SessionsReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rrm_sessions_reaped_total",
			Help: "Total number of sessions removed by the keep-alive sweeper",
		},
	)

	// Command metrics
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rrm_commands_total",
			Help: "Total number of session commands by name",
		},
		[]string{"command"},
	)

	ForwardDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rrm_forward_duration_seconds",
			Help:    "Time spent forwarding a command to the rendering resource",
			Buckets: prometheus.DefBuckets,
		},
	)

	ForwardErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rrm_forward_errors_total",
			Help: "Total number of failed forwards to rendering resources",
		},
	)

	// Allocation metrics
	JobsScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rrm_jobs_scheduled_total",
			Help: "Total number of jobs successfully scheduled",
		},
	)

	JobsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rrm_jobs_failed_total",
			Help: "Total number of failed job allocations",
		},
	)
)

func init() {
	prometheus.MustRegister(SessionsTotal)
	prometheus.MustRegister(SessionsCreated)
	prometheus.MustRegister(SessionsDeleted)
	prometheus.MustRegister(SessionsReaped)
	prometheus.MustRegister(CommandsTotal)
	prometheus.MustRegister(ForwardDuration)
	prometheus.MustRegister(ForwardErrors)
	prometheus.MustRegister(JobsScheduled)
	prometheus.MustRegister(JobsFailed)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
