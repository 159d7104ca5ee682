// Package telemetry defines the Prometheus instrumentation shared across
// the debug host. Collectors register at init; Handler serves them.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Project metrics
	ProjectsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "debughost_projects_total",
			Help: "Total number of registered projects by state",
		},
		[]string{"state"},
	)

	ContainersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "debughost_containers_total",
			Help: "Total number of managed containers by state",
		},
		[]string{"state"},
	)

	PortsAllocated = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "debughost_ports_allocated_total",
			Help: "Allocated ports by stack band",
		},
		[]string{"band"},
	)

	// Log pipeline metrics
	LogLinesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "debughost_log_lines_total",
			Help: "Total log lines ingested by level",
		},
		[]string{"level"},
	)

	LogSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "debughost_log_subscribers",
			Help: "Live log stream subscribers",
		},
	)

	LogSubscribersDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "debughost_log_subscribers_dropped_total",
			Help: "Log subscribers terminated for falling behind",
		},
	)

	// Metrics pipeline metrics
	SamplesStored = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "debughost_metric_samples_total",
			Help: "Raw metric samples stored",
		},
	)

	MetricSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "debughost_metric_subscribers",
			Help: "Live metric stream subscribers",
		},
	)

	// Health and recovery metrics
	HealthChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "debughost_health_checks_total",
			Help: "Component health checks by component and outcome",
		},
		[]string{"component", "outcome"},
	)

	RecoveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "debughost_recoveries_total",
			Help: "Recovery attempts by strategy and outcome",
		},
		[]string{"strategy", "outcome"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "debughost_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "debughost_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(ProjectsTotal)
	prometheus.MustRegister(ContainersTotal)
	prometheus.MustRegister(PortsAllocated)
	prometheus.MustRegister(LogLinesTotal)
	prometheus.MustRegister(LogSubscribers)
	prometheus.MustRegister(LogSubscribersDropped)
	prometheus.MustRegister(SamplesStored)
	prometheus.MustRegister(MetricSubscribers)
	prometheus.MustRegister(HealthChecksTotal)
	prometheus.MustRegister(RecoveriesTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
