// Package metrics defines the Prometheus metric collectors used across the
// ingestion pipeline and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the pipeline.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	UploadsInitiatedTotal prometheus.Counter
	UploadsFinalizedTotal prometheus.Counter
	EnqueueFailuresTotal  prometheus.Counter

	JobsConsumedTotal     *prometheus.CounterVec
	JobsDeadLetteredTotal prometheus.Counter
	HandoffDuration       *prometheus.HistogramVec

	WebhooksTotal *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		UploadsInitiatedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "uploads_initiated_total",
				Help: "Total number of placeholder records created by upload intake.",
			},
		),
		UploadsFinalizedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "uploads_finalized_total",
				Help: "Total number of uploads confirmed and enqueued for ingestion.",
			},
		),
		EnqueueFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "enqueue_failures_total",
				Help: "Total number of finalized records whose job enqueue failed.",
			},
		),
		JobsConsumedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_jobs_consumed_total",
				Help: "Total ingestion jobs consumed by outcome (handed_off, duplicate, failed).",
			},
			[]string{"outcome"},
		),
		JobsDeadLetteredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_jobs_dead_lettered_total",
				Help: "Total ingestion jobs diverted to the dead-letter topic.",
			},
		),
		HandoffDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "processing_handoff_duration_seconds",
				Help:    "Time spent retrieving an object and handing it to the processing service.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"file_kind"},
		),
		WebhooksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "processing_webhooks_total",
				Help: "Total completion webhooks received by result (complete, failed, rejected, unknown_file).",
			},
			[]string{"result"},
		),
	}

	prometheus.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.UploadsInitiatedTotal,
		m.UploadsFinalizedTotal,
		m.EnqueueFailuresTotal,
		m.JobsConsumedTotal,
		m.JobsDeadLetteredTotal,
		m.HandoffDuration,
		m.WebhooksTotal,
	)
	return m
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
