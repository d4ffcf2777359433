// Package metrics provides Prometheus metrics for the pipeline service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal counts total runs by final status.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "medialoom",
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Total number of runs by final status",
		},
		[]string{"status"}, // "completed", "failed", "cancelled"
	)

	// RunsActive tracks currently active runs.
	RunsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "medialoom",
			Subsystem: "pipeline",
			Name:      "runs_active",
			Help:      "Number of currently running runs",
		},
	)

	// RunDuration tracks run execution duration.
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "medialoom",
			Subsystem: "pipeline",
			Name:      "run_duration_seconds",
			Help:      "Run execution duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"status", "template"},
	)

	// StagesTotal counts stage executions by kind and status.
	StagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "medialoom",
			Subsystem: "pipeline",
			Name:      "stages_total",
			Help:      "Total number of stage executions by kind and status",
		},
		[]string{"kind", "status"}, // status: "success", "error", "cancelled"
	)

	// StageDuration tracks stage execution duration.
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "medialoom",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Stage execution duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"kind", "status"},
	)

	// StageRetries tracks retry attempts per stage execution.
	StageRetries = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "medialoom",
			Subsystem: "pipeline",
			Name:      "stage_retries",
			Help:      "Number of retry attempts per stage execution",
			Buckets:   []float64{0, 1, 2, 3},
		},
		[]string{"kind", "final_status"},
	)

	// CreditsChargedTotal counts credits settled by stage kind.
	CreditsChargedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "medialoom",
			Subsystem: "pipeline",
			Name:      "credits_charged_total",
			Help:      "Total credits charged by stage kind",
		},
		[]string{"kind"},
	)

	// EventsTotal counts events emitted by type.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "medialoom",
			Subsystem: "pipeline",
			Name:      "events_total",
			Help:      "Total number of events emitted",
		},
		[]string{"type"},
	)

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "medialoom",
			Subsystem: "pipeline",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "medialoom",
			Subsystem: "pipeline",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SSEActiveConnections tracks open SSE streams.
	SSEActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "medialoom",
			Subsystem: "pipeline",
			Name:      "sse_active_connections",
			Help:      "Number of active SSE connections",
		},
	)

	// SSEConnectionDuration tracks how long SSE streams stay open.
	SSEConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "medialoom",
			Subsystem: "pipeline",
			Name:      "sse_connection_duration_seconds",
			Help:      "SSE connection duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 300, 600, 1800},
		},
	)
)
