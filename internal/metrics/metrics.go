// Package metrics defines the server's Prometheus instruments.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "dyad"

// HTTP metrics (incremented by middleware).
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total HTTP requests processed.",
	}, []string{"method", "path_pattern", "status_code"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path_pattern"})

	RateLimitRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limit_rejections_total",
		Help:      "Requests rejected by the rate limiter.",
	}, []string{"scope"})
)

// Push channel metrics.
var (
	PushConnectionsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "push_connections_open",
		Help:      "Currently open push connections.",
	})

	PushEventsDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "push_events_delivered_total",
		Help:      "Events delivered to at least one live connection.",
	})

	PushEventsBuffered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "push_events_buffered_total",
		Help:      "Events stored in the durable buffer for later replay.",
	})

	PushBufferReplays = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "push_buffer_replays_total",
		Help:      "Completed buffer replays after reconnect.",
	})
)

// Pipeline metrics.
var (
	PipelineJobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pipeline_jobs_total",
		Help:      "Pipeline jobs by kind and outcome.",
	}, []string{"kind", "outcome"})

	KeyRotationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "key_rotations_total",
		Help:      "Completed signing-key rotations.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		RateLimitRejections,
		PushConnectionsOpen,
		PushEventsDelivered,
		PushEventsBuffered,
		PushBufferReplays,
		PipelineJobsTotal,
		KeyRotationsTotal,
	)
}
