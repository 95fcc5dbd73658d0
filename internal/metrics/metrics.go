package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway
type Metrics struct {
	// Request metrics
	RequestTotal    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Pool registry metrics
	PoolsActive   prometheus.Gauge
	PoolEvictions *prometheus.CounterVec

	// Realtime metrics
	RealtimeSubscribers *prometheus.GaugeVec

	// Job engine metrics
	JobsProcessed *prometheus.CounterVec
	JobsFailed    *prometheus.CounterVec

	// Webhook metrics
	WebhookDeliveries *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		RequestTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cascata_requests_total",
				Help: "Total HTTP requests by route and status",
			},
			[]string{"route", "method", "status"},
		),

		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cascata_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),

		PoolsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "cascata_pools_active",
				Help: "Tenant connection pools currently open",
			},
		),

		PoolEvictions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cascata_pool_evictions_total",
				Help: "Pool closures by cause",
			},
			[]string{"cause"}, // cause: idle, cap, invalidate
		),

		RealtimeSubscribers: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cascata_realtime_subscribers",
				Help: "Open realtime connections per project",
			},
			[]string{"project"},
		),

		JobsProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cascata_jobs_processed_total",
				Help: "Jobs completed by queue",
			},
			[]string{"queue"},
		),

		JobsFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cascata_jobs_failed_total",
				Help: "Jobs that exhausted their retry policy by queue",
			},
			[]string{"queue"},
		),

		WebhookDeliveries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cascata_webhook_deliveries_total",
				Help: "Webhook delivery attempts by outcome",
			},
			[]string{"outcome"}, // outcome: delivered, retried, failed, fallback
		),
	}
}
