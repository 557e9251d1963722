package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the CSE core. Registered on the default registry;
// the HTTP binding exposes them at /metrics.
var (
	// RequestsTotal counts processed primitives by operation and RSC.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cse_requests_total",
			Help: "Total number of processed request primitives.",
		},
		[]string{"operation", "rsc", "origin"},
	)

	// RequestDuration observes primitive processing latency.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cse_request_duration_seconds",
			Help:    "Request primitive processing duration.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// ResourcesTotal gauges the number of stored resources by type.
	ResourcesTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cse_resources_total",
			Help: "Number of resources in the tree by resource type.",
		},
		[]string{"type"},
	)

	// NotificationsTotal counts notification deliveries by outcome.
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cse_notifications_total",
			Help: "Total notification delivery attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// NotificationLatency observes notification delivery latency.
	NotificationLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cse_notification_latency_seconds",
			Help:    "Notification delivery latency.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// NotificationQueueDepth gauges pending async notification work.
	NotificationQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cse_notification_queue_depth",
			Help: "Number of notifications waiting for delivery.",
		},
	)

	// BatchNotificationsDropped counts batch buffer overflow drops.
	BatchNotificationsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cse_batch_notifications_dropped_total",
			Help: "Notifications dropped due to batch buffer overflow.",
		},
	)

	// ExpiredResourcesTotal counts resources removed by the TTL sweeper.
	ExpiredResourcesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cse_expired_resources_total",
			Help: "Resources deleted by the expiration sweeper.",
		},
	)

	// ForwardedRequestsTotal counts transit requests by peer and outcome.
	ForwardedRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cse_forwarded_requests_total",
			Help: "Requests forwarded to remote CSEs by outcome.",
		},
		[]string{"peer", "outcome"},
	)

	// AnnouncementsTotal counts announcement operations by outcome.
	AnnouncementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cse_announcements_total",
			Help: "Announcement create/update/delete attempts by outcome.",
		},
		[]string{"outcome"},
	)
)
