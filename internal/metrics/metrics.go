package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksCreated tracks tasks created per type.
	TasksCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsmem_tasks_created_total",
			Help: "Total number of tasks created",
		},
		[]string{"type"},
	)

	// TasksClaimed tracks successful claims per agent.
	TasksClaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsmem_tasks_claimed_total",
			Help: "Total number of tasks claimed",
		},
		[]string{"agent"},
	)

	// ClaimRaces tracks claims lost to a concurrent caller.
	ClaimRaces = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opsmem_claim_races_total",
			Help: "Total number of claim attempts lost to a concurrent caller",
		},
	)

	// TasksCompleted tracks completed tasks.
	TasksCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opsmem_tasks_completed_total",
			Help: "Total number of tasks completed",
		},
	)

	// TasksBlocked tracks blocked tasks.
	TasksBlocked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opsmem_tasks_blocked_total",
			Help: "Total number of tasks blocked",
		},
	)

	// RateLimitRejections tracks rejected operations per agent and window.
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsmem_rate_limit_rejections_total",
			Help: "Total number of operations rejected by the rate limiter",
		},
		[]string{"agent", "operation"},
	)

	// BreakerState exports the circuit breaker state (0=closed, 1=half_open, 2=open).
	BreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "opsmem_breaker_state",
			Help: "Circuit breaker state: 0=closed, 1=half_open, 2=open",
		},
	)

	// FallbackMode exports whether writes are being diverted locally.
	FallbackMode = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "opsmem_fallback_mode",
			Help: "1 while the coordinator is in fallback mode",
		},
	)

	// FallbackSize tracks fallback store occupancy per category.
	FallbackSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "opsmem_fallback_size",
			Help: "Number of records held in the fallback store",
		},
		[]string{"category"},
	)

	// DLQDepth tracks the notification dead-letter queue depth.
	DLQDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "opsmem_notify_dlq_depth",
			Help: "Number of notifications awaiting redelivery",
		},
	)

	// NotificationsSwept tracks TTL sweep deletions.
	NotificationsSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opsmem_notifications_swept_total",
			Help: "Total number of expired notifications deleted",
		},
	)

	// DBConnectionPoolUsage tracks connection pool occupancy percentage.
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "opsmem_db_pool_usage_percent",
			Help: "Database connection pool usage percentage",
		},
	)

	// BackendSessionsInUse tracks held backend session semaphore slots.
	BackendSessionsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "opsmem_backend_sessions_in_use",
			Help: "Backend session slots currently held",
		},
	)

	// ContentBlocked tracks private content writes refused by the classifier.
	ContentBlocked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opsmem_content_blocked_total",
			Help: "Total number of private content writes blocked",
		},
	)
)
