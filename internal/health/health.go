// Package health provides system health reporting for the coordinator.
package health

import "context"

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// Report contains the full coordinator health report.
type Report struct {
	Status          SystemStatus     `json:"status"`
	BackendOK       bool             `json:"backend_ok"`
	RedisOK         bool             `json:"redis_ok"`
	BreakerState    string           `json:"breaker_state"`
	FallbackMode    bool             `json:"fallback_mode"`
	FallbackHeld    int              `json:"fallback_held"`
	SessionsInUse   int64            `json:"sessions_in_use"`
	SessionCapacity int64            `json:"session_capacity"`
	PendingTasks    int              `json:"pending_tasks"`
	DLQDepth        int              `json:"dlq_depth"`
	RateCounters    map[string]int64 `json:"rate_counters,omitempty"`
}

// Reporter produces a health report. Implemented by the coordinator.
type Reporter interface {
	Health(ctx context.Context) Report
}
