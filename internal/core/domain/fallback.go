package domain

import "time"

// FallbackCategory partitions fallback records so one noisy write path
// cannot starve the others.
type FallbackCategory string

const (
	FallbackTasks         FallbackCategory = "tasks"
	FallbackResearch      FallbackCategory = "research"
	FallbackSessions      FallbackCategory = "sessions"
	FallbackNotifications FallbackCategory = "notifications"
)

// FallbackRecord holds a write that could not reach the backend.
// Final marks completed-like entries that are safe to evict first
// under capacity pressure.
type FallbackRecord struct {
	Category  FallbackCategory `json:"category"`
	Key       string           `json:"key"`
	Payload   any              `json:"payload"`
	Final     bool             `json:"final"`
	CreatedAt time.Time        `json:"created_at"`
}
