package domain

import "time"

type NotificationType string

const (
	NotificationTaskCompleted NotificationType = "task_completed"
	NotificationTaskBlocked   NotificationType = "task_blocked"
	NotificationEscalation    NotificationType = "escalation"
)

// DefaultNotificationTTLHours is one week.
const DefaultNotificationTTLHours = 168

// Notification is a TTL-bound delivery record between agents.
// Read flips false→true exactly once; expired records are swept.
type Notification struct {
	ID        string           `json:"id"`
	Type      NotificationType `json:"type"`
	TaskID    string           `json:"task_id"`
	FromAgent string           `json:"from_agent"`
	ToAgent   string           `json:"to_agent"`
	Summary   string           `json:"summary"`
	Read      bool             `json:"read"`
	TTLHours  int              `json:"ttl_hours"`
	CreatedAt time.Time        `json:"created_at"`
}

// Expired reports whether the notification has outlived its TTL at now.
func (n *Notification) Expired(now time.Time) bool {
	ttl := n.TTLHours
	if ttl <= 0 {
		ttl = DefaultNotificationTTLHours
	}
	return now.Sub(n.CreatedAt) > time.Duration(ttl)*time.Hour
}
