package storage

import (
	"context"
	"time"

	"github.com/dnanh/opsmem/internal/core/domain"
)

// TaskRepository handles task storage operations.
type TaskRepository interface {
	// Create persists a new task together with its delegation edge.
	Create(ctx context.Context, task *domain.Task) error

	// Get retrieves a task by id. Returns domain.ErrTaskNotFound when absent.
	Get(ctx context.Context, taskID string) (*domain.Task, error)

	// ClaimOldestPending atomically claims the oldest pending task assigned
	// to the agent: one conditional update that only succeeds while the row
	// is still pending, stamping claimedBy and attemptID, then a read-back
	// of the stored attempt id. Returns (nil, nil) when no pending task
	// exists and domain.ErrRaceCondition when another caller won the row.
	ClaimOldestPending(ctx context.Context, agentID, attemptID string) (*domain.Task, error)

	// CompleteResults moves an in_progress task to completed and writes
	// its result slots. Returns false when the task is not in_progress.
	CompleteResults(ctx context.Context, taskID string, summary, artifact string, score float64, extras map[string]string) (bool, error)

	// Block moves a task to blocked with a reason and timestamp.
	Block(ctx context.Context, taskID, reason string, at time.Time) error

	// Reassign swaps the assignment on a blocked task, resets it to
	// pending and increments its escalation count. Returns
	// domain.ErrTaskNotBlocked when the task is in any other state.
	Reassign(ctx context.Context, taskID, newAgentID string) error

	// CountByStatus returns the number of tasks in the given status.
	CountByStatus(ctx context.Context, status domain.TaskStatus) (int, error)
}

// AgentRepository handles agent registry lookups.
type AgentRepository interface {
	// Get retrieves an agent by id. Returns domain.ErrAgentNotFound when absent.
	Get(ctx context.Context, agentID string) (*domain.Agent, error)

	// Save registers or updates an agent.
	Save(ctx context.Context, agent *domain.Agent) error
}

// NotificationRepository handles delivery records.
type NotificationRepository interface {
	// Create persists a notification.
	Create(ctx context.Context, n *domain.Notification) error

	// GetPendingAndMarkRead returns the unread notifications for an agent
	// and flips them to read in the same operation. At-most-once delivery.
	GetPendingAndMarkRead(ctx context.Context, agentID string) ([]*domain.Notification, error)

	// DeleteExpired removes up to limit notifications past their TTL at
	// the given instant and reports how many were deleted.
	DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error)

	// Count returns the total number of stored notifications.
	Count(ctx context.Context) (int, error)
}

// ContentRepository handles classified shared-memory records.
type ContentRepository interface {
	// Insert persists a classified content record.
	Insert(ctx context.Context, c *domain.ClassifiedContent) error

	// SearchText runs a full-text query over content visible to the
	// sender key: public records plus sensitive records with a matching key.
	SearchText(ctx context.Context, query, senderKey string, limit int) ([]*domain.ClassifiedContent, error)

	// RecentWithEmbeddings returns the most recent embedded records
	// visible to the sender key, for in-process similarity ranking.
	RecentWithEmbeddings(ctx context.Context, senderKey string, limit int) ([]*domain.ClassifiedContent, error)
}

// Backend bundles the repositories with a reachability probe so the
// recovery monitor and health checks can treat storage as one unit.
type Backend interface {
	Tasks() TaskRepository
	Agents() AgentRepository
	Notifications() NotificationRepository
	Contents() ContentRepository

	// Ping verifies backend reachability.
	Ping(ctx context.Context) error
}
