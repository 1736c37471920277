package domain

import "time"

// TaskType is the closed set of work item types agents exchange.
type TaskType string

const (
	TaskTypeResearch    TaskType = "research"
	TaskTypeSummary     TaskType = "summary"
	TaskTypeOutreach    TaskType = "outreach"
	TaskTypeReview      TaskType = "review"
	TaskTypeMaintenance TaskType = "maintenance"
)

// Valid returns true if the task type is a known value.
func (t TaskType) Valid() bool {
	switch t {
	case TaskTypeResearch, TaskTypeSummary, TaskTypeOutreach, TaskTypeReview, TaskTypeMaintenance:
		return true
	default:
		return false
	}
}

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusEscalated  TaskStatus = "escalated"
)

// MaxResultExtras caps the free-form result fields stored per task.
// Anything beyond the whitelisted slots competes for these entries;
// overflow is dropped rather than grown into the schema.
const MaxResultExtras = 8

// Task represents a unit of work delegated between agents.
// Mutated only through coordinator operations.
type Task struct {
	ID              string            `json:"id"`
	Type            TaskType          `json:"type"`
	Description     string            `json:"description"`
	Status          TaskStatus        `json:"status"`
	AssignedTo      string            `json:"assigned_to"`
	ClaimedBy       string            `json:"claimed_by"`
	ClaimAttemptID  string            `json:"claim_attempt_id"`
	DelegatedBy     string            `json:"delegated_by"`
	QualityScore    float64           `json:"quality_score"`
	BlockedReason   string            `json:"blocked_reason"`
	BlockedAt       *time.Time        `json:"blocked_at,omitempty"`
	EscalationCount int               `json:"escalation_count"`
	ResultSummary   string            `json:"result_summary"`
	ResultArtifact  string            `json:"result_artifact"`
	ResultExtras    map[string]string `json:"result_extras,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// TaskResults is the caller-supplied payload for task completion.
// Whitelisted keys map onto typed task slots; the rest lands in the
// capped extras map.
type TaskResults map[string]string

// Whitelisted result keys.
const (
	ResultKeySummary      = "summary"
	ResultKeyQualityScore = "quality_score"
	ResultKeyArtifact     = "artifact"
)
