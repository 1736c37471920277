package domain

import "time"

// AccessTier classifies persisted content by sharing sensitivity.
type AccessTier string

const (
	// TierPublic content is visible to every agent.
	TierPublic AccessTier = "public"
	// TierSensitive content is isolated to the originating sender.
	TierSensitive AccessTier = "sensitive"
	// TierPrivate content must never reach shared storage.
	TierPrivate AccessTier = "private"
)

// ClassifiedContent is a shared-memory record with its access tier attached.
// SenderKey is a one-way identifier of the originating sender, set only
// for sensitive content.
type ClassifiedContent struct {
	ID        string     `json:"id"`
	Tier      AccessTier `json:"tier"`
	SenderKey string     `json:"sender_key"`
	Body      string     `json:"body"`
	Embedding []float64  `json:"embedding,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}
