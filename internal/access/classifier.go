// Package access classifies content by sharing sensitivity before it can
// reach shared storage.
package access

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/dnanh/opsmem/internal/core/domain"
)

// SenderContext identifies the originating sender of a piece of content.
// An empty Sender yields PUBLIC: there is no identity to isolate against.
type SenderContext struct {
	Sender string
}

// Result carries the tier decision plus the one-way sender key attached
// to sensitive content for per-sender read isolation.
type Result struct {
	Tier      domain.AccessTier
	SenderKey string
}

// Private markers: structured identifiers and relationship references.
// These take precedence over topical markers.
var privatePatterns = []*regexp.Regexp{
	// Email addresses.
	regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`),
	// US SSN shape.
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	// Government id / passport style tokens.
	regexp.MustCompile(`(?i)\b(passport|national id|driver'?s license)\s*(number|no\.?|#)?\s*[:#]?\s*[A-Z0-9]{6,}\b`),
	// Phone numbers.
	regexp.MustCompile(`\b\+?\d{1,3}[\s.\-]?\(?\d{2,4}\)?[\s.\-]?\d{3,4}[\s.\-]?\d{3,4}\b`),
	// Relationship pronouns referencing identifiable people.
	regexp.MustCompile(`(?i)\bmy\s+(wife|husband|partner|girlfriend|boyfriend|mother|father|mom|dad|son|daughter|sister|brother|therapist|doctor|lawyer|boss)\b`),
}

// Sensitive topical markers.
var sensitiveKeywords = map[string][]string{
	"health":       {"diagnosis", "medication", "therapy", "symptom", "illness", "surgery", "prescription", "mental health"},
	"finance":      {"salary", "debt", "loan", "bank account", "mortgage", "bankruptcy", "credit score", "investment"},
	"legal":        {"lawsuit", "attorney", "court", "settlement", "divorce", "custody", "contract dispute", "criminal"},
	"relationship": {"breakup", "dating", "marriage", "affair", "argument with", "falling out"},
}

// Classifier decides whether content may be persisted and to whom it is
// visible. Stateless and safe for concurrent use.
type Classifier struct{}

func NewClassifier() *Classifier {
	return &Classifier{}
}

// Classify applies rule precedence: explicit personal-identity markers win
// over topical markers, which win over the public default. Absence of
// sender context always yields PUBLIC.
func (c *Classifier) Classify(content string, sender SenderContext) Result {
	if sender.Sender == "" {
		return Result{Tier: domain.TierPublic}
	}

	for _, p := range privatePatterns {
		if p.MatchString(content) {
			return Result{Tier: domain.TierPrivate}
		}
	}

	lower := strings.ToLower(content)
	for _, words := range sensitiveKeywords {
		for _, w := range words {
			if strings.Contains(lower, w) {
				return Result{
					Tier:      domain.TierSensitive,
					SenderKey: SenderKey(sender.Sender),
				}
			}
		}
	}

	return Result{Tier: domain.TierPublic}
}

// SenderKey derives the one-way sender identifier used to isolate
// sensitive content per originating sender.
func SenderKey(sender string) string {
	sum := sha256.Sum256([]byte(sender))
	return hex.EncodeToString(sum[:16])
}
