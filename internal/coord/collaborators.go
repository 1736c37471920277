package coord

import (
	"context"
	"regexp"

	"github.com/dnanh/opsmem/internal/core/domain"
)

// Sanitizer is the external content-sanitizer collaborator. ok=false
// signals the coordinator to fall back to the built-in pattern redactor.
type Sanitizer interface {
	Sanitize(ctx context.Context, text string) (clean string, ok bool)
}

// Embedder is the external embedding-generator collaborator. An empty
// vector triggers the full-text-search fallback for similarity queries.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Deliverer pushes a notification summary to an out-of-band messaging
// surface. Best-effort: failure never blocks or rolls back coordinator
// state.
type Deliverer interface {
	Deliver(ctx context.Context, n *domain.Notification) error
}

// Built-in redactor patterns, used when no sanitizer is configured or the
// collaborator declines the text.
var redactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`),
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	regexp.MustCompile(`\b\+?\d{1,3}[\s.\-]?\(?\d{2,4}\)?[\s.\-]?\d{3,4}[\s.\-]?\d{3,4}\b`),
}

func redact(text string) string {
	for _, p := range redactPatterns {
		text = p.ReplaceAllString(text, "[redacted]")
	}
	return text
}
