package access

import (
	"testing"

	"github.com/dnanh/opsmem/internal/core/domain"
)

func TestClassify(t *testing.T) {
	c := NewClassifier()
	sender := SenderContext{Sender: "user-42"}

	tests := []struct {
		name    string
		content string
		sender  SenderContext
		want    domain.AccessTier
	}{
		{
			name:    "plain content is public",
			content: "The deployment finished at noon and all checks passed.",
			sender:  sender,
			want:    domain.TierPublic,
		},
		{
			name:    "no sender context is public",
			content: "My wife said the diagnosis came back today.",
			sender:  SenderContext{},
			want:    domain.TierPublic,
		},
		{
			name:    "email address is private",
			content: "Reach me at jane.doe@example.com for details.",
			sender:  sender,
			want:    domain.TierPrivate,
		},
		{
			name:    "ssn is private",
			content: "SSN on file: 123-45-6789",
			sender:  sender,
			want:    domain.TierPrivate,
		},
		{
			name:    "phone number is private",
			content: "Call +1 415-555-0134 tomorrow.",
			sender:  sender,
			want:    domain.TierPrivate,
		},
		{
			name:    "relationship reference is private",
			content: "my therapist suggested a different approach",
			sender:  sender,
			want:    domain.TierPrivate,
		},
		{
			name:    "health topic is sensitive",
			content: "Started a new medication last week.",
			sender:  sender,
			want:    domain.TierSensitive,
		},
		{
			name:    "finance topic is sensitive",
			content: "Negotiating my salary for the new role.",
			sender:  sender,
			want:    domain.TierSensitive,
		},
		{
			name:    "legal topic is sensitive",
			content: "The lawsuit was filed on Monday.",
			sender:  sender,
			want:    domain.TierSensitive,
		},
		{
			name:    "private markers win over sensitive topics",
			content: "my doctor changed the medication",
			sender:  sender,
			want:    domain.TierPrivate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.content, tt.sender)
			if got.Tier != tt.want {
				t.Errorf("Classify() tier = %s, want %s", got.Tier, tt.want)
			}
		})
	}
}

func TestClassify_SensitiveCarriesSenderKey(t *testing.T) {
	c := NewClassifier()

	res := c.Classify("Worried about my credit score.", SenderContext{Sender: "user-42"})
	if res.Tier != domain.TierSensitive {
		t.Fatalf("Expected sensitive, got %s", res.Tier)
	}
	if res.SenderKey == "" {
		t.Fatal("Expected sender key on sensitive content")
	}
	if res.SenderKey == "user-42" {
		t.Error("Sender key must not be the raw sender id")
	}

	// Deterministic: same sender, same key.
	again := c.Classify("Another bank account question.", SenderContext{Sender: "user-42"})
	if again.SenderKey != res.SenderKey {
		t.Errorf("Expected stable sender key, got %s vs %s", again.SenderKey, res.SenderKey)
	}

	other := c.Classify("Another bank account question.", SenderContext{Sender: "user-43"})
	if other.SenderKey == res.SenderKey {
		t.Error("Different senders must derive different keys")
	}
}

func TestClassify_PublicCarriesNoSenderKey(t *testing.T) {
	c := NewClassifier()
	res := c.Classify("Sprint review notes attached.", SenderContext{Sender: "user-42"})
	if res.Tier != domain.TierPublic {
		t.Fatalf("Expected public, got %s", res.Tier)
	}
	if res.SenderKey != "" {
		t.Errorf("Expected no sender key on public content, got %s", res.SenderKey)
	}
}
