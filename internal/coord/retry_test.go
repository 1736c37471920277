package coord

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dnanh/opsmem/internal/core/domain"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:     attempts,
		BaseDelay:       time.Millisecond,
		MaxDelay:        5 * time.Millisecond,
		BackoffMultiple: 2.0,
	}
}

func TestRetry_SucceedsAfterRaces(t *testing.T) {
	calls := 0
	result, err := Retry(context.Background(), fastRetry(3), func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", fmt.Errorf("%w: contended", domain.ErrRaceCondition)
		}
		return "claimed", nil
	})
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if result != "claimed" || calls != 3 {
		t.Errorf("Expected success on attempt 3, got result=%q calls=%d", result, calls)
	}
}

func TestRetry_NonRetryableFailsFast(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), fastRetry(3), func(ctx context.Context) (int, error) {
		calls++
		return 0, fmt.Errorf("%w: bad input", domain.ErrValidation)
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("Expected ErrValidation, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected no retries for non-retryable error, got %d calls", calls)
	}
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), fastRetry(3), func(ctx context.Context) (int, error) {
		calls++
		return 0, fmt.Errorf("%w: still contended", domain.ErrRaceCondition)
	})
	if !errors.Is(err, domain.ErrRaceCondition) {
		t.Fatalf("Expected wrapped ErrRaceCondition, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls)
	}
}

func TestRetry_RespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	cfg := RetryConfig{MaxAttempts: 10, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second, BackoffMultiple: 2.0}

	_, err := Retry(ctx, cfg, func(ctx context.Context) (int, error) {
		calls++
		cancel()
		return 0, fmt.Errorf("%w: contended", domain.ErrRaceCondition)
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 call before cancellation stopped retries, got %d", calls)
	}
}

func TestBackoffDelay_Caps(t *testing.T) {
	cfg := RetryConfig{BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, BackoffMultiple: 2.0}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 300 * time.Millisecond}, // capped
		{5, 300 * time.Millisecond}, // still capped
	}
	for _, tt := range tests {
		if got := backoffDelay(tt.attempt, cfg); got != tt.want {
			t.Errorf("backoffDelay(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}
