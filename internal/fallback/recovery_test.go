package fallback

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/dnanh/opsmem/internal/core/domain"
)

func healthyPing(ctx context.Context) error { return nil }

func seedStore(n int) *Store {
	s := NewStore(nil)
	for i := 0; i < n; i++ {
		s.Put(&domain.FallbackRecord{Category: domain.FallbackTasks, Key: fmt.Sprintf("t%d", i)})
	}
	return s
}

func TestMonitor_ActivateIdempotent(t *testing.T) {
	m := NewMonitor(NewStore(nil), healthyPing, nil, 0)

	if m.Active() {
		t.Fatal("Expected monitor to start inactive")
	}
	m.Activate()
	m.Activate()
	if !m.Active() {
		t.Error("Expected monitor active after Activate")
	}
}

func TestMonitor_ResyncDrainsStoreAndDeactivates(t *testing.T) {
	store := seedStore(10)
	var replayed int
	m := NewMonitor(store, healthyPing, func(ctx context.Context, rec *domain.FallbackRecord) error {
		replayed++
		return nil
	}, 0)
	m.Activate()

	if err := m.Resync(context.Background()); err != nil {
		t.Fatalf("Resync failed: %v", err)
	}

	if replayed != 10 {
		t.Errorf("Expected 10 records replayed, got %d", replayed)
	}
	if store.Total() != 0 {
		t.Errorf("Expected store drained, %d records remain", store.Total())
	}
	if m.Active() {
		t.Error("Expected fallback mode off after clean resync")
	}
}

func TestMonitor_HighFailureRateStaysActive(t *testing.T) {
	store := seedStore(10)
	calls := 0
	m := NewMonitor(store, healthyPing, func(ctx context.Context, rec *domain.FallbackRecord) error {
		calls++
		// 2 of 10 fail: 20%, above the 10% ceiling.
		if calls <= 2 {
			return errors.New("constraint violation")
		}
		return nil
	}, 0)
	m.Activate()

	err := m.Resync(context.Background())
	if !errors.Is(err, domain.ErrSyncFailed) {
		t.Fatalf("Expected ErrSyncFailed at 20%% failure rate, got %v", err)
	}
	if !m.Active() {
		t.Error("Expected fallback mode to stay active after failed resync")
	}
	// Failed records stay queued for the next pass.
	if store.Total() != 2 {
		t.Errorf("Expected 2 failed records retained, got %d", store.Total())
	}
}

func TestMonitor_LowFailureRateRecovers(t *testing.T) {
	store := seedStore(20)
	calls := 0
	m := NewMonitor(store, healthyPing, func(ctx context.Context, rec *domain.FallbackRecord) error {
		calls++
		// 1 of 20 fails: 5%, under the ceiling.
		if calls == 1 {
			return errors.New("transient")
		}
		return nil
	}, 0)
	m.Activate()

	if err := m.Resync(context.Background()); err != nil {
		t.Fatalf("Expected recovery at 5%% failure rate, got %v", err)
	}
	if m.Active() {
		t.Error("Expected fallback mode off")
	}
}

func TestMonitor_EmptyStoreRecoversImmediately(t *testing.T) {
	m := NewMonitor(NewStore(nil), healthyPing, func(ctx context.Context, rec *domain.FallbackRecord) error {
		t.Fatal("resync called with empty store")
		return nil
	}, 0)
	m.Activate()

	if err := m.Resync(context.Background()); err != nil {
		t.Fatalf("Resync failed: %v", err)
	}
	if m.Active() {
		t.Error("Expected fallback mode off with nothing to replay")
	}
}
