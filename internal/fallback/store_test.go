package fallback

import (
	"fmt"
	"testing"

	"github.com/dnanh/opsmem/internal/core/domain"
)

func TestStore_PutAndSnapshot(t *testing.T) {
	s := NewStore(nil)

	s.Put(&domain.FallbackRecord{Category: domain.FallbackTasks, Key: "t1", Payload: "a"})
	s.Put(&domain.FallbackRecord{Category: domain.FallbackTasks, Key: "t2", Payload: "b"})
	s.Put(&domain.FallbackRecord{Category: domain.FallbackResearch, Key: "r1", Payload: "c"})

	if s.Len(domain.FallbackTasks) != 2 {
		t.Errorf("Expected 2 task records, got %d", s.Len(domain.FallbackTasks))
	}
	if s.Total() != 3 {
		t.Errorf("Expected total 3, got %d", s.Total())
	}

	snap := s.Snapshot(domain.FallbackTasks)
	if len(snap) != 2 || snap[0].Key != "t1" || snap[1].Key != "t2" {
		t.Errorf("Expected snapshot [t1 t2], got %v", snap)
	}
}

func TestStore_CapacityEvictsFinalFirst(t *testing.T) {
	s := NewStore(map[domain.FallbackCategory]int{domain.FallbackTasks: 3})

	s.Put(&domain.FallbackRecord{Category: domain.FallbackTasks, Key: "pending1"})
	s.Put(&domain.FallbackRecord{Category: domain.FallbackTasks, Key: "final1", Final: true})
	s.Put(&domain.FallbackRecord{Category: domain.FallbackTasks, Key: "pending2"})

	// At capacity: the next put evicts the oldest Final record, not a
	// pending one.
	s.Put(&domain.FallbackRecord{Category: domain.FallbackTasks, Key: "pending3"})

	if s.Len(domain.FallbackTasks) != 3 {
		t.Fatalf("Expected capacity held at 3, got %d", s.Len(domain.FallbackTasks))
	}
	for _, rec := range s.Snapshot(domain.FallbackTasks) {
		if rec.Key == "final1" {
			t.Error("Expected final1 evicted, still present")
		}
	}
}

func TestStore_CapacityDropsOldestPendingWhenNoFinal(t *testing.T) {
	s := NewStore(map[domain.FallbackCategory]int{domain.FallbackTasks: 2})

	s.Put(&domain.FallbackRecord{Category: domain.FallbackTasks, Key: "p1"})
	s.Put(&domain.FallbackRecord{Category: domain.FallbackTasks, Key: "p2"})
	s.Put(&domain.FallbackRecord{Category: domain.FallbackTasks, Key: "p3"})

	snap := s.Snapshot(domain.FallbackTasks)
	if len(snap) != 2 || snap[0].Key != "p2" || snap[1].Key != "p3" {
		t.Errorf("Expected oldest pending dropped, got %v", []string{snap[0].Key, snap[1].Key})
	}
}

func TestStore_NeverExceedsCapacity(t *testing.T) {
	s := NewStore(map[domain.FallbackCategory]int{domain.FallbackNotifications: 5})

	for i := 0; i < 100; i++ {
		s.Put(&domain.FallbackRecord{
			Category: domain.FallbackNotifications,
			Key:      fmt.Sprintf("n%d", i),
		})
	}

	if s.Len(domain.FallbackNotifications) != 5 {
		t.Errorf("Expected capacity bound 5 under pressure, got %d", s.Len(domain.FallbackNotifications))
	}
}

func TestStore_Remove(t *testing.T) {
	s := NewStore(nil)
	s.Put(&domain.FallbackRecord{Category: domain.FallbackTasks, Key: "t1"})
	s.Put(&domain.FallbackRecord{Category: domain.FallbackTasks, Key: "t2"})

	s.Remove(domain.FallbackTasks, "t1")

	snap := s.Snapshot(domain.FallbackTasks)
	if len(snap) != 1 || snap[0].Key != "t2" {
		t.Errorf("Expected only t2 remaining, got %v", snap)
	}
}
