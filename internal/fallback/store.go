// Package fallback provides the bounded in-memory store that absorbs
// writes while the backend is unreachable, and the monitor that drains it
// back once the backend recovers.
package fallback

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dnanh/opsmem/internal/core/domain"
	"github.com/dnanh/opsmem/internal/metrics"
)

// DefaultCapacity applies to categories without an explicit cap.
const DefaultCapacity = 200

// Store is a bounded, categorized holding area for writes made during a
// backend outage. Each category has an independent hard capacity; the
// store never exceeds it regardless of write volume.
type Store struct {
	mu      sync.Mutex
	caps    map[domain.FallbackCategory]int
	records map[domain.FallbackCategory][]*domain.FallbackRecord
	dropped int
}

// NewStore creates a store with per-category capacities. Categories
// missing from caps use DefaultCapacity.
func NewStore(caps map[domain.FallbackCategory]int) *Store {
	c := make(map[domain.FallbackCategory]int, len(caps))
	for cat, n := range caps {
		if n > 0 {
			c[cat] = n
		}
	}
	return &Store{
		caps:    c,
		records: make(map[domain.FallbackCategory][]*domain.FallbackRecord),
	}
}

func (s *Store) capacity(cat domain.FallbackCategory) int {
	if n, ok := s.caps[cat]; ok {
		return n
	}
	return DefaultCapacity
}

// Put stores a record, evicting under capacity pressure: the oldest
// completed-like entry goes first; failing that the oldest pending entry
// is dropped with a warning.
func (s *Store) Put(rec *domain.FallbackRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	list := s.records[rec.Category]
	if len(list) >= s.capacity(rec.Category) {
		evicted := -1
		for i, r := range list {
			if r.Final {
				evicted = i
				break
			}
		}
		if evicted < 0 {
			evicted = 0
			s.dropped++
			slog.Warn("fallback store full, dropping oldest pending record",
				"category", rec.Category, "key", list[0].Key)
		}
		list = append(list[:evicted], list[evicted+1:]...)
	}

	s.records[rec.Category] = append(list, rec)
	metrics.FallbackSize.WithLabelValues(string(rec.Category)).Set(float64(len(s.records[rec.Category])))
}

// Snapshot returns the records of one category, oldest first.
func (s *Store) Snapshot(cat domain.FallbackCategory) []*domain.FallbackRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.FallbackRecord, len(s.records[cat]))
	copy(out, s.records[cat])
	return out
}

// Remove deletes a record by key after a successful resync.
func (s *Store) Remove(cat domain.FallbackCategory, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.records[cat]
	for i, r := range list {
		if r.Key == key {
			s.records[cat] = append(list[:i], list[i+1:]...)
			break
		}
	}
	metrics.FallbackSize.WithLabelValues(string(cat)).Set(float64(len(s.records[cat])))
}

// Len returns the record count for one category.
func (s *Store) Len(cat domain.FallbackCategory) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records[cat])
}

// Total returns the record count across all categories.
func (s *Store) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, list := range s.records {
		total += len(list)
	}
	return total
}

// Categories returns the categories currently holding records.
func (s *Store) Categories() []domain.FallbackCategory {
	s.mu.Lock()
	defer s.mu.Unlock()
	cats := make([]domain.FallbackCategory, 0, len(s.records))
	for cat, list := range s.records {
		if len(list) > 0 {
			cats = append(cats, cat)
		}
	}
	return cats
}
