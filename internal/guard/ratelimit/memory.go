package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryCounterStore is a process-local CounterStore for tests and
// single-instance deployments without Redis. Counters are only
// authoritative within this process.
type MemoryCounterStore struct {
	mu       sync.Mutex
	counters map[string]*memoryCounter
	now      func() time.Time
}

type memoryCounter struct {
	count   int64
	expires time.Time
}

func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{
		counters: make(map[string]*memoryCounter),
		now:      time.Now,
	}
}

func (s *MemoryCounterStore) Incr(ctx context.Context, agentID, operation, window string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := agentID + ":" + operation + ":" + window
	now := s.now()

	c, ok := s.counters[key]
	if !ok || now.After(c.expires) {
		c = &memoryCounter{expires: now.Add(ttl)}
		s.counters[key] = c
	}
	c.count++

	// Opportunistic cleanup of expired windows.
	for k, v := range s.counters {
		if now.After(v.expires) {
			delete(s.counters, k)
		}
	}

	return c.count, nil
}
