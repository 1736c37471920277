package redis

import (
	"context"
	"fmt"
	"time"
)

// CounterStore implements ratelimit.CounterStore on Redis. Counters are
// authoritative across coordinator instances: INCR is atomic and the key
// embeds the window, so increment-and-check needs no coordination beyond
// Redis itself.
type CounterStore struct {
	client *Client
}

func NewCounterStore(client *Client) *CounterStore {
	return &CounterStore{client: client}
}

func counterKey(agentID, operation, window string) string {
	return fmt.Sprintf("ratelimit:%s:%s:%s", agentID, operation, window)
}

// Incr atomically increments the counter for the window and returns the
// new value. The key expires with the window so stale counters reap
// themselves.
func (s *CounterStore) Incr(ctx context.Context, agentID, operation, window string, ttl time.Duration) (int64, error) {
	key := counterKey(agentID, operation, window)

	pipe := s.client.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("ratelimit incr failed: %w", err)
	}
	return incr.Val(), nil
}

// Reset removes every counter for an agent, or all counters when agentID
// is empty. Used by the admin reset-limits command.
func (s *CounterStore) Reset(ctx context.Context, agentID string) (int, error) {
	pattern := "ratelimit:*"
	if agentID != "" {
		pattern = fmt.Sprintf("ratelimit:%s:*", agentID)
	}

	var deleted int
	iter := s.client.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := s.client.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return deleted, fmt.Errorf("ratelimit reset del failed: %w", err)
		}
		deleted++
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("ratelimit reset scan failed: %w", err)
	}
	return deleted, nil
}
