package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dnanh/opsmem/internal/core/domain"
)

const (
	dlqQueueKey  = "notify_dlq"
	dlqEntryTTL  = 7 * 24 * time.Hour
	dlqHardLimit = 1000
)

// DeadLetterQueue holds notifications whose persistence failed, awaiting
// redelivery. Entries live in a sorted set scored by enqueue time with
// per-entry JSON blobs; the set is capped so the queue cannot grow without
// bound during a long outage.
type DeadLetterQueue struct {
	rdb *redis.Client
	cap int
}

func NewDeadLetterQueue(client *Client, capacity int) *DeadLetterQueue {
	if capacity <= 0 || capacity > dlqHardLimit {
		capacity = dlqHardLimit
	}
	return &DeadLetterQueue{rdb: client.rdb, cap: capacity}
}

func dlqEntryKey(id string) string {
	return fmt.Sprintf("notify_dlq_entry:%s", id)
}

// Append adds a failed notification to the queue, evicting the oldest
// entry when the cap is reached.
func (q *DeadLetterQueue) Append(ctx context.Context, n *domain.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	size, err := q.rdb.ZCard(ctx, dlqQueueKey).Result()
	if err != nil {
		return fmt.Errorf("dlq zcard failed: %w", err)
	}
	if size >= int64(q.cap) {
		oldest, err := q.rdb.ZRange(ctx, dlqQueueKey, 0, 0).Result()
		if err != nil {
			return fmt.Errorf("dlq zrange failed: %w", err)
		}
		if len(oldest) > 0 {
			q.rdb.ZRem(ctx, dlqQueueKey, oldest[0])
			q.rdb.Del(ctx, dlqEntryKey(oldest[0]))
		}
	}

	if err := q.rdb.Set(ctx, dlqEntryKey(n.ID), data, dlqEntryTTL).Err(); err != nil {
		return fmt.Errorf("dlq set failed: %w", err)
	}
	if err := q.rdb.ZAdd(ctx, dlqQueueKey, redis.Z{
		Score:  float64(time.Now().UnixNano()),
		Member: n.ID,
	}).Err(); err != nil {
		return fmt.Errorf("dlq zadd failed: %w", err)
	}
	return nil
}

// All returns the queued notifications, oldest first.
func (q *DeadLetterQueue) All(ctx context.Context) ([]*domain.Notification, error) {
	ids, err := q.rdb.ZRange(ctx, dlqQueueKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("dlq zrange failed: %w", err)
	}

	result := make([]*domain.Notification, 0, len(ids))
	for _, id := range ids {
		data, err := q.rdb.Get(ctx, dlqEntryKey(id)).Bytes()
		if err == redis.Nil {
			// Entry expired under the id; drop the dangling reference.
			q.rdb.ZRem(ctx, dlqQueueKey, id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("dlq get failed: %w", err)
		}
		var n domain.Notification
		if err := json.Unmarshal(data, &n); err != nil {
			continue
		}
		result = append(result, &n)
	}
	return result, nil
}

// Remove drops a redelivered notification from the queue.
func (q *DeadLetterQueue) Remove(ctx context.Context, id string) error {
	if err := q.rdb.ZRem(ctx, dlqQueueKey, id).Err(); err != nil {
		return fmt.Errorf("dlq zrem failed: %w", err)
	}
	if err := q.rdb.Del(ctx, dlqEntryKey(id)).Err(); err != nil {
		return fmt.Errorf("dlq del failed: %w", err)
	}
	return nil
}

// Depth returns the number of queued notifications.
func (q *DeadLetterQueue) Depth(ctx context.Context) (int, error) {
	count, err := q.rdb.ZCard(ctx, dlqQueueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("dlq zcard failed: %w", err)
	}
	return int(count), nil
}
