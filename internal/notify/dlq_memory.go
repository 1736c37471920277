package notify

import (
	"context"
	"sync"

	"github.com/dnanh/opsmem/internal/core/domain"
)

// MemoryDeadLetter is a process-local DeadLetter used in tests and when
// Redis is not configured. FIFO, capped; the oldest entry is evicted when
// the cap is reached.
type MemoryDeadLetter struct {
	mu    sync.Mutex
	queue []*domain.Notification
	cap   int
}

func NewMemoryDeadLetter(capacity int) *MemoryDeadLetter {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemoryDeadLetter{cap: capacity}
}

func (q *MemoryDeadLetter) Append(ctx context.Context, n *domain.Notification) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.queue) >= q.cap {
		q.queue = q.queue[1:]
	}
	cp := *n
	q.queue = append(q.queue, &cp)
	return nil
}

func (q *MemoryDeadLetter) All(ctx context.Context) ([]*domain.Notification, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*domain.Notification, len(q.queue))
	for i, n := range q.queue {
		cp := *n
		out[i] = &cp
	}
	return out, nil
}

func (q *MemoryDeadLetter) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, n := range q.queue {
		if n.ID == id {
			q.queue = append(q.queue[:i], q.queue[i+1:]...)
			break
		}
	}
	return nil
}

func (q *MemoryDeadLetter) Depth(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue), nil
}
