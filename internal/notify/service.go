// Package notify manages TTL-bound delivery records between agents.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dnanh/opsmem/internal/core/domain"
	"github.com/dnanh/opsmem/internal/infra/storage"
	"github.com/dnanh/opsmem/internal/metrics"
)

// SweepBatchSize bounds each TTL sweep pass so deletes never run long.
const SweepBatchSize = 1000

// DeadLetter is the capped holding area for notifications whose
// persistence failed.
type DeadLetter interface {
	Append(ctx context.Context, n *domain.Notification) error
	All(ctx context.Context) ([]*domain.Notification, error)
	Remove(ctx context.Context, id string) error
	Depth(ctx context.Context) (int, error)
}

// Config holds service tuning parameters.
type Config struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	AlertDepth    int           `yaml:"alert_depth"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		SweepInterval: 10 * time.Minute,
		RetryInterval: time.Minute,
		AlertDepth:    100,
	}
}

// Service creates and delivers notifications with at-most-once semantics.
type Service struct {
	repo storage.NotificationRepository
	dlq  DeadLetter
	cfg  Config
}

func NewService(repo storage.NotificationRepository, dlq DeadLetter, cfg Config) *Service {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultConfig().RetryInterval
	}
	if cfg.AlertDepth <= 0 {
		cfg.AlertDepth = DefaultConfig().AlertDepth
	}
	return &Service{repo: repo, dlq: dlq, cfg: cfg}
}

// Create persists a notification, filling defaults. A failed write lands
// in the dead-letter queue for the retry pass instead of surfacing to the
// caller; notification delivery is best-effort by contract.
func (s *Service) Create(ctx context.Context, n *domain.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.TTLHours <= 0 {
		n.TTLHours = domain.DefaultNotificationTTLHours
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}

	if err := s.repo.Create(ctx, n); err != nil {
		slog.Warn("notification write failed, dead-lettering", "id", n.ID, "error", err)
		if dlqErr := s.dlq.Append(ctx, n); dlqErr != nil {
			return fmt.Errorf("notification write and dead-letter both failed: %w", dlqErr)
		}
		s.observeDepth(ctx)
		return nil
	}
	return nil
}

// GetPending returns the unread notifications for an agent and flips them
// to read in the same operation. At-most-once: a crashed consumer does
// not see them again.
func (s *Service) GetPending(ctx context.Context, agentID string) ([]*domain.Notification, error) {
	return s.repo.GetPendingAndMarkRead(ctx, agentID)
}

// Sweep deletes one bounded batch of expired notifications.
func (s *Service) Sweep(ctx context.Context, now time.Time) (int, error) {
	deleted, err := s.repo.DeleteExpired(ctx, now, SweepBatchSize)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		metrics.NotificationsSwept.Add(float64(deleted))
	}
	return deleted, nil
}

// StartSweeper runs the periodic TTL sweep until ctx is cancelled.
func (s *Service) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := s.Sweep(ctx, time.Now())
			if err != nil {
				slog.Error("notification sweep failed", "error", err)
				continue
			}
			if deleted > 0 {
				slog.Info("swept expired notifications", "count", deleted)
			}
		}
	}
}

// RetryDeadLetters attempts redelivery of every dead-lettered
// notification, removing the ones that persist successfully.
func (s *Service) RetryDeadLetters(ctx context.Context) {
	queued, err := s.dlq.All(ctx)
	if err != nil {
		slog.Error("dead-letter read failed", "error", err)
		return
	}
	for _, n := range queued {
		if err := s.repo.Create(ctx, n); err != nil {
			slog.Debug("dead-letter redelivery failed", "id", n.ID, "error", err)
			continue
		}
		if err := s.dlq.Remove(ctx, n.ID); err != nil {
			slog.Warn("dead-letter remove failed", "id", n.ID, "error", err)
		}
	}
	s.observeDepth(ctx)
}

// StartRetry runs the periodic dead-letter redelivery pass.
func (s *Service) StartRetry(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RetryDeadLetters(ctx)
		}
	}
}

// QueueDepth reports the current dead-letter backlog.
func (s *Service) QueueDepth(ctx context.Context) (int, error) {
	return s.dlq.Depth(ctx)
}

func (s *Service) observeDepth(ctx context.Context) {
	depth, err := s.dlq.Depth(ctx)
	if err != nil {
		return
	}
	metrics.DLQDepth.Set(float64(depth))
	if depth > s.cfg.AlertDepth {
		slog.Error("dead-letter queue above alert threshold",
			"depth", depth, "threshold", s.cfg.AlertDepth)
	}
}
