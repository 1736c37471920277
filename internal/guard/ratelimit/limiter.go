// Package ratelimit enforces per-(agent, operation) quotas over a dual
// window: a short burst ceiling and an hourly ceiling.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dnanh/opsmem/internal/core/domain"
)

// CounterStore is the authoritative counter backend. The increment must
// be atomic so the quota holds across multiple coordinator instances.
type CounterStore interface {
	Incr(ctx context.Context, agentID, operation, window string, ttl time.Duration) (int64, error)
}

// Config holds limiter tuning parameters.
type Config struct {
	HourlyLimit int           `yaml:"hourly_limit"`
	BurstLimit  int           `yaml:"burst_limit"`
	BurstWindow time.Duration `yaml:"burst_window"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HourlyLimit: 1000,
		BurstLimit:  100,
		BurstWindow: time.Minute,
	}
}

// Limiter is constructed per coordinator instance and injected, never a
// module-level singleton.
type Limiter struct {
	store CounterStore
	cfg   Config
	now   func() time.Time

	mu       sync.Mutex
	lastSeen map[string]int64
}

func New(store CounterStore, cfg Config) *Limiter {
	if cfg.HourlyLimit <= 0 {
		cfg.HourlyLimit = DefaultConfig().HourlyLimit
	}
	if cfg.BurstLimit <= 0 {
		cfg.BurstLimit = DefaultConfig().BurstLimit
	}
	if cfg.BurstWindow <= 0 {
		cfg.BurstWindow = DefaultConfig().BurstWindow
	}
	return &Limiter{
		store:    store,
		cfg:      cfg,
		now:      time.Now,
		lastSeen: make(map[string]int64),
	}
}

// Allow increments both window counters and rejects with
// domain.ErrRateLimited when either ceiling is exceeded. When the counter
// store is unreachable the limiter fails open: a monitoring outage must
// not block all traffic.
func (l *Limiter) Allow(ctx context.Context, agentID, operation string) error {
	now := l.now()

	burstWindow := fmt.Sprintf("b%d", now.Unix()/int64(l.cfg.BurstWindow.Seconds()))
	burstCount, err := l.store.Incr(ctx, agentID, operation, burstWindow, l.cfg.BurstWindow)
	if err != nil {
		slog.Warn("rate limit counter unavailable, failing open",
			"agent", agentID, "operation", operation, "error", err)
		return nil
	}
	l.record(agentID, operation, "burst", burstCount)
	if burstCount > int64(l.cfg.BurstLimit) {
		return fmt.Errorf("%w: burst quota for %s/%s", domain.ErrRateLimited, agentID, operation)
	}

	hourWindow := "h" + now.UTC().Format("2006010215")
	hourCount, err := l.store.Incr(ctx, agentID, operation, hourWindow, time.Hour)
	if err != nil {
		slog.Warn("rate limit counter unavailable, failing open",
			"agent", agentID, "operation", operation, "error", err)
		return nil
	}
	l.record(agentID, operation, "hour", hourCount)
	if hourCount > int64(l.cfg.HourlyLimit) {
		return fmt.Errorf("%w: hourly quota for %s/%s", domain.ErrRateLimited, agentID, operation)
	}

	return nil
}

func (l *Limiter) record(agentID, operation, window string, count int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastSeen[agentID+"/"+operation+"/"+window] = count
}

// Snapshot returns the last observed counter values, keyed
// agent/operation/window. Exposed for health reporting.
func (l *Limiter) Snapshot() map[string]int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int64, len(l.lastSeen))
	for k, v := range l.lastSeen {
		out[k] = v
	}
	return out
}
