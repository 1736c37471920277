package fallback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dnanh/opsmem/internal/core/domain"
	"github.com/dnanh/opsmem/internal/metrics"
)

// MaxFailureRate is the resync failure-rate ceiling. At or above it the
// monitor refuses to declare recovery, preventing silent data loss
// against a partially-healthy backend.
const MaxFailureRate = 0.10

// DefaultProbeInterval is how often the monitor probes reachability.
const DefaultProbeInterval = 30 * time.Second

// ResyncFunc replays one fallback record against the backend.
type ResyncFunc func(ctx context.Context, rec *domain.FallbackRecord) error

// Monitor watches for backend recovery and drains the fallback store.
// While active, the coordinator diverts writes into the store; the
// monitor flips back to inactive only after a resync pass whose failure
// rate stays under MaxFailureRate.
type Monitor struct {
	store    *Store
	ping     func(ctx context.Context) error
	resync   ResyncFunc
	interval time.Duration

	mu     sync.Mutex
	active bool
}

// NewMonitor creates a recovery monitor. It starts inactive; entering
// fallback mode is the coordinator's call via Activate.
func NewMonitor(store *Store, ping func(ctx context.Context) error, resync ResyncFunc, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	return &Monitor{
		store:    store,
		ping:     ping,
		resync:   resync,
		interval: interval,
	}
}

// Activate enters fallback mode. Idempotent.
func (m *Monitor) Activate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		m.active = true
		metrics.FallbackMode.Set(1)
		slog.Warn("entering fallback mode, diverting writes locally")
	}
}

// Active reports whether fallback mode is on.
func (m *Monitor) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *Monitor) deactivate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = false
	metrics.FallbackMode.Set(0)
	slog.Info("exiting fallback mode, backend recovered")
}

// Start runs the probe loop until ctx is cancelled. It never blocks
// foreground operations; all work happens on this goroutine.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.Active() {
				continue
			}
			if err := m.ping(ctx); err != nil {
				slog.Debug("backend still unreachable", "error", err)
				continue
			}
			if err := m.Resync(ctx); err != nil {
				slog.Error("resync failed, staying in fallback mode", "error", err)
			}
		}
	}
}

// Resync replays every category one record at a time, tracking per-item
// success. An aggregate failure rate at or above MaxFailureRate returns
// domain.ErrSyncFailed and keeps fallback mode active; below it the
// monitor declares recovery.
func (m *Monitor) Resync(ctx context.Context) error {
	attempted := 0
	failed := 0

	for _, cat := range m.store.Categories() {
		for _, rec := range m.store.Snapshot(cat) {
			attempted++
			if err := m.resync(ctx, rec); err != nil {
				failed++
				slog.Warn("fallback record resync failed",
					"category", cat, "key", rec.Key, "error", err)
				continue
			}
			m.store.Remove(cat, rec.Key)
		}
	}

	if attempted > 0 {
		rate := float64(failed) / float64(attempted)
		if rate >= MaxFailureRate {
			return fmt.Errorf("%w: %d of %d records failed (%.0f%%)",
				domain.ErrSyncFailed, failed, attempted, rate*100)
		}
	}

	m.deactivate()
	slog.Info("fallback resync complete", "attempted", attempted, "failed", failed)
	return nil
}
