// Package control wires the coordinator and its supporting services and
// manages their lifecycle.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/dnanh/opsmem/internal/access"
	"github.com/dnanh/opsmem/internal/coord"
	"github.com/dnanh/opsmem/internal/core/config"
	"github.com/dnanh/opsmem/internal/core/domain"
	"github.com/dnanh/opsmem/internal/fallback"
	"github.com/dnanh/opsmem/internal/guard/breaker"
	"github.com/dnanh/opsmem/internal/guard/ratelimit"
	"github.com/dnanh/opsmem/internal/health"
	redisclient "github.com/dnanh/opsmem/internal/infra/redis"
	"github.com/dnanh/opsmem/internal/infra/storage"
	"github.com/dnanh/opsmem/internal/infra/storage/memory"
	"github.com/dnanh/opsmem/internal/infra/storage/postgres"
	"github.com/dnanh/opsmem/internal/metrics"
	"github.com/dnanh/opsmem/internal/notify"
)

// App is the main application struct that manages the coordinator lifecycle.
type App struct {
	cfg          *config.AppConfig
	backend      storage.Backend
	coordinator  *coord.Coordinator
	notifier     *notify.Service
	monitor      *fallback.Monitor
	healthServer *health.Server
	db           *postgres.DB
	redisClient  *redisclient.Client
	log          *slog.Logger
}

// NewApp creates a new App instance with all dependencies initialized.
func NewApp(cfg *config.AppConfig) (*App, error) {

	// 1. Initialize Storage
	var backend storage.Backend
	var db *postgres.DB

	if cfg.Database.URL != "" {
		var err error
		db, err = postgres.NewDB(context.Background(), cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}

		// Run migrations
		if err := goose.SetDialect("postgres"); err != nil {
			return nil, err
		}
		if err := goose.Up(db.DB.DB, "migrations"); err != nil {
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}

		backend = db
		slog.Info("Using PostgreSQL storage")
	} else {
		backend = memory.NewMemoryStorage()
		slog.Info("Using Memory storage")
	}

	// 2. Initialize Redis-backed guards, falling back to in-process
	// counterparts when Redis is not configured or unreachable.
	var redisClient *redisclient.Client
	var counters ratelimit.CounterStore
	var dlq notify.DeadLetter

	if cfg.Redis.URL != "" {
		var err error
		redisClient, err = redisclient.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("Failed to connect to Redis, using in-process guards", "error", err)
		} else {
			counters = redisclient.NewCounterStore(redisClient)
			dlq = redisclient.NewDeadLetterQueue(redisClient, 0)
		}
	}
	if counters == nil {
		counters = ratelimit.NewMemoryCounterStore()
	}
	if dlq == nil {
		dlq = notify.NewMemoryDeadLetter(0)
	}

	// 3. Guard components
	brk := breaker.New(cfg.Breaker)
	brk.OnTransition(func(from, to breaker.State) {
		slog.Warn("circuit breaker transition", "from", from, "to", to)
		metrics.BreakerState.Set(breakerStateValue(to))
	})
	limiter := ratelimit.New(counters, cfg.RateLimit)

	caps := make(map[domain.FallbackCategory]int)
	if cfg.Fallback.Capacity > 0 {
		for _, cat := range []domain.FallbackCategory{
			domain.FallbackTasks, domain.FallbackResearch,
			domain.FallbackSessions, domain.FallbackNotifications,
		} {
			caps[cat] = cfg.Fallback.Capacity
		}
	}
	fb := fallback.NewStore(caps)
	notifier := notify.NewService(backend.Notifications(), dlq, cfg.Notify)
	classifier := access.NewClassifier()

	// 4. Coordinator plus recovery monitor, which needs the coordinator's
	// resync hook, so the monitor is built second.
	opts := []coord.Option{}
	if redisClient != nil {
		opts = append(opts, coord.WithRedisPing(redisClient.Ping))
	}

	var coordinator *coord.Coordinator
	monitor := fallback.NewMonitor(fb, backend.Ping, func(ctx context.Context, rec *domain.FallbackRecord) error {
		return coordinator.ResyncRecord(ctx, rec)
	}, cfg.Fallback.ProbeInterval)

	coordinator = coord.New(
		backend, brk, limiter, fb, monitor, notifier, classifier,
		cfg.Coordinator, opts...,
	)

	healthServer := health.NewServer(coordinator, cfg.Server.Port)

	return &App{
		cfg:          cfg,
		backend:      backend,
		coordinator:  coordinator,
		notifier:     notifier,
		monitor:      monitor,
		healthServer: healthServer,
		db:           db,
		redisClient:  redisClient,
		log:          slog.Default(),
	}, nil
}

// Coordinator exposes the wired coordinator for embedding callers.
func (a *App) Coordinator() *coord.Coordinator { return a.coordinator }

// Backend exposes the storage backend for admin tooling.
func (a *App) Backend() storage.Backend { return a.backend }

// Start starts the app and all its background workers.
func (a *App) Start(ctx context.Context) error {
	// Health + metrics server
	go func() {
		if err := a.healthServer.Start(); err != nil {
			a.log.Error("Health server failed", "error", err)
		}
	}()

	// DB pool metrics
	if a.db != nil {
		a.db.StartMetricsCollector(ctx)
	}

	// Recovery probe loop
	go a.monitor.Start(ctx)

	// Notification TTL sweep and dead-letter redelivery, bounded by the
	// maintenance semaphore so they never starve foreground sessions.
	go a.notifier.StartSweeper(ctx)
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := a.coordinator.WithMaintenance(ctx, func(ctx context.Context) error {
					a.notifier.RetryDeadLetters(ctx)
					return nil
				})
				if err != nil {
					a.log.Error("dead-letter retry pass failed", "error", err)
				}
			}
		}
	}()

	metrics.FallbackMode.Set(0)
	a.log.Info("Coordinator started", "port", a.cfg.Server.Port)
	return nil
}

func breakerStateValue(s breaker.State) float64 {
	switch s {
	case breaker.StateHalfOpen:
		return 1
	case breaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// Stop stops the app.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("Stopping coordinator...")

	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.log.Warn("Failed to close Redis", "error", err)
		}
	}

	return a.healthServer.Stop(ctx)
}
