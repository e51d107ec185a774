package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hanamilabs/telegram-bot-admin/internal/config"
	"github.com/hanamilabs/telegram-bot-admin/internal/maintenance"
	"github.com/hanamilabs/telegram-bot-admin/internal/observability"
	"github.com/hanamilabs/telegram-bot-admin/internal/platform/redisx"
	"github.com/hanamilabs/telegram-bot-admin/internal/ports"
	"github.com/hanamilabs/telegram-bot-admin/internal/security"
	"github.com/hanamilabs/telegram-bot-admin/internal/storage"
)

// core holds the components shared by serve and the one-shot commands.
type core struct {
	cfg      config.Config
	logger   *slog.Logger
	store    *storage.SQLiteStore
	redis    *redis.Client
	security *security.Service
	metrics  *observability.Metrics
	// sweeper is set only for the in-memory session backend.
	sweeper maintenance.Sweeper
}

func openCore(ctx context.Context, cfg config.Config, logger *slog.Logger) (*core, error) {
	store, err := storage.Open(cfg)
	if err != nil {
		return nil, err
	}
	rt := &core{cfg: cfg, logger: logger, store: store, metrics: observability.NewMetrics()}

	if err := store.Migrate(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	seeded, err := store.SeedFromConfig(ctx, cfg.AdminUserIDs)
	if err != nil {
		rt.Close()
		return nil, err
	}
	if seeded > 0 {
		logger.Info("seeded main admins from config", "count", seeded)
	}

	signer, err := security.NewTokenSigner(cfg.SessionSecret)
	if err != nil {
		rt.Close()
		return nil, err
	}
	if cfg.SessionSecret == "" {
		logger.Warn("SESSION_SECRET is empty; session tokens will not survive a restart")
	}

	clock := ports.SystemClock{}
	var sessions security.SessionStore
	switch cfg.SessionBackend {
	case "redis":
		client, err := redisx.New(ctx, cfg.RedisAddr)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.redis = client
		sessions = security.NewRedisSessionStore(client, signer, clock, cfg.SessionTimeout)
	default:
		memory := security.NewMemorySessionStore(signer, clock, cfg.SessionTimeout)
		rt.sweeper = memory
		sessions = memory
	}

	rt.security = security.NewService(security.ServiceDeps{
		Repo:         store,
		Audit:        store,
		Sessions:     sessions,
		Clock:        clock,
		Logger:       logger,
		Metrics:      rt.metrics,
		Registry:     security.DefaultRegistry(),
		Policy:       security.DefaultChatPolicy(),
		Limits:       throttleLimits(cfg),
		StoreTimeout: cfg.StoreTimeout,
	})
	rt.metrics.WatchCaches(rt.security.Resolver().CacheStats)
	return rt, nil
}

// Close waits for pending cache cleanups, then releases the store and redis.
func (rt *core) Close() error {
	if rt.security != nil {
		done := make(chan struct{})
		go func() {
			rt.security.Resolver().Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			rt.logger.Warn("expiry cleanup still running at shutdown")
		}
	}
	var errs []error
	if rt.redis != nil {
		errs = append(errs, rt.redis.Close())
	}
	errs = append(errs, rt.store.Close())
	return errors.Join(errs...)
}

func throttleLimits(cfg config.Config) map[security.Tier]security.Limits {
	tiers := cfg.ThrottleTiers()
	out := make(map[security.Tier]security.Limits, len(tiers))
	for _, tier := range []security.Tier{security.TierAnonymous, security.TierJunior, security.TierSenior, security.TierMain} {
		if l, ok := tiers[tier.String()]; ok {
			out[tier] = security.Limits{PerSecond: l.PerSecond, PerMinute: l.PerMinute}
		}
	}
	return out
}
