// Package redis provides the shared Redis client used by the rate limiter,
// the webhook queue, and cron job locks. The relational database stays the
// source of truth; Redis only holds ephemeral counters and queue state.
package redis

import (
	"context"
	"strings"

	"github.com/craftlabs/craft/internal/config"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NewClient returns a configured client, or nil when Redis is disabled.
// Consumers treat a nil client as "feature unavailable" and degrade.
func NewClient(cfg config.Config, log *zap.Logger) *redis.Client {
	if !cfg.RedisEnabled {
		log.Warn("redis disabled; queue and rate limiting run in degraded in-process mode")
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     strings.TrimSpace(cfg.RedisAddr),
		Password: strings.TrimSpace(cfg.RedisPassword),
		DB:       cfg.RedisDB,
	})
}

func registerHooks(lc fx.Lifecycle, client *redis.Client) {
	if client == nil {
		return
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			_ = ctx
			return client.Close()
		},
	})
}

var Module = fx.Module("redis",
	fx.Provide(NewClient),
	fx.Invoke(registerHooks),
)
