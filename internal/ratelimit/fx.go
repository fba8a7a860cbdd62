package ratelimit

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/minipass/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("rate.limit",
	fx.Provide(New),
)

// New shares buckets through Redis when REDIS_ADDR is set, otherwise keeps them in memory.
func New(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) Limiter {
	if !cfg.Redis.Enabled() {
		log.Info("redis not configured, using in-process rate limiter")
		return NewLocal()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})
	return NewTokenBucket(client)
}
