package db

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// startupTimeout bounds how long New and NewRedis keep retrying.
const startupTimeout = 30 * time.Second

// NewRedis connects to the Redis used for cross-process fan-out.
func NewRedis(ctx context.Context, redisURL string, logger *zap.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	if err := retry(ctx, "redis", logger, func() error { return client.Ping(ctx).Err() }); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	logger.Info("redis connection established", zap.String("addr", opts.Addr), zap.Int("db", opts.DB))
	return client, nil
}

func retry(ctx context.Context, name string, logger *zap.Logger, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = startupTimeout

	return backoff.RetryNotify(op, backoff.WithContext(bo, ctx), func(err error, wait time.Duration) {
		logger.Warn("dependency not ready, retrying",
			zap.String("dependency", name),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
}
