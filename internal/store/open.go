package store

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lowc1012/estate-ratelimiter/internal/config"
)

// Open selects the counter store once at startup. With no Redis configured, or
// with Redis unreachable, it logs a warning and returns a MemoryStore so the
// API keeps serving with per-process limits. It never fails startup.
func Open(ctx context.Context, cfg config.RedisConfig, retryAfter time.Duration, logger *zap.Logger) Store {
	if cfg.URL == "" && cfg.Host == "" {
		logger.Warn("No Redis configured, rate limiting uses the in-memory store")
		return NewMemoryStore()
	}

	client, err := Connect(ctx, cfg)
	if err != nil {
		logger.Warn("Redis unavailable, rate limiting uses the in-memory store", zap.Error(err))
		return NewMemoryStore()
	}

	logger.Info("Connected to Redis counter store", zap.String("addr", client.Options().Addr))
	return NewFailoverStore(NewRedisStore(client), NewMemoryStore(),
		WithRetryAfter(retryAfter),
		WithFailoverLogger(logger),
	)
}

// Connect creates a Redis client from cfg and pings it, retrying up to
// RetryAttempts times within ConnectTimeout.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redisOptions(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	attempts := max(cfg.RetryAttempts, 1)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		client := redis.NewClient(opts)
		if lastErr = client.Ping(ctx).Err(); lastErr == nil {
			return client, nil
		}
		_ = client.Close()
		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrRedisNotReady, ctx.Err())
		case <-time.After(cfg.RetryInterval):
		}
	}
	return nil, errors.Join(ErrRedisNotReady, lastErr)
}

func redisOptions(cfg config.RedisConfig) (*redis.Options, error) {
	var opts *redis.Options
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, errors.Join(ErrFailedToParseRedisConnString, err)
		}
		opts = parsed
	} else {
		port := cfg.Port
		if port == 0 {
			port = 6379
		}
		opts = &redis.Options{
			Addr:     net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}

	if cfg.ConnectTimeout > 0 {
		opts.DialTimeout = cfg.ConnectTimeout
	}
	if cfg.CommandTimeout > 0 {
		opts.ReadTimeout = cfg.CommandTimeout
		opts.WriteTimeout = cfg.CommandTimeout
	}
	opts.MaxRetries = 1
	return opts, nil
}
