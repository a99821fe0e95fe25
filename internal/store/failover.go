package store

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/lowc1012/estate-ratelimiter/internal/log"
	"github.com/lowc1012/estate-ratelimiter/internal/metrics"
)

var _ Store = &FailoverStore{}

// FailoverStore sends every call to the primary store through a circuit
// breaker and serves it from the fallback store when the primary fails or the
// breaker is open. While the breaker is open quotas are only enforced per
// process; after the retry timeout a trial call goes to the primary again.
type FailoverStore struct {
	primary  Store
	fallback Store
	cb       *gobreaker.CircuitBreaker[any]
	logger   *zap.Logger
}

// FailoverOption configures a FailoverStore.
type FailoverOption func(*failoverConfig)

type failoverConfig struct {
	retryAfter       time.Duration
	failureThreshold uint32
	logger           *zap.Logger
}

// WithRetryAfter sets how long the breaker stays open before the primary is
// tried again.
func WithRetryAfter(d time.Duration) FailoverOption {
	return func(c *failoverConfig) {
		if d > 0 {
			c.retryAfter = d
		}
	}
}

// WithFailureThreshold sets the consecutive failures that open the breaker.
func WithFailureThreshold(n uint32) FailoverOption {
	return func(c *failoverConfig) {
		if n > 0 {
			c.failureThreshold = n
		}
	}
}

func WithFailoverLogger(l *zap.Logger) FailoverOption {
	return func(c *failoverConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

func NewFailoverStore(primary, fallback Store, opts ...FailoverOption) *FailoverStore {
	cfg := &failoverConfig{
		retryAfter:       30 * time.Second,
		failureThreshold: 1,
		logger:           log.Logger(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	f := &FailoverStore{
		primary:  primary,
		fallback: fallback,
		logger:   cfg.logger,
	}
	f.cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        primary.Name(),
		MaxRequests: 1,
		Timeout:     cfg.retryAfter,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.failureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			switch to {
			case gobreaker.StateOpen:
				f.logger.Warn("Counter store unavailable, using in-memory fallback",
					zap.String("store", name), zap.String("fallback", fallback.Name()))
			case gobreaker.StateClosed:
				f.logger.Info("Counter store recovered", zap.String("store", name))
			}
		},
	})
	return f
}

// Active returns the name of the store currently serving calls.
func (f *FailoverStore) Active() string {
	if f.cb.State() == gobreaker.StateOpen {
		return f.fallback.Name()
	}
	return f.primary.Name()
}

// call runs op against the primary through the breaker and against the
// fallback when that fails. Errors of a cancelled caller are returned as is.
func call[T any](ctx context.Context, f *FailoverStore, name string, op func(Store) (T, error)) (T, error) {
	v, err := f.cb.Execute(func() (any, error) {
		return op(f.primary)
	})
	if err == nil {
		res, _ := v.(T)
		return res, nil
	}
	if ctx.Err() != nil {
		var zero T
		return zero, ctx.Err()
	}

	if !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests) {
		f.logger.Debug("Counter store call failed", zap.String("op", name), zap.Error(err))
	}
	metrics.StoreFallbacks.WithLabelValues(name).Inc()
	return op(f.fallback)
}

func (f *FailoverStore) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	return call(ctx, f, "increment", func(s Store) (int64, error) {
		return s.Increment(ctx, key, window)
	})
}

func (f *FailoverStore) ResetTime(ctx context.Context, key string, window time.Duration) (time.Time, error) {
	return call(ctx, f, "reset_time", func(s Store) (time.Time, error) {
		return s.ResetTime(ctx, key, window)
	})
}

func (f *FailoverStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	_, err := call(ctx, f, "zadd", func(s Store) (struct{}, error) {
		return struct{}{}, s.ZAdd(ctx, key, score, member)
	})
	return err
}

func (f *FailoverStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	return call(ctx, f, "zremrangebyscore", func(s Store) (int64, error) {
		return s.ZRemRangeByScore(ctx, key, min, max)
	})
}

func (f *FailoverStore) ZCard(ctx context.Context, key string) (int64, error) {
	return call(ctx, f, "zcard", func(s Store) (int64, error) {
		return s.ZCard(ctx, key)
	})
}

func (f *FailoverStore) ZRange(ctx context.Context, key string, start, stop int64) ([]Member, error) {
	return call(ctx, f, "zrange", func(s Store) ([]Member, error) {
		return s.ZRange(ctx, key, start, stop)
	})
}

type getResult struct {
	value string
	found bool
}

func (f *FailoverStore) Get(ctx context.Context, key string) (string, bool, error) {
	r, err := call(ctx, f, "get", func(s Store) (getResult, error) {
		v, ok, err := s.Get(ctx, key)
		return getResult{value: v, found: ok}, err
	})
	return r.value, r.found, err
}

func (f *FailoverStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := call(ctx, f, "set", func(s Store) (struct{}, error) {
		return struct{}{}, s.Set(ctx, key, value, ttl)
	})
	return err
}

func (f *FailoverStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := call(ctx, f, "expire", func(s Store) (struct{}, error) {
		return struct{}{}, s.Expire(ctx, key, ttl)
	})
	return err
}

func (f *FailoverStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	return call(ctx, f, "keys", func(s Store) ([]string, error) {
		return s.Keys(ctx, pattern)
	})
}

func (f *FailoverStore) Del(ctx context.Context, keys ...string) (int64, error) {
	return call(ctx, f, "del", func(s Store) (int64, error) {
		return s.Del(ctx, keys...)
	})
}

// Ping checks the primary directly so health reports show a Redis outage
// even while the fallback keeps serving.
func (f *FailoverStore) Ping(ctx context.Context) error {
	return f.primary.Ping(ctx)
}

func (f *FailoverStore) MemoryUsage(ctx context.Context) (string, error) {
	return call(ctx, f, "memory_usage", func(s Store) (string, error) {
		return s.MemoryUsage(ctx)
	})
}

func (f *FailoverStore) Name() string {
	return f.primary.Name() + "+" + f.fallback.Name()
}

func (f *FailoverStore) Close() error {
	return errors.Join(f.primary.Close(), f.fallback.Close())
}
