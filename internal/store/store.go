// Package store provides the counter store the rate limiting strategies keep
// their bucket state in. RedisStore shares state across processes, MemoryStore
// is the single-process fallback and FailoverStore switches from the former to
// the latter when Redis stops answering.
package store

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"
)

var (
	ErrFailedToParseRedisConnString = errors.New("failed to parse redis connection string")
	ErrRedisNotReady                = errors.New("redis did not become ready within the given time period")
	ErrWrongType                    = errors.New("operation against a key holding the wrong kind of value")
	ErrNotInteger                   = errors.New("value is not an integer")
)

// Member is a sorted set entry.
type Member struct {
	Member string
	Score  float64
}

// Store is the set of atomic primitives the strategies are built on.
// Every method must be safe for concurrent use.
type Store interface {
	// Increment adds one to the counter at key and returns the new value.
	// The expiry is set to window only when the key is created.
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)

	// ResetTime returns when the window of key closes, or now+window when the
	// key does not exist or has no expiry. It does not modify the key.
	ResetTime(ctx context.Context, key string, window time.Duration) (time.Time, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	// ZRemRangeByScore removes members with min <= score <= max.
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error)
	ZCard(ctx context.Context, key string) (int64, error)
	// ZRange returns members ordered by ascending score, start and stop are
	// inclusive indexes and may be negative as in Redis.
	ZRange(ctx context.Context, key string, start, stop int64) ([]Member, error)

	// Get returns the string at key. found is false when the key is absent.
	Get(ctx context.Context, key string) (value string, found bool, err error)
	// Set stores value at key. A zero ttl keeps the key forever.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Keys lists keys matching a Redis glob pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)
	Del(ctx context.Context, keys ...string) (int64, error)

	Ping(ctx context.Context) error
	// MemoryUsage is a human readable estimate of the memory the store holds.
	MemoryUsage(ctx context.Context) (string, error)
	// Name identifies the backend in logs, stats and health reports.
	Name() string
	Close() error
}

// formatScore renders a score the way Redis range arguments expect it.
func formatScore(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "+inf"
	case math.IsInf(f, -1):
		return "-inf"
	default:
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
}
