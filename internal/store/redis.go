package store

import (
	"bufio"
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var _ Store = &RedisStore{}

// RedisStore implements Store on a Redis server. Atomicity of each primitive is
// delegated to Redis, which is what lets several API instances share quotas.
type RedisStore struct {
	client        redis.UniversalClient
	now           func() time.Time
	scanBatchSize int64
}

// RedisStoreOption configures a RedisStore.
type RedisStoreOption func(*RedisStore)

// WithRedisClock sets the time source used to turn TTLs into reset times.
func WithRedisClock(now func() time.Time) RedisStoreOption {
	return func(s *RedisStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewRedisStore(client redis.UniversalClient, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{
		client:        client,
		now:           time.Now,
		scanBatchSize: 1000,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Increment runs INCR and PTTL in one pipeline and sets the expiry only when
// the key has none, so a steady stream of requests never extends the window.
func (s *RedisStore) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	p := s.client.Pipeline()
	incrResult := p.Incr(ctx, key)
	ttlResult := p.PTTL(ctx, key)

	if _, err := p.Exec(ctx); err != nil {
		return 0, err
	}

	count, err := incrResult.Result()
	if err != nil {
		return 0, err
	}

	// PTTL reports -1 for a key without expiry and -2 for a missing key
	ttl, err := ttlResult.Result()
	if err != nil || ttl < 0 {
		if err := s.client.PExpire(ctx, key, window).Err(); err != nil {
			return 0, err
		}
	}
	return count, nil
}

func (s *RedisStore) ResetTime(ctx context.Context, key string, window time.Duration) (time.Time, error) {
	ttl, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return time.Time{}, err
	}
	now := s.now()
	if ttl < 0 {
		return now.Add(window), nil
	}
	return now.Add(ttl), nil
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (s *RedisStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	return s.client.ZRemRangeByScore(ctx, key, formatScore(min), formatScore(max)).Result()
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	return s.client.ZCard(ctx, key).Result()
}

func (s *RedisStore) ZRange(ctx context.Context, key string, start, stop int64) ([]Member, error) {
	zs, err := s.client.ZRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, err
	}
	members := make([]Member, 0, len(zs))
	for _, z := range zs {
		m, _ := z.Member.(string)
		members = append(members, Member{Member: m, Score: z.Score})
	}
	return members, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.PExpire(ctx, key, ttl).Err()
}

// Keys walks the keyspace with SCAN to avoid blocking Redis.
func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys := make([]string, 0)
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, s.scanBatchSize).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	return s.client.Del(ctx, keys...).Result()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// MemoryUsage reports used_memory_human from INFO memory.
func (s *RedisStore) MemoryUsage(ctx context.Context) (string, error) {
	info, err := s.client.Info(ctx, "memory").Result()
	if err != nil {
		return "", err
	}
	sc := bufio.NewScanner(strings.NewReader(info))
	for sc.Scan() {
		if v, ok := strings.CutPrefix(strings.TrimSpace(sc.Text()), "used_memory_human:"); ok {
			return v, nil
		}
	}
	return "unknown", nil
}

func (s *RedisStore) Name() string {
	return "redis"
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
