package strategy

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/lowc1012/estate-ratelimiter/internal/log"
	"github.com/lowc1012/estate-ratelimiter/internal/store"
)

var _ Strategy = &leakyBucketStrategy{}

// leakyBucketStrategy fills a bucket by one unit per admitted request and
// drains it at Rate units per second. Requests are refused while the bucket
// holds Limit units, which smooths admission to a constant rate regardless of
// burst size.
//
// Like the token bucket, the update is a plain read-modify-write and may
// over-admit when requests for the same key race.
type leakyBucketStrategy struct {
	store store.Store
	now   func() time.Time
}

func NewLeakyBucketStrategy(s store.Store, now func() time.Time) *leakyBucketStrategy {
	if now == nil {
		now = time.Now
	}
	return &leakyBucketStrategy{
		store: s,
		now:   now,
	}
}

func (b *leakyBucketStrategy) Run(ctx context.Context, r *Request) (*Result, error) {
	key := LeakyPrefix + r.Key
	rate := rateOrDefault(r.Rate)
	capacity := float64(r.Limit)
	now := b.now()

	raw, found, err := b.store.Get(ctx, key)
	if err != nil {
		log.Logger().Error("Failed to get bucket record", zap.String("key", key), zap.Error(err))
		return nil, err
	}

	waterLevel, lastLeak := 0.0, now
	if found {
		if v, at, ok := parseBucket(raw); ok {
			waterLevel, lastLeak = v, at
		} else {
			log.Logger().Warn("Discarding malformed bucket record", zap.String("key", key), zap.String("value", raw))
		}
	}

	waterLevel = clamp(waterLevel-elapsedSince(lastLeak, now).Seconds()*rate, 0, capacity)

	state := Deny
	if waterLevel < capacity {
		waterLevel = math.Min(waterLevel+1, capacity)
		state = Allow
	}

	stamp := now
	if lastLeak.After(now) {
		stamp = lastLeak
	}
	if err := b.store.Set(ctx, key, formatBucket(waterLevel, stamp), bucketTTL(r.Limit, rate, r.Window)); err != nil {
		log.Logger().Error("Failed to save bucket record", zap.String("key", key), zap.Error(err))
		return nil, err
	}

	result := &Result{
		State:     state,
		Limit:     r.Limit,
		Remaining: int64(math.Floor(capacity - waterLevel)),
		// the bucket is empty again once the current level has drained
		Reset: now.Add(secondsToDuration(waterLevel / rate)),
	}
	if state == Deny {
		result.RetryAfter = retryAfterSeconds(secondsToDuration((waterLevel - capacity + 1) / rate))
	}
	return result, nil
}
