package strategy

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/lowc1012/estate-ratelimiter/internal/log"
	"github.com/lowc1012/estate-ratelimiter/internal/store"
)

var _ Strategy = &tokenBucketStrategy{}

// tokenBucketStrategy regulates the flow of requests using a token bucket.
// Each request consumes a token, the bucket refills at Rate tokens per second
// up to Limit. Bursts of up to Limit requests pass while the long-run average
// stays at Rate.
//
// The read-modify-write of the bucket is not atomic: two concurrent requests
// for the same key can read the same state and both be admitted. Under heavy
// same-key concurrency the bucket may over-admit slightly.
type tokenBucketStrategy struct {
	store store.Store
	now   func() time.Time
}

func NewTokenBucketStrategy(s store.Store, now func() time.Time) *tokenBucketStrategy {
	if now == nil {
		now = time.Now
	}
	return &tokenBucketStrategy{
		store: s,
		now:   now,
	}
}

func (b *tokenBucketStrategy) Run(ctx context.Context, r *Request) (*Result, error) {
	key := TokenPrefix + r.Key
	rate := rateOrDefault(r.Rate)
	capacity := float64(r.Limit)
	now := b.now()

	raw, found, err := b.store.Get(ctx, key)
	if err != nil {
		log.Logger().Error("Failed to get bucket record", zap.String("key", key), zap.Error(err))
		return nil, err
	}

	// a new bucket starts full
	tokens, lastRefill := capacity, now
	if found {
		if v, at, ok := parseBucket(raw); ok {
			tokens, lastRefill = v, at
		} else {
			log.Logger().Warn("Discarding malformed bucket record", zap.String("key", key), zap.String("value", raw))
		}
	}

	tokens = clamp(tokens+elapsedSince(lastRefill, now).Seconds()*rate, 0, capacity)

	state := Deny
	if tokens >= 1 {
		tokens--
		state = Allow
	}

	stamp := now
	if lastRefill.After(now) {
		stamp = lastRefill
	}
	if err := b.store.Set(ctx, key, formatBucket(tokens, stamp), bucketTTL(r.Limit, rate, r.Window)); err != nil {
		log.Logger().Error("Failed to save bucket record", zap.String("key", key), zap.Error(err))
		return nil, err
	}

	whole := math.Floor(tokens)
	result := &Result{
		State:     state,
		Limit:     r.Limit,
		Remaining: int64(whole),
		Reset:     now,
	}
	if tokens < capacity {
		// time until the next whole token accrues
		result.Reset = now.Add(secondsToDuration((whole + 1 - tokens) / rate))
	}
	if state == Deny {
		result.RetryAfter = retryAfterSeconds(secondsToDuration((1 - tokens) / rate))
	}
	return result, nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(math.Ceil(s * float64(time.Second)))
}
