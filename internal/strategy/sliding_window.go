package strategy

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lowc1012/estate-ratelimiter/internal/log"
	"github.com/lowc1012/estate-ratelimiter/internal/store"
)

var _ Strategy = &slidingWindowStrategy{}

type slidingWindowStrategy struct {
	store store.Store
	now   func() time.Time
}

// NewSlidingWindowStrategy keeps one sorted set entry per request, scored by
// its timestamp in milliseconds, and counts the entries of the trailing window.
func NewSlidingWindowStrategy(s store.Store, now func() time.Time) *slidingWindowStrategy {
	if now == nil {
		now = time.Now
	}
	return &slidingWindowStrategy{
		store: s,
		now:   now,
	}
}

// Run records the attempt before counting, so the decision reflects the state
// after admitting it. Rejected attempts stay in the window as well.
func (s *slidingWindowStrategy) Run(ctx context.Context, r *Request) (*Result, error) {
	key := SlidingPrefix + r.Key
	now := s.now()
	nowMs := now.UnixMilli()

	// the uuid suffix keeps requests of the same millisecond apart
	member := strconv.FormatInt(nowMs, 10) + ":" + uuid.NewString()
	if err := s.store.ZAdd(ctx, key, float64(nowMs), member); err != nil {
		log.Logger().Error("Failed to add item to key", zap.String("key", key), zap.Error(err))
		return nil, err
	}

	// drop everything scored below now-window
	cutoff := nowMs - r.Window.Milliseconds()
	if _, err := s.store.ZRemRangeByScore(ctx, key, math.Inf(-1), float64(cutoff-1)); err != nil {
		log.Logger().Error("Failed to remove items from key", zap.String("key", key), zap.Error(err))
		return nil, err
	}

	count, err := s.store.ZCard(ctx, key)
	if err != nil {
		log.Logger().Error("Failed to count items for key", zap.String("key", key), zap.Error(err))
		return nil, err
	}

	if err := s.store.Expire(ctx, key, r.Window); err != nil {
		log.Logger().Error("Failed to set an expiration to key", zap.String("key", key), zap.Error(err))
		return nil, err
	}

	resetAt := now.Add(r.Window)
	oldest, err := s.store.ZRange(ctx, key, 0, 0)
	if err != nil {
		log.Logger().Error("Failed to read oldest item for key", zap.String("key", key), zap.Error(err))
		return nil, err
	}
	if len(oldest) > 0 {
		resetAt = time.UnixMilli(int64(oldest[0].Score)).Add(r.Window)
	}

	result := &Result{
		State:     Allow,
		Limit:     r.Limit,
		Remaining: max(0, r.Limit-count),
		Reset:     resetAt,
	}
	if count > r.Limit {
		result.State = Deny
		result.RetryAfter = retryAfterSeconds(resetAt.Sub(now))
	}
	return result, nil
}
