package strategy

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lowc1012/estate-ratelimiter/internal/log"
	"github.com/lowc1012/estate-ratelimiter/internal/store"
)

// ensure that fixedWindowStrategy satisfies the interface Strategy
var _ Strategy = &fixedWindowStrategy{}

type fixedWindowStrategy struct {
	store   store.Store
	timeNow func() time.Time
}

// NewFixedWindowStrategy counts requests in windows that start with the first
// request for a key and close Window later.
func NewFixedWindowStrategy(s store.Store, now func() time.Time) *fixedWindowStrategy {
	if now == nil {
		now = time.Now
	}
	return &fixedWindowStrategy{
		store:   s,
		timeNow: now,
	}
}

// Run admits the request while the window count is at most Limit. The request
// that brings the count to Limit is the last one admitted.
func (c *fixedWindowStrategy) Run(ctx context.Context, r *Request) (*Result, error) {
	totalRequests, err := c.store.Increment(ctx, r.Key, r.Window)
	if err != nil {
		log.Logger().Error("Failed to increase key", zap.String("key", r.Key), zap.Error(err))
		return nil, err
	}

	resetAt, err := c.store.ResetTime(ctx, r.Key, r.Window)
	if err != nil {
		log.Logger().Error("Failed to read window expiry", zap.String("key", r.Key), zap.Error(err))
		return nil, err
	}

	result := &Result{
		State:     Allow,
		Limit:     r.Limit,
		Remaining: max(0, r.Limit-totalRequests),
		Reset:     resetAt,
	}
	if totalRequests > r.Limit {
		result.State = Deny
		result.RetryAfter = retryAfterSeconds(resetAt.Sub(c.timeNow()))
	}
	return result, nil
}
