// Package strategy implements the throttling algorithms: fixed window,
// sliding window, token bucket and leaky bucket. Each one keeps its bucket
// state in a store.Store and is a function of (key, window, limit) to a
// decision.
package strategy

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"
)

// Key namespaces per strategy. Fixed window uses the bare key.
const (
	SlidingPrefix = "sliding:"
	TokenPrefix   = "token:"
	LeakyPrefix   = "leaky:"
)

// DefaultRate is the refill rate of token buckets and the leak rate of leaky
// buckets, per second, when a request does not set one.
const DefaultRate = 1.0

type Request struct {
	Key    string
	Limit  int64
	Window time.Duration
	// Rate is tokens per second for token bucket and requests per second for
	// leaky bucket. Ignored by the window strategies.
	Rate float64
}

type State uint32

const (
	Deny State = iota
	Allow
)

func (s State) String() string {
	if s == Allow {
		return "Allow"
	}
	return "Deny"
}

type Result struct {
	State     State
	Limit     int64
	Remaining int64
	// Reset is when the quota of the key is available again.
	Reset time.Time
	// RetryAfter is the number of seconds to wait, set only on Deny.
	RetryAfter int64
}

func (r *Result) Allowed() bool {
	return r.State == Allow
}

type Strategy interface {
	Run(ctx context.Context, r *Request) (*Result, error)
}

// retryAfterSeconds rounds the wait up to whole seconds, never below one.
func retryAfterSeconds(d time.Duration) int64 {
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

func rateOrDefault(rate float64) float64 {
	if rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		return DefaultRate
	}
	return rate
}

// bucketTTL keeps a bucket at least until it would be back at its resting
// level, so expiry never changes a decision.
func bucketTTL(limit int64, rate float64, window time.Duration) time.Duration {
	drain := time.Duration(math.Ceil(float64(limit)/rate*1000)) * time.Millisecond
	return max(window, drain)
}

// formatBucket encodes bucket state as "<value>:<unix ms>".
func formatBucket(value float64, at time.Time) string {
	return strconv.FormatFloat(value, 'f', -1, 64) + ":" + strconv.FormatInt(at.UnixMilli(), 10)
}

func parseBucket(raw string) (float64, time.Time, bool) {
	i := strings.LastIndexByte(raw, ':')
	if i < 0 {
		return 0, time.Time{}, false
	}
	value, err := strconv.ParseFloat(raw[:i], 64)
	if err != nil || math.IsNaN(value) {
		return 0, time.Time{}, false
	}
	ms, err := strconv.ParseInt(raw[i+1:], 10, 64)
	if err != nil {
		return 0, time.Time{}, false
	}
	return value, time.UnixMilli(ms), true
}

// elapsedSince returns the non-negative time between last and now. A clock
// that moved backwards counts as no time passing.
func elapsedSince(last, now time.Time) time.Duration {
	if now.Before(last) {
		return 0
	}
	return now.Sub(last)
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
