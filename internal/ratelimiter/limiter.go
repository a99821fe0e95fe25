package ratelimiter

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lowc1012/estate-ratelimiter/internal/log"
	"github.com/lowc1012/estate-ratelimiter/internal/metrics"
	"github.com/lowc1012/estate-ratelimiter/internal/store"
	"github.com/lowc1012/estate-ratelimiter/internal/strategy"
)

// namespaces maps the key prefix each strategy stores its buckets under.
// Fixed window buckets live under the bare key.
var namespaces = []struct {
	prefix string
	typ    Type
}{
	{strategy.SlidingPrefix, SlidingWindowLimiterType},
	{strategy.TokenPrefix, TokenBucketLimiterType},
	{strategy.LeakyPrefix, LeakyBucketLimiterType},
}

// Limiter evaluates rules against the strategy registered for their type.
type Limiter struct {
	store      store.Store
	strategies map[Type]strategy.Strategy
	logger     *zap.Logger
}

type LimiterOption func(*limiterOptions)

type limiterOptions struct {
	now    func() time.Time
	logger *zap.Logger
}

func WithClock(now func() time.Time) LimiterOption {
	return func(o *limiterOptions) {
		o.now = now
	}
}

func WithLogger(l *zap.Logger) LimiterOption {
	return func(o *limiterOptions) {
		o.logger = l
	}
}

// NewLimiter registers the four built-in strategies over s.
func NewLimiter(s store.Store, opts ...LimiterOption) *Limiter {
	o := limiterOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = log.Logger()
	}

	l := &Limiter{
		store:      s,
		strategies: make(map[Type]strategy.Strategy, len(typeNames)),
		logger:     o.logger,
	}
	l.Register(FixedWindowLimiterType, strategy.NewFixedWindowStrategy(s, o.now))
	l.Register(SlidingWindowLimiterType, strategy.NewSlidingWindowStrategy(s, o.now))
	l.Register(TokenBucketLimiterType, strategy.NewTokenBucketStrategy(s, o.now))
	l.Register(LeakyBucketLimiterType, strategy.NewLeakyBucketStrategy(s, o.now))
	return l
}

// Register sets the strategy for t. It must be called before the limiter
// serves requests.
func (l *Limiter) Register(t Type, s strategy.Strategy) {
	l.strategies[t] = s
}

// Evaluate runs the rule's strategy for key. Exceeding the quota is a Deny
// result, not an error.
func (l *Limiter) Evaluate(ctx context.Context, rule Rule, key string) (*strategy.Result, error) {
	s, ok := l.strategies[rule.Strategy]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, rule.Strategy)
	}

	res, err := s.Run(ctx, &strategy.Request{
		Key:    key,
		Limit:  rule.Max,
		Window: rule.Window,
		Rate:   rule.Rate,
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordDecision(rule.Strategy.String(), res.Allowed())
	return res, nil
}

func (l *Limiter) Store() store.Store {
	return l.store
}

type Stats struct {
	Store        string         `json:"store"`
	TotalKeys    int            `json:"totalKeys"`
	KeysByType   map[string]int `json:"keysByType"`
	KeysByPrefix map[string]int `json:"keysByPrefix"`
	MemoryUsage  string         `json:"memoryUsage"`
}

// Stats counts the live bucket keys by strategy and by key prefix.
func (l *Limiter) Stats(ctx context.Context) (*Stats, error) {
	keys, err := l.store.Keys(ctx, "*")
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		Store:        l.store.Name(),
		TotalKeys:    len(keys),
		KeysByType:   make(map[string]int, len(typeNames)),
		KeysByPrefix: make(map[string]int),
	}
	for _, name := range typeNames {
		stats.KeysByType[name] = 0
	}

	for _, key := range keys {
		typ, rest := classifyKey(key)
		stats.KeysByType[typ.String()]++

		prefix, _, _ := strings.Cut(rest, ":")
		stats.KeysByPrefix[prefix]++
	}

	usage, err := l.store.MemoryUsage(ctx)
	if err != nil {
		l.logger.Warn("Failed to read store memory usage", zap.String("store", stats.Store), zap.Error(err))
		usage = "unknown"
	}
	stats.MemoryUsage = usage
	return stats, nil
}

func classifyKey(key string) (Type, string) {
	for _, ns := range namespaces {
		if rest, ok := strings.CutPrefix(key, ns.prefix); ok {
			return ns.typ, rest
		}
	}
	return FixedWindowLimiterType, key
}

// Reset deletes every bucket matching pattern in all strategy namespaces and
// returns the number of deleted keys.
func (l *Limiter) Reset(ctx context.Context, pattern string) (int64, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return 0, ErrEmptyPattern
	}

	patterns := []string{pattern}
	for _, ns := range namespaces {
		if !strings.HasPrefix(pattern, ns.prefix) {
			patterns = append(patterns, ns.prefix+pattern)
		}
	}

	seen := make(map[string]struct{})
	for _, p := range patterns {
		keys, err := l.store.Keys(ctx, p)
		if err != nil {
			return 0, err
		}
		for _, k := range keys {
			seen[k] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return 0, nil
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	deleted, err := l.store.Del(ctx, keys...)
	if err != nil {
		return 0, err
	}
	l.logger.Info("Rate limit keys reset", zap.String("pattern", pattern), zap.Int64("deleted", deleted))
	return deleted, nil
}
