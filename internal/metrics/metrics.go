package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RateLimitDecisions counts evaluated requests by strategy and outcome
	// ("allow" or "deny").
	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_decisions_total",
			Help: "Total number of rate limit decisions",
		},
		[]string{"strategy", "result"},
	)

	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_rejections_total",
			Help: "Total number of requests rejected with 429 per rule path",
		},
		[]string{"path"},
	)

	// RateLimitFailOpen counts requests let through because evaluation failed.
	RateLimitFailOpen = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_fail_open_total",
			Help: "Total number of requests admitted because the limiter errored",
		},
		[]string{"strategy"},
	)

	RateLimitBypassed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_bypassed_total",
			Help: "Total number of requests that skipped rate limiting",
		},
		[]string{"reason"}, // "ip", "dev_test"
	)

	StoreFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_store_fallbacks_total",
			Help: "Total number of counter store calls served by the in-memory fallback",
		},
		[]string{"operation"},
	)

	HealthCheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "health_check_duration_seconds",
			Help:    "Duration of individual health checks",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"check", "status"},
	)
)

// RecordDecision records the outcome of one strategy evaluation.
func RecordDecision(strategy string, allowed bool) {
	result := "deny"
	if allowed {
		result = "allow"
	}
	RateLimitDecisions.WithLabelValues(strategy, result).Inc()
}
