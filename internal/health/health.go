// Package health aggregates dependency checks into one report. Checks run in
// parallel, each raced against a timeout, and the report is cached briefly so
// frequent polling does not hammer the dependencies.
package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lowc1012/estate-ratelimiter/internal/log"
	"github.com/lowc1012/estate-ratelimiter/internal/metrics"
)

var (
	ErrHealthcheckFailed = errors.New("healthcheck failed")
	ErrCheckTimeout      = errors.New("check timed out")
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// CheckFunc reports a dependency as unhealthy by returning an error.
type CheckFunc func(ctx context.Context) error

type CheckResult struct {
	Status     Status `json:"status"`
	DurationMs int64  `json:"durationMs"`
	Error      string `json:"error,omitempty"`
}

type Report struct {
	Status    Status                 `json:"status"`
	Checks    map[string]CheckResult `json:"checks"`
	Timestamp time.Time              `json:"timestamp"`
}

type namedCheck struct {
	name string
	fn   CheckFunc
}

type Checker struct {
	timeout time.Duration
	ttl     time.Duration
	now     func() time.Time
	logger  *zap.Logger

	checks []namedCheck

	mu       sync.Mutex
	cached   *Report
	cachedAt time.Time
}

type Option func(*Checker)

// WithTimeout bounds every single check. Defaults to 5s, non-positive values
// keep the default.
func WithTimeout(d time.Duration) Option {
	return func(c *Checker) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithCacheTTL sets how long a report is reused. Zero disables caching.
func WithCacheTTL(d time.Duration) Option {
	return func(c *Checker) {
		c.ttl = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Checker) {
		c.now = now
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Checker) {
		c.logger = l
	}
}

func NewChecker(opts ...Option) *Checker {
	c := &Checker{
		timeout: 5 * time.Second,
		ttl:     5 * time.Second,
		now:     time.Now,
		logger:  log.Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds a named check. It must be called before Check.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.checks = append(c.checks, namedCheck{name: name, fn: fn})
}

// Check runs every check and returns the aggregated report, or the cached one
// while it is fresh.
func (c *Checker) Check(ctx context.Context) Report {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.cached != nil && now.Sub(c.cachedAt) < c.ttl {
		return *c.cached
	}

	results := make([]CheckResult, len(c.checks))
	var g errgroup.Group
	for i, chk := range c.checks {
		i, chk := i, chk
		g.Go(func() error {
			results[i] = c.run(ctx, chk)
			return nil
		})
	}
	_ = g.Wait()

	report := Report{
		Status:    StatusHealthy,
		Checks:    make(map[string]CheckResult, len(c.checks)),
		Timestamp: now.UTC(),
	}
	for i, chk := range c.checks {
		report.Checks[chk.name] = results[i]
		if results[i].Status != StatusHealthy {
			report.Status = StatusUnhealthy
		}
	}

	c.cached = &report
	c.cachedAt = now
	return report
}

func (c *Checker) run(ctx context.Context, chk namedCheck) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- chk.fn(ctx)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = fmt.Errorf("%w after %s", ErrCheckTimeout, c.timeout)
	}
	elapsed := time.Since(start)

	res := CheckResult{Status: StatusHealthy, DurationMs: elapsed.Milliseconds()}
	if err != nil {
		res.Status = StatusUnhealthy
		res.Error = err.Error()
		c.logger.Warn("Health check failed", zap.String("check", chk.name), zap.Error(err))
	}
	metrics.HealthCheckDuration.WithLabelValues(chk.name, string(res.Status)).Observe(elapsed.Seconds())
	return res
}

// Handler serves the report as JSON, 200 when healthy and 503 otherwise.
func (c *Checker) Handler(w http.ResponseWriter, r *http.Request) {
	report := c.Check(r.Context())

	status := http.StatusOK
	if report.Status != StatusHealthy {
		status = http.StatusServiceUnavailable
	}

	data, err := json.Marshal(report)
	if err != nil {
		c.logger.Error("Failed to marshal health report", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping checks a dependency through its Ping method.
func Ping(p Pinger) CheckFunc {
	return func(ctx context.Context) error {
		if err := p.Ping(ctx); err != nil {
			return errors.Join(ErrHealthcheckFailed, err)
		}
		return nil
	}
}
