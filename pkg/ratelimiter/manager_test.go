package ratelimiter

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lowc1012/estate-ratelimiter/internal/config"
	rl "github.com/lowc1012/estate-ratelimiter/internal/ratelimiter"
	"github.com/lowc1012/estate-ratelimiter/internal/store"
	"github.com/lowc1012/estate-ratelimiter/internal/strategy"
	"github.com/lowc1012/estate-ratelimiter/internal/utils"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2022, 5, 10, 9, 15, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	clock      *fakeClock
	store      store.Store
	limiter    *rl.Limiter
	dispatcher *Dispatcher
	calls      int
	handler    http.Handler
}

func newFixture(t *testing.T, env config.Environment, cfg Config, s store.Store) *fixture {
	t.Helper()
	f := &fixture{clock: newFakeClock()}
	if s == nil {
		mem := store.NewMemoryStore(store.WithClock(f.clock.Now), store.WithCleanupInterval(-1))
		t.Cleanup(func() { _ = mem.Close() })
		s = mem
	}
	f.store = s
	f.limiter = rl.NewLimiter(s, rl.WithClock(f.clock.Now))

	cfg.Registry = rl.NewRegistry(env, rl.DefaultRules(), nil)
	cfg.Limiter = f.limiter
	cfg.Logger = zap.NewNop()
	f.dispatcher = NewDispatcher(cfg)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.calls++
		w.WriteHeader(http.StatusOK)
	})
	f.handler = NewHTTPRateLimiterHandler(next, &cfg)
	return f
}

func (f *fixture) do(method, path string, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, path, nil)
	for _, m := range mutate {
		m(r)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	return w
}

func fromIP(ip string) func(*http.Request) {
	return func(r *http.Request) { r.RemoteAddr = net.JoinHostPort(ip, "40000") }
}

func forwardedFor(ip string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("X-Forwarded-For", ip) }
}

func TestHTTPRateLimiterHandler_AllowThenDeny(t *testing.T) {
	f := newFixture(t, config.Production, Config{}, nil)

	for i := 1; i <= 5; i++ {
		w := f.do(http.MethodPost, "/api/v1/auth/login")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, strconv.Itoa(5-i), w.Header().Get("X-RateLimit-Remaining"))
		assert.Equal(t, strconv.FormatInt(f.clock.Now().Add(15*time.Minute).Unix(), 10), w.Header().Get("X-RateLimit-Reset"))
		assert.Empty(t, w.Header().Get("Retry-After"))
	}

	w := f.do(http.MethodPost, "/api/v1/auth/login")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, 5, f.calls)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "900", w.Header().Get("Retry-After"))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body exceededResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.False(t, body.Success)
	assert.Equal(t, ExceededCode, body.Code)
	assert.Equal(t, "Too Many Requests", body.Error)
	assert.Equal(t, "Too many login attempts, please try again after 15 minutes.", body.Message)
	assert.Equal(t, int64(900), body.RetryAfter)

	// another client is unaffected
	w = f.do(http.MethodPost, "/api/v1/auth/login", fromIP("203.0.113.9"))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHTTPRateLimiterHandler_CustomStatusCode(t *testing.T) {
	clock := newFakeClock()
	mem := store.NewMemoryStore(store.WithClock(clock.Now), store.WithCleanupInterval(-1))
	t.Cleanup(func() { _ = mem.Close() })

	rules := rl.ParseRules(`[{"path": "/api/v1/plots", "windowMs": 1000, "max": 1, "statusCode": 503, "message": "busy"}]`, nil)
	handler := NewHTTPRateLimiterHandler(http.NotFoundHandler(), &Config{
		Registry: rl.NewRegistry(config.Production, rules, nil),
		Limiter:  rl.NewLimiter(mem, rl.WithClock(clock.Now)),
	})

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/plots", nil))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/plots", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"message":"busy"`)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestHTTPRateLimiterHandler_NoRulePassesThrough(t *testing.T) {
	f := newFixture(t, config.Production, Config{}, nil)

	w := f.do(http.MethodGet, "/api/v1/plots")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))

	keys, err := f.store.Keys(context.Background(), "*")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestHTTPRateLimiterHandler_BypassList(t *testing.T) {
	f := newFixture(t, config.Production, Config{
		BypassIPs: []string{"10.0.0.0/8", " 198.51.100.20 ", "not-an-ip", "::1"},
	}, nil)

	for _, ip := range []string{"10.20.30.40", "198.51.100.20", "::1"} {
		for i := 0; i < 10; i++ {
			w := f.do(http.MethodPost, "/api/v1/auth/login", fromIP(ip))
			require.Equal(t, http.StatusOK, w.Code, ip)
			assert.Empty(t, w.Header().Get("X-RateLimit-Limit"), ip)
		}
	}

	w := f.do(http.MethodPost, "/api/v1/auth/login", fromIP("198.51.100.21"))
	assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
}

func TestHTTPRateLimiterHandler_SpoofedForwardedForIsLimited(t *testing.T) {
	f := newFixture(t, config.Production, Config{BypassIPs: []string{"10.0.0.1"}}, nil)

	for i := 0; i < 5; i++ {
		w := f.do(http.MethodPost, "/api/v1/auth/login", fromIP("203.0.113.9"), forwardedFor("10.0.0.1"))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
	}
	w := f.do(http.MethodPost, "/api/v1/auth/login", fromIP("203.0.113.9"), forwardedFor("10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, 5, f.calls)
}

func TestHTTPRateLimiterHandler_RotatingForwardedForSharesBucket(t *testing.T) {
	f := newFixture(t, config.Production, Config{}, nil)

	for i := 0; i < 5; i++ {
		w := f.do(http.MethodPost, "/api/v1/auth/login", fromIP("203.0.113.9"), forwardedFor("198.51.100."+strconv.Itoa(i)))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, strconv.Itoa(4-i), w.Header().Get("X-RateLimit-Remaining"))
	}
	w := f.do(http.MethodPost, "/api/v1/auth/login", fromIP("203.0.113.9"), forwardedFor("198.51.100.99"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, 5, f.calls)
}

func TestHTTPRateLimiterHandler_TrustedProxyForwardsClient(t *testing.T) {
	f := newFixture(t, config.Production, Config{
		BypassIPs:      []string{"192.168.7.7"},
		TrustedProxies: []string{"172.16.0.0/12"},
	}, nil)
	proxy := fromIP("172.16.4.2")

	// each forwarded client owns its bucket behind the proxy
	for i := 0; i < 5; i++ {
		require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/v1/auth/login", proxy, forwardedFor("198.51.100.1")).Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, f.do(http.MethodPost, "/api/v1/auth/login", proxy, forwardedFor("198.51.100.1")).Code)

	w := f.do(http.MethodPost, "/api/v1/auth/login", proxy, forwardedFor("198.51.100.2"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "4", w.Header().Get("X-RateLimit-Remaining"))

	// the bypass list applies to the forwarded client
	for i := 0; i < 10; i++ {
		w = f.do(http.MethodPost, "/api/v1/auth/login", proxy, forwardedFor("192.168.7.7"))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
	}

	r := httptest.NewRequest(http.MethodGet, "/p", nil)
	proxy(r)
	forwardedFor("198.51.100.3")(r)
	assert.Equal(t, "rl:198.51.100.3:/p", f.dispatcher.Key(r, rl.Rule{Path: "/p", Scope: rl.ScopeIP}))
}

func TestHTTPRateLimiterHandler_DevTestToken(t *testing.T) {
	withToken := func(r *http.Request) { r.Header.Set(DevTestHeader, "let-me-in") }

	t.Run("honoured outside production", func(t *testing.T) {
		f := newFixture(t, config.Development, Config{DevTestToken: "let-me-in"}, nil)

		w := f.do(http.MethodPost, "/api/v1/auth/login", withToken)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))

		w = f.do(http.MethodPost, "/api/v1/auth/login", func(r *http.Request) { r.Header.Set(DevTestHeader, "wrong") })
		assert.Equal(t, "50", w.Header().Get("X-RateLimit-Limit"))
	})

	t.Run("ignored in production", func(t *testing.T) {
		f := newFixture(t, config.Production, Config{DevTestToken: "let-me-in"}, nil)

		w := f.do(http.MethodPost, "/api/v1/auth/login", withToken)
		assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
	})
}

func TestDispatcher_Key(t *testing.T) {
	f := newFixture(t, config.Production, Config{
		KeyPrefix:     "estate",
		UserExtractor: utils.NewUserExtractor("X-User-ID"),
	}, nil)

	withUser := func(r *http.Request) { r.Header.Set("X-User-ID", "u-1") }

	var tests = []struct {
		name   string
		rule   rl.Rule
		mutate func(*http.Request)
		want   string
	}{
		{"ip", rl.Rule{Path: "/p", Scope: rl.ScopeIP}, nil, "estate:192.0.2.1:/p"},
		{"user", rl.Rule{Path: "/p", Scope: rl.ScopeUser}, withUser, "estate:u-1:/p"},
		{"user missing", rl.Rule{Path: "/p", Scope: rl.ScopeUser}, nil, "estate:global:/p"},
		{"combined", rl.Rule{Path: "/p", Scope: rl.ScopeCombined}, withUser, "estate:192.0.2.1-u-1:/p"},
		{"combined without user", rl.Rule{Path: "/p", Scope: rl.ScopeCombined}, nil, "estate:192.0.2.1:/p"},
		{"global", rl.Rule{Path: "/p", Scope: rl.ScopeGlobal}, withUser, "estate:global:/p"},
		{"rule prefix", rl.Rule{Path: "/p/*", Scope: rl.ScopeGlobal, KeyPrefix: "admin"}, nil, "admin:global:/p/*"},
		{"ip missing", rl.Rule{Path: "/p", Scope: rl.ScopeIP}, func(r *http.Request) { r.RemoteAddr = "@" }, "estate:global:/p"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/p", nil)
			if tt.mutate != nil {
				tt.mutate(r)
			}
			assert.Equal(t, tt.want, f.dispatcher.Key(r, tt.rule))
		})
	}

	r := httptest.NewRequest(http.MethodGet, "/p", nil)
	r = r.WithContext(utils.WithUserID(r.Context(), "ctx-user"))
	assert.Equal(t, "estate:ctx-user:/p", f.dispatcher.Key(r, rl.Rule{Path: "/p", Scope: rl.ScopeUser}))
}

type failingStrategy struct{}

func (failingStrategy) Run(context.Context, *strategy.Request) (*strategy.Result, error) {
	return nil, errors.New("store timeout")
}

func TestHTTPRateLimiterHandler_FailsOpen(t *testing.T) {
	f := newFixture(t, config.Production, Config{}, nil)
	f.limiter.Register(rl.SlidingWindowLimiterType, failingStrategy{})

	for i := 0; i < 10; i++ {
		w := f.do(http.MethodPost, "/api/v1/auth/login")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
	}
	assert.Equal(t, 10, f.calls)
}

func TestHTTPRateLimiterHandler_RedisOutageFallsBack(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr(), MaxRetries: -1})
	fallback := store.NewMemoryStore(store.WithCleanupInterval(-1))
	failover := store.NewFailoverStore(store.NewRedisStore(client), fallback,
		store.WithRetryAfter(time.Hour), store.WithFailoverLogger(zap.NewNop()))
	t.Cleanup(func() { _ = failover.Close() })

	f := newFixture(t, config.Production, Config{}, failover)

	w := f.do(http.MethodPost, "/api/v1/auth/register")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2", w.Header().Get("X-RateLimit-Remaining"))
	assert.True(t, server.Exists("rl:192.0.2.1:/api/v1/auth/register"))

	server.Close()

	// counting restarts in the fallback store, requests keep being served
	for i := 0; i < 3; i++ {
		w = f.do(http.MethodPost, "/api/v1/auth/register")
		require.Equal(t, http.StatusOK, w.Code)
		assert.NotEmpty(t, w.Header().Get("X-RateLimit-Remaining"))
	}
	w = f.do(http.MethodPost, "/api/v1/auth/register")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "memory", failover.Active())
}

func newAdminRouter(f *fixture) http.Handler {
	r := chi.NewRouter()
	r.Use(f.dispatcher.Middleware)
	r.Post("/api/v1/auth/login", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/rate-limit/test", f.dispatcher.Test)
	r.Group(func(r chi.Router) {
		r.Use(f.dispatcher.RequireAdmin)
		r.Get("/rate-limit/info", f.dispatcher.Info)
		r.Post("/api/v1/admin/rate-limit/reset", f.dispatcher.Reset)
	})
	return r
}

const adminToken = "admin-s3cret"

func adminConfig() Config {
	return Config{AdminToken: adminToken}
}

func serve(h http.Handler, method, path, body string, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, path, strings.NewReader(body))
	for _, m := range mutate {
		m(r)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func bearer(token string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func TestAdmin_RequiresCredentials(t *testing.T) {
	cfg := adminConfig()
	cfg.BypassIPs = []string{"127.0.0.1"}
	f := newFixture(t, config.Production, cfg, nil)
	router := newAdminRouter(f)

	for i := 0; i < 5; i++ {
		require.Equal(t, http.StatusOK, serve(router, http.MethodPost, "/api/v1/auth/login", "").Code)
	}

	for name, mutate := range map[string]func(*http.Request){
		"no header":     func(*http.Request) {},
		"wrong token":   bearer("guess"),
		"wrong scheme":  func(r *http.Request) { r.Header.Set("Authorization", "Basic "+adminToken) },
		"spoofed proxy": forwardedFor("127.0.0.1"),
	} {
		t.Run(name, func(t *testing.T) {
			w := serve(router, http.MethodPost, "/api/v1/admin/rate-limit/reset", `{"pattern": "*"}`, mutate)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.NotEmpty(t, w.Header().Get("WWW-Authenticate"))
			assert.Contains(t, w.Body.String(), "admin credentials required")

			assert.Equal(t, http.StatusUnauthorized, serve(router, http.MethodGet, "/rate-limit/info", "", mutate).Code)
		})
	}

	// nothing was deleted
	assert.Equal(t, http.StatusTooManyRequests, serve(router, http.MethodPost, "/api/v1/auth/login", "").Code)
}

func TestAdmin_LockedWithoutTokenOrBypassList(t *testing.T) {
	f := newFixture(t, config.Production, Config{}, nil)
	router := newAdminRouter(f)

	assert.Equal(t, http.StatusUnauthorized, serve(router, http.MethodGet, "/rate-limit/info", "").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(router, http.MethodGet, "/rate-limit/info", "", bearer("")).Code)
	assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/rate-limit/test", "").Code)
}

func TestAdmin_BypassListGrantsAccess(t *testing.T) {
	f := newFixture(t, config.Production, Config{BypassIPs: []string{"10.0.0.0/8"}}, nil)
	router := newAdminRouter(f)

	assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/rate-limit/info", "", fromIP("10.3.3.3")).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(router, http.MethodGet, "/rate-limit/info", "", fromIP("203.0.113.9")).Code)
}

func TestAdmin_ResetRestoresQuota(t *testing.T) {
	f := newFixture(t, config.Production, adminConfig(), nil)
	router := newAdminRouter(f)

	for i := 0; i < 5; i++ {
		require.Equal(t, http.StatusOK, serve(router, http.MethodPost, "/api/v1/auth/login", "").Code)
	}
	require.Equal(t, http.StatusTooManyRequests, serve(router, http.MethodPost, "/api/v1/auth/login", "").Code)

	w := serve(router, http.MethodPost, "/api/v1/admin/rate-limit/reset", `{"pattern": "rl:192.0.2.1:*"}`, bearer(adminToken))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Success bool      `json:"success"`
		Data    resetData `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, int64(1), body.Data.Deleted)

	w = serve(router, http.MethodPost, "/api/v1/auth/login", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "4", w.Header().Get("X-RateLimit-Remaining"))
}

func TestAdmin_ResetRejectsBadInput(t *testing.T) {
	f := newFixture(t, config.Production, adminConfig(), nil)
	router := newAdminRouter(f)

	w := serve(router, http.MethodPost, "/api/v1/admin/rate-limit/reset", `{"pattern": ""}`, bearer(adminToken))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "pattern is required")

	w = serve(router, http.MethodPost, "/api/v1/admin/rate-limit/reset", `not json`, bearer(adminToken))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdmin_TestEchoesQuota(t *testing.T) {
	f := newFixture(t, config.Production, Config{}, nil)
	router := newAdminRouter(f)

	var body struct {
		Success bool     `json:"success"`
		Data    testData `json:"data"`
	}
	for i := 4; i >= 0; i-- {
		w := serve(router, http.MethodGet, "/rate-limit/test", "")
		require.Equal(t, http.StatusOK, w.Code)
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		require.NotNil(t, body.Data.RateLimit)
		assert.Equal(t, int64(5), body.Data.RateLimit.Limit)
		assert.Equal(t, int64(i), body.Data.RateLimit.Remaining)
		assert.Equal(t, "192.0.2.1", body.Data.IP)
	}

	w := serve(router, http.MethodGet, "/rate-limit/test", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestAdmin_Info(t *testing.T) {
	f := newFixture(t, config.Production, adminConfig(), nil)
	router := newAdminRouter(f)

	serve(router, http.MethodPost, "/api/v1/auth/login", "")
	serve(router, http.MethodGet, "/rate-limit/test", "")

	w := serve(router, http.MethodGet, "/rate-limit/info", "", bearer(adminToken))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Success bool `json:"success"`
		Data    struct {
			Environment string           `json:"environment"`
			Stats       rl.Stats         `json:"stats"`
			Rules       []map[string]any `json:"rules"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, "production", body.Data.Environment)
	assert.Equal(t, "memory", body.Data.Stats.Store)
	assert.Equal(t, 2, body.Data.Stats.TotalKeys)
	assert.Equal(t, 1, body.Data.Stats.KeysByType["sliding-window"])
	assert.Equal(t, 1, body.Data.Stats.KeysByType["fixed-window"])
	assert.Len(t, body.Data.Rules, len(rl.DefaultRules()))
	assert.Equal(t, "/api/v1/auth/login", body.Data.Rules[0]["path"])
}
