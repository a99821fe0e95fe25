package ratelimiter

import (
	"context"
	"net/http"
	"net/netip"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/lowc1012/estate-ratelimiter/internal/config"
	"github.com/lowc1012/estate-ratelimiter/internal/log"
	"github.com/lowc1012/estate-ratelimiter/internal/metrics"
	rl "github.com/lowc1012/estate-ratelimiter/internal/ratelimiter"
	"github.com/lowc1012/estate-ratelimiter/internal/strategy"
	"github.com/lowc1012/estate-ratelimiter/internal/utils"
)

const (
	rateLimitLimit     = "X-RateLimit-Limit"
	rateLimitRemaining = "X-RateLimit-Remaining"
	rateLimitReset     = "X-RateLimit-Reset"
	retryAfter         = "Retry-After"

	// DevTestHeader carries the dev test token. Requests presenting the
	// configured token skip rate limiting outside production.
	DevTestHeader = "X-Dev-Test-Token"

	// ExceededCode is the machine readable code of rejected requests.
	ExceededCode = "RATE_LIMIT_EXCEEDED"

	globalIdentifier = "global"
	defaultKeyPrefix = "rl"
)

// Config defines the configuration for the rate limiter handler.
type Config struct {
	Registry *rl.Registry
	Limiter  *rl.Limiter
	// KeyPrefix starts every bucket key unless the rule sets its own.
	KeyPrefix string
	// IPExtractor and UserExtractor derive the identifiers of the ip and user
	// scopes. They default to the client IP and the request context user.
	IPExtractor   utils.Extractor
	UserExtractor utils.Extractor
	// BypassIPs lists addresses and CIDR prefixes that are never limited.
	BypassIPs []string
	// TrustedProxies lists the addresses and CIDR prefixes of the reverse
	// proxies whose forwarding headers name the client. Requests from any
	// other peer are identified by their socket address.
	TrustedProxies []string
	DevTestToken   string
	// AdminToken is the bearer token RequireAdmin accepts.
	AdminToken string
	Logger     *zap.Logger
}

// Dispatcher resolves the rule of each request, evaluates it and writes the
// outcome to the response.
type Dispatcher struct {
	registry      *rl.Registry
	limiter       *rl.Limiter
	keyPrefix     string
	ipExtractor   utils.Extractor
	userExtractor utils.Extractor
	bypass        []netip.Prefix
	trusted       []netip.Prefix
	devTestToken  string
	adminToken    string
	logger        *zap.Logger
}

func NewDispatcher(cfg Config) *Dispatcher {
	d := &Dispatcher{
		registry:      cfg.Registry,
		limiter:       cfg.Limiter,
		keyPrefix:     cfg.KeyPrefix,
		ipExtractor:   cfg.IPExtractor,
		userExtractor: cfg.UserExtractor,
		devTestToken:  cfg.DevTestToken,
		adminToken:    cfg.AdminToken,
		logger:        cfg.Logger,
	}
	if d.logger == nil {
		d.logger = log.Logger()
	}
	if d.keyPrefix == "" {
		d.keyPrefix = defaultKeyPrefix
	}
	d.bypass = parsePrefixes("bypass", cfg.BypassIPs, d.logger)
	d.trusted = parsePrefixes("trusted proxy", cfg.TrustedProxies, d.logger)
	if d.ipExtractor == nil {
		d.ipExtractor = utils.NewClientIPExtractor(d.trusted...)
	}
	if d.userExtractor == nil {
		d.userExtractor = utils.NewUserExtractor()
	}

	if d.devTestToken != "" && d.registry.Environment() == config.Production {
		d.logger.Warn("Dev test token is ignored in production")
		d.devTestToken = ""
	}
	return d
}

func parsePrefixes(kind string, entries []string, logger *zap.Logger) []netip.Prefix {
	prefixes, err := utils.ParsePrefixes(entries)
	if err != nil {
		logger.Error("Skipping invalid "+kind+" entries", zap.Error(err))
	}
	return prefixes
}

type httpRateLimiterHandler struct {
	handler    http.Handler
	dispatcher *Dispatcher
}

// NewHTTPRateLimiterHandler wraps an existing http.Handler performing rate
// limiting before sending the request to the wrapped handler. Denied requests
// get a JSON error response and never reach the wrapped handler.
func NewHTTPRateLimiterHandler(originalHandler http.Handler, cfg *Config) http.Handler {
	return NewDispatcher(*cfg).Handler(originalHandler)
}

func (d *Dispatcher) Handler(next http.Handler) http.Handler {
	return &httpRateLimiterHandler{handler: next, dispatcher: d}
}

// Middleware is Handler in the func(http.Handler) http.Handler form routers
// mount.
func (d *Dispatcher) Middleware(next http.Handler) http.Handler {
	return d.Handler(next)
}

// ServeHTTP performs rate limiting and, when the request is allowed or the
// limiter failed, sends it to the wrapped handler. Rate limit headers are set
// on every evaluated request.
func (h *httpRateLimiterHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	d := h.dispatcher

	if reason, ok := d.bypassed(request); ok {
		metrics.RateLimitBypassed.WithLabelValues(reason).Inc()
		h.handler.ServeHTTP(writer, request)
		return
	}

	rule, ok := d.registry.Match(request.Method, request.URL.Path)
	if !ok {
		h.handler.ServeHTTP(writer, request)
		return
	}

	key := d.Key(request, rule)
	result, err := d.limiter.Evaluate(request.Context(), rule, key)
	if err != nil {
		// fail open
		metrics.RateLimitFailOpen.WithLabelValues(rule.Strategy.String()).Inc()
		d.logger.Warn("Rate limiter failed, admitting request",
			zap.String("key", key),
			zap.String("strategy", rule.Strategy.String()),
			zap.Error(err),
		)
		h.handler.ServeHTTP(writer, request)
		return
	}

	setHeaders(writer.Header(), result)

	if !result.Allowed() {
		metrics.RateLimitRejections.WithLabelValues(rule.Path).Inc()
		d.logger.Info("Rate limit exceeded",
			zap.String("key", key),
			zap.String("method", request.Method),
			zap.String("path", request.URL.Path),
			zap.Int64("retry_after", result.RetryAfter),
		)
		writer.Header().Set(retryAfter, strconv.FormatInt(result.RetryAfter, 10))
		writeJSON(writer, rule.StatusCode, exceededResponse{
			Success:    false,
			Error:      http.StatusText(rule.StatusCode),
			Message:    rule.Message,
			Code:       ExceededCode,
			RetryAfter: result.RetryAfter,
		})
		return
	}

	ctx := context.WithValue(request.Context(), resultContextKey{}, result)
	h.handler.ServeHTTP(writer, request.WithContext(ctx))
}

type exceededResponse struct {
	Success    bool   `json:"success"`
	Error      string `json:"error"`
	Message    string `json:"message"`
	Code       string `json:"code"`
	RetryAfter int64  `json:"retryAfter"`
}

func setHeaders(h http.Header, result *strategy.Result) {
	h.Set(rateLimitLimit, strconv.FormatInt(result.Limit, 10))
	h.Set(rateLimitRemaining, strconv.FormatInt(result.Remaining, 10))
	h.Set(rateLimitReset, strconv.FormatInt(result.Reset.Unix(), 10))
}

// bypassed reports whether the request skips rate limiting and why.
func (d *Dispatcher) bypassed(r *http.Request) (string, bool) {
	if utils.Contains(d.bypass, d.ClientIP(r)) {
		return "ip", true
	}
	if d.devTestToken != "" && r.Header.Get(DevTestHeader) == d.devTestToken {
		return "dev_test", true
	}
	return "", false
}

// ClientIP resolves the client address of r. Forwarding headers count only
// when the socket peer is a trusted proxy.
func (d *Dispatcher) ClientIP(r *http.Request) string {
	return utils.ClientIP(r, d.trusted)
}

// Key derives the bucket key {prefix}:{identifier}:{rule path}. A scope
// whose identifier is missing from the request counts against the shared
// "global" identifier.
func (d *Dispatcher) Key(r *http.Request, rule rl.Rule) string {
	prefix := d.keyPrefix
	if rule.KeyPrefix != "" {
		prefix = rule.KeyPrefix
	}
	return prefix + ":" + d.identifier(r, rule.Scope) + ":" + rule.Path
}

func (d *Dispatcher) identifier(r *http.Request, scope rl.Scope) string {
	var parts []string
	switch scope {
	case rl.ScopeIP:
		parts = d.extract(r, d.ipExtractor)
	case rl.ScopeUser:
		parts = d.extract(r, d.userExtractor)
	case rl.ScopeCombined:
		parts = append(d.extract(r, d.ipExtractor), d.extract(r, d.userExtractor)...)
	}
	if len(parts) == 0 {
		return globalIdentifier
	}
	return strings.Join(parts, "-")
}

func (d *Dispatcher) extract(r *http.Request, e utils.Extractor) []string {
	v, err := e.Extract(r)
	if err != nil || v == "" {
		d.logger.Debug("Missing rate limit identifier", zap.String("path", r.URL.Path), zap.Error(err))
		return nil
	}
	return []string{v}
}

type resultContextKey struct{}

// ResultFromContext returns the decision the dispatcher made for the request.
func ResultFromContext(ctx context.Context) (*strategy.Result, bool) {
	res, ok := ctx.Value(resultContextKey{}).(*strategy.Result)
	return res, ok
}
