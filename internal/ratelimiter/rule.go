package ratelimiter

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// DefaultMessage is sent with 429 responses when a rule has no message.
const DefaultMessage = "Too many requests, please try again later."

// Rule is one route quota. Rules are immutable once a Registry holds them.
type Rule struct {
	// Path is an exact path or a prefix ending in "/*".
	Path string
	// Methods restricts the rule to these HTTP methods. Empty means any.
	Methods  []string
	Strategy Type
	Scope    Scope
	Window   time.Duration
	Max      int64
	// Rate is the refill rate of token buckets and the leak rate of leaky
	// buckets, per second.
	Rate       float64
	Message    string
	StatusCode int
	// KeyPrefix overrides the dispatcher's key prefix.
	KeyPrefix string
}

// IsWildcard reports whether the rule matches a path prefix.
func (r Rule) IsWildcard() bool {
	return r.Path == "*" || strings.HasSuffix(r.Path, "/*")
}

func (r Rule) matchesPath(path string) bool {
	if !r.IsWildcard() {
		return r.Path == path
	}
	if r.Path == "*" {
		return true
	}
	base := strings.TrimSuffix(r.Path, "/*")
	return path == base || strings.HasPrefix(path, base+"/")
}

func (r Rule) matchesMethod(method string) bool {
	if len(r.Methods) == 0 {
		return true
	}
	for _, m := range r.Methods {
		if m == "*" || strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// Validate fills defaults and reports whether the rule is usable.
func (r *Rule) Validate() error {
	switch {
	case r.Path == "":
		return fmt.Errorf("%w: path is required", ErrInvalidRule)
	case r.Path != "*" && !strings.HasPrefix(r.Path, "/"):
		return fmt.Errorf("%w: path %q must start with /", ErrInvalidRule, r.Path)
	case strings.Contains(strings.TrimSuffix(r.Path, "/*"), "*"):
		return fmt.Errorf("%w: path %q may only end with a wildcard", ErrInvalidRule, r.Path)
	case r.Window <= 0:
		return fmt.Errorf("%w: window must be positive", ErrInvalidRule)
	case r.Max <= 0:
		return fmt.Errorf("%w: max must be positive", ErrInvalidRule)
	case r.Rate < 0:
		return fmt.Errorf("%w: rate must not be negative", ErrInvalidRule)
	}
	if _, ok := typeNames[r.Strategy]; !ok {
		return fmt.Errorf("%w: %w", ErrInvalidRule, ErrUnknownStrategy)
	}

	if r.Scope == "" {
		r.Scope = ScopeIP
	}
	if _, err := ParseScope(string(r.Scope)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRule, err)
	}

	if r.StatusCode == 0 {
		r.StatusCode = http.StatusTooManyRequests
	}
	if r.StatusCode < 400 || r.StatusCode > 599 {
		return fmt.Errorf("%w: status code %d is not an error status", ErrInvalidRule, r.StatusCode)
	}
	if r.Message == "" {
		r.Message = DefaultMessage
	}

	for i, m := range r.Methods {
		r.Methods[i] = strings.ToUpper(strings.TrimSpace(m))
	}
	return nil
}

// ruleJSON is the wire form of a rule in RATE_LIMIT_CONFIGS.
type ruleJSON struct {
	Path       string          `json:"path"`
	Method     json.RawMessage `json:"method"`
	Methods    []string        `json:"methods"`
	Strategy   string          `json:"strategy"`
	Scope      string          `json:"scope"`
	WindowMs   int64           `json:"windowMs"`
	Max        int64           `json:"max"`
	Rate       float64         `json:"rate"`
	RefillRate float64         `json:"refillRate"`
	LeakRate   float64         `json:"leakRate"`
	Message    string          `json:"message"`
	StatusCode int             `json:"statusCode"`
	KeyPrefix  string          `json:"keyPrefix"`
}

// UnmarshalJSON decodes the config form. "method" may be a string or an array.
func (r *Rule) UnmarshalJSON(b []byte) error {
	var raw ruleJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	methods := raw.Methods
	if len(raw.Method) > 0 && string(raw.Method) != "null" {
		var one string
		if err := json.Unmarshal(raw.Method, &one); err == nil {
			methods = append(methods, one)
		} else {
			var many []string
			if err := json.Unmarshal(raw.Method, &many); err != nil {
				return errors.New("method must be a string or an array of strings")
			}
			methods = append(methods, many...)
		}
	}

	strategy := FixedWindowLimiterType
	if raw.Strategy != "" {
		t, err := ParseType(raw.Strategy)
		if err != nil {
			return err
		}
		strategy = t
	}

	var scope Scope
	if raw.Scope != "" {
		s, err := ParseScope(raw.Scope)
		if err != nil {
			return err
		}
		scope = s
	}

	rate := raw.Rate
	if rate == 0 {
		rate = max(raw.RefillRate, raw.LeakRate)
	}

	*r = Rule{
		Path:       strings.TrimSpace(raw.Path),
		Methods:    methods,
		Strategy:   strategy,
		Scope:      scope,
		Window:     time.Duration(raw.WindowMs) * time.Millisecond,
		Max:        raw.Max,
		Rate:       rate,
		Message:    raw.Message,
		StatusCode: raw.StatusCode,
		KeyPrefix:  raw.KeyPrefix,
	}
	return nil
}

// MarshalJSON renders the rule in the same shape it is configured with.
func (r Rule) MarshalJSON() ([]byte, error) {
	out := struct {
		Path       string   `json:"path"`
		Methods    []string `json:"methods,omitempty"`
		Strategy   string   `json:"strategy"`
		Scope      Scope    `json:"scope"`
		WindowMs   int64    `json:"windowMs"`
		Max        int64    `json:"max"`
		Rate       float64  `json:"rate,omitempty"`
		Message    string   `json:"message"`
		StatusCode int      `json:"statusCode"`
		KeyPrefix  string   `json:"keyPrefix,omitempty"`
	}{
		Path:       r.Path,
		Methods:    r.Methods,
		Strategy:   r.Strategy.String(),
		Scope:      r.Scope,
		WindowMs:   r.Window.Milliseconds(),
		Max:        r.Max,
		Rate:       r.Rate,
		Message:    r.Message,
		StatusCode: r.StatusCode,
		KeyPrefix:  r.KeyPrefix,
	}
	return json.Marshal(out)
}

// DefaultRules is the built-in route table. Exact paths come before the
// wildcard of the same prefix, although Registry.Match prefers exact matches
// regardless of order.
func DefaultRules() []Rule {
	post := []string{http.MethodPost}
	get := []string{http.MethodGet}

	return []Rule{
		{
			Path: "/api/v1/auth/login", Methods: post,
			Strategy: SlidingWindowLimiterType, Scope: ScopeIP,
			Window: 15 * time.Minute, Max: 5,
			Message: "Too many login attempts, please try again after 15 minutes.",
		},
		{
			Path: "/api/v1/auth/register", Methods: post,
			Strategy: FixedWindowLimiterType, Scope: ScopeIP,
			Window: time.Hour, Max: 3,
			Message: "Too many accounts created from this IP, please try again after an hour.",
		},
		{
			Path: "/api/v1/auth/forgot-password", Methods: post,
			Strategy: FixedWindowLimiterType, Scope: ScopeIP,
			Window: time.Hour, Max: 3,
			Message: "Too many password reset requests, please try again later.",
		},
		{
			Path: "/api/v1/auth/refresh", Methods: post,
			Strategy: TokenBucketLimiterType, Scope: ScopeIP,
			Window: time.Minute, Max: 10, Rate: 10.0 / 60,
		},
		{
			Path:     "/api/v1/auth/*",
			Strategy: SlidingWindowLimiterType, Scope: ScopeIP,
			Window: 15 * time.Minute, Max: 50,
		},
		{
			Path: "/api/v1/upload", Methods: post,
			Strategy: TokenBucketLimiterType, Scope: ScopeUser,
			Window: time.Minute, Max: 10, Rate: 10.0 / 60,
			Message: "Upload limit reached, please wait before uploading more files.",
		},
		{
			Path: "/api/v1/search", Methods: get,
			Strategy: LeakyBucketLimiterType, Scope: ScopeCombined,
			Window: time.Minute, Max: 30, Rate: 0.5,
			Message: "Too many search requests, please slow down.",
		},
		{
			Path:     "/api/v1/admin/*",
			Strategy: SlidingWindowLimiterType, Scope: ScopeUser,
			Window: time.Minute, Max: 60,
		},
		{
			Path:     "/api/v1/users/*",
			Strategy: FixedWindowLimiterType, Scope: ScopeUser,
			Window: time.Minute, Max: 100,
		},
		{
			Path:     "/api/v1/public/*",
			Strategy: FixedWindowLimiterType, Scope: ScopeIP,
			Window: time.Minute, Max: 100,
		},
		{
			Path: "/health", Methods: get,
			Strategy: FixedWindowLimiterType, Scope: ScopeIP,
			Window: time.Minute, Max: 60,
		},
		{
			Path: "/rate-limit/test", Methods: get,
			Strategy: FixedWindowLimiterType, Scope: ScopeIP,
			Window: time.Minute, Max: 5,
		},
	}
}
