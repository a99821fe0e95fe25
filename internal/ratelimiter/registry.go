package ratelimiter

import (
	"strings"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/lowc1012/estate-ratelimiter/internal/config"
)

const (
	// DevelopmentMultiplier scales every quota in development.
	DevelopmentMultiplier = 10
	// TestCeiling is the quota every rule is raised to in test.
	TestCeiling = 1_000_000
)

// Registry is the route rule table of the process. It is built once and
// never modified; reconfiguring means building a new Registry.
type Registry struct {
	env      config.Environment
	rules    []Rule
	exact    []Rule
	wildcard []Rule
}

// NewRegistry validates rules, drops invalid ones with a logged error and
// scales the quotas for env.
func NewRegistry(env config.Environment, rules []Rule, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}

	reg := &Registry{env: env}
	for _, rule := range rules {
		rule.Methods = append([]string(nil), rule.Methods...)
		if err := rule.Validate(); err != nil {
			logger.Error("Skipping invalid rate limit rule", zap.String("path", rule.Path), zap.Error(err))
			continue
		}
		rule.Max = scaleMax(env, rule.Max)

		reg.rules = append(reg.rules, rule)
		if rule.IsWildcard() {
			reg.wildcard = append(reg.wildcard, rule)
		} else {
			reg.exact = append(reg.exact, rule)
		}
	}

	if env != config.Production && env != config.Staging {
		logger.Info("Rate limits relaxed for environment", zap.String("env", string(env)), zap.Int("rules", len(reg.rules)))
	}
	return reg
}

func scaleMax(env config.Environment, limit int64) int64 {
	switch env {
	case config.Development:
		return limit * DevelopmentMultiplier
	case config.Test:
		return max(limit, TestCeiling)
	default:
		return limit
	}
}

// Match returns the rule for a request. Exact path rules win over wildcard
// rules; within each kind the first declared rule wins.
func (r *Registry) Match(method, path string) (Rule, bool) {
	path = normalizePath(path)
	for _, rule := range r.exact {
		if rule.matchesPath(path) && rule.matchesMethod(method) {
			return rule, true
		}
	}
	for _, rule := range r.wildcard {
		if rule.matchesPath(path) && rule.matchesMethod(method) {
			return rule, true
		}
	}
	return Rule{}, false
}

// Rules returns the active rules in declaration order.
func (r *Registry) Rules() []Rule {
	out := make([]Rule, len(r.rules))
	copy(out, r.rules)
	return out
}

func (r *Registry) Environment() config.Environment {
	return r.env
}

func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
		if p == "" {
			return "/"
		}
	}
	return p
}

// ParseRules decodes a JSON array of rules. A malformed document yields no
// rules and a malformed entry is skipped, both with a logged error.
func ParseRules(raw string, logger *zap.Logger) []Rule {
	if logger == nil {
		logger = zap.NewNop()
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		logger.Error("Failed to parse custom rate limit rules", zap.Error(err))
		return nil
	}

	rules := make([]Rule, 0, len(items))
	for i, item := range items {
		var rule Rule
		if err := json.Unmarshal(item, &rule); err != nil {
			logger.Error("Skipping malformed custom rate limit rule", zap.Int("index", i), zap.Error(err))
			continue
		}
		rules = append(rules, rule)
	}
	return rules
}
