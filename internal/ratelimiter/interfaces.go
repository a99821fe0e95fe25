package ratelimiter

import (
	"fmt"
	"strings"
)

// Type defines the type of rate limiter.
type Type uint32

const (
	FixedWindowLimiterType Type = iota
	SlidingWindowLimiterType
	TokenBucketLimiterType
	LeakyBucketLimiterType
)

var typeNames = map[Type]string{
	FixedWindowLimiterType:   "fixed-window",
	SlidingWindowLimiterType: "sliding-window",
	TokenBucketLimiterType:   "token-bucket",
	LeakyBucketLimiterType:   "leaky-bucket",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Type(%d)", uint32(t))
}

// ParseType accepts the kebab-case names as well as the camelCase and
// snake_case spellings found in hand-written configs.
func ParseType(s string) (Type, error) {
	switch normalizeName(s) {
	case "fixedwindow", "fixed":
		return FixedWindowLimiterType, nil
	case "slidingwindow", "sliding":
		return SlidingWindowLimiterType, nil
	case "tokenbucket", "token":
		return TokenBucketLimiterType, nil
	case "leakybucket", "leaky":
		return LeakyBucketLimiterType, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Type) UnmarshalText(b []byte) error {
	v, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Scope is the request dimension a quota is counted per.
type Scope string

const (
	ScopeIP       Scope = "ip"
	ScopeUser     Scope = "user"
	ScopeCombined Scope = "ip-user-combined"
	ScopeGlobal   Scope = "global"
)

func ParseScope(s string) (Scope, error) {
	switch normalizeName(s) {
	case "ip":
		return ScopeIP, nil
	case "user":
		return ScopeUser, nil
	case "ipusercombined", "ipuser", "combined":
		return ScopeCombined, nil
	case "global":
		return ScopeGlobal, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownScope, s)
}

func normalizeName(s string) string {
	return strings.NewReplacer("-", "", "_", "", " ", "").Replace(strings.ToLower(strings.TrimSpace(s)))
}
