package ratelimiter

import "errors"

var (
	ErrUnknownStrategy = errors.New("unknown rate limit strategy")
	ErrUnknownScope    = errors.New("unknown rate limit scope")
	ErrInvalidRule     = errors.New("invalid rate limit rule")
	ErrEmptyPattern    = errors.New("key pattern is required")
)
