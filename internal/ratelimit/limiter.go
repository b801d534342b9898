package ratelimit

import "context"

// Keys of the external services the pipeline throttles.
const (
	KeyIdentifier = "identifier"
	KeyStorage    = "storage"
)

// RateLimiter throttles calls to an external service identified by key.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Wait(ctx context.Context, key string) error
}

// Limits maps a service key to its calls per second.
type Limits map[string]int

// For returns the limit for key, or fallback when key has no positive limit.
func (l Limits) For(key string, fallback int) int {
	if limit, ok := l[key]; ok && limit > 0 {
		return limit
	}
	return fallback
}
