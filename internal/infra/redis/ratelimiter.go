package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/sendit/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultLimitPerSec = 100
	backoffStep        = 10 * time.Millisecond
	backoffMax         = 50 * time.Millisecond
	windowSeconds      = 1
	keyPrefix          = "sendit:ratelimit"
)

var allowScript = goredis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
  return 0
end
return 1
`)

var _ ratelimit.RateLimiter = (*RedisRateLimiter)(nil)

// RedisRateLimiter is a fixed-window per-second limiter shared by every
// worker process through Redis. Each service key has its own limit.
type RedisRateLimiter struct {
	client   *goredis.Client
	limits   ratelimit.Limits
	fallback int
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewRedisRateLimiter limits each key in limits to its calls per second.
// Keys without a limit get defaultLimitPerSec.
func NewRedisRateLimiter(client *goredis.Client, limits ratelimit.Limits) (*RedisRateLimiter, error) {
	return newRedisRateLimiter(client, limits, time.Now, sleepWithContext)
}

func newRedisRateLimiter(
	client *goredis.Client,
	limits ratelimit.Limits,
	nowFn func() time.Time,
	sleepFn func(ctx context.Context, d time.Duration) error,
) (*RedisRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if sleepFn == nil {
		sleepFn = sleepWithContext
	}

	normalized := make(ratelimit.Limits, len(limits))
	for key, limit := range limits {
		normalized[normalizeKey(key)] = limit
	}

	return &RedisRateLimiter{
		client:   client,
		limits:   normalized,
		fallback: defaultLimitPerSec,
		now:      nowFn,
		sleep:    sleepFn,
	}, nil
}

// Allow reports whether one more call for key fits in the current second.
func (r *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if r == nil || r.client == nil {
		return false, fmt.Errorf("rate limiter is not initialized")
	}

	name := normalizeKey(key)
	if name == "" {
		return false, fmt.Errorf("rate limit key is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	window := fmt.Sprintf("%s:%s:%d", keyPrefix, name, r.now().UTC().Unix())
	limit := r.limits.For(name, r.fallback)
	result, err := allowScript.Run(ctx, r.client, []string{window}, limit, windowSeconds).Int()
	if err != nil {
		return false, fmt.Errorf("failed to evaluate %s rate limit: %w", name, err)
	}

	return result == 1, nil
}

// Wait blocks until a call for key is allowed or ctx is done.
func (r *RedisRateLimiter) Wait(ctx context.Context, key string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	delay := backoffStep
	for {
		allowed, err := r.Allow(ctx, key)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}

		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
		delay = min(delay+backoffStep, backoffMax)
	}
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
