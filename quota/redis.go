package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/convergelabs/modelgate/core"
)

// reserveScript implements the compare-and-add in Redis: the counter is
// created with the window TTL on first touch; a reservation that would
// exceed the limit leaves the counter unchanged and returns -1.
const reserveScript = `
local used = tonumber(redis.call('GET', KEYS[1]) or '0')
local n = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local window_ms = tonumber(ARGV[3])
if used + n > limit then
  return -1
end
local new = redis.call('INCRBY', KEYS[1], n)
if redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], window_ms)
end
return new
`

// releaseScript decrements with a floor of zero, preserving the TTL
const releaseScript = `
local used = tonumber(redis.call('GET', KEYS[1]) or '0')
local n = tonumber(ARGV[1])
local new = used - n
if new < 0 then new = 0 end
local ttl = redis.call('PTTL', KEYS[1])
redis.call('SET', KEYS[1], new)
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return new
`

// RedisService is the Redis-backed quota implementation shared by
// gateway replicas. Window expiry rides on key TTLs, so resets are
// lazy and require no background sweeper.
type RedisService struct {
	client *core.RedisClient
	limits Limits
	logger core.Logger
}

// NewRedisService creates a Redis-backed quota service
func NewRedisService(client *core.RedisClient, limits Limits, logger core.Logger) *RedisService {
	if limits.Window <= 0 {
		limits.Window = time.Hour
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &RedisService{client: client, limits: limits, logger: logger}
}

func (s *RedisService) info(ctx context.Context, key string, used int64) (Info, error) {
	limit := s.limits.LimitFor(key)
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	resetAt := time.Now().Add(s.limits.Window)
	if ttl, err := s.client.TTL(ctx, key); err == nil && ttl > 0 {
		resetAt = time.Now().Add(ttl)
	}
	return Info{
		Key:       key,
		Used:      used,
		Limit:     limit,
		Remaining: remaining,
		ResetAtMs: resetAt.UnixMilli(),
	}, nil
}

// Check returns the counter state without modification
func (s *RedisService) Check(ctx context.Context, key string) (Info, error) {
	val, err := s.client.Get(ctx, key)
	if err != nil {
		return Info{}, fmt.Errorf("quota check failed: %w", err)
	}
	var used int64
	if val != "" {
		if _, err := fmt.Sscanf(val, "%d", &used); err != nil {
			return Info{}, fmt.Errorf("corrupt quota counter %s: %w", key, err)
		}
	}
	return s.info(ctx, key, used)
}

// Reserve is a compare-and-add executed server-side
func (s *RedisService) Reserve(ctx context.Context, key string, n int64) (Info, error) {
	limit := s.limits.LimitFor(key)
	res, err := s.client.Eval(ctx, reserveScript, []string{key},
		n, limit, s.limits.Window.Milliseconds())
	if err != nil {
		return Info{}, fmt.Errorf("quota reserve failed: %w", err)
	}
	used, _ := res.(int64)
	if used == -1 {
		info, _ := s.Check(ctx, key)
		s.logger.Warn("Quota reservation rejected", map[string]interface{}{
			"operation": "quota_reserve",
			"key":       key,
			"requested": n,
			"limit":     limit,
		})
		return info, &core.GatewayError{
			Kind:       core.KindQuotaExhausted,
			Op:         "quota.Reserve",
			Message:    "quota exhausted for " + key,
			RetryAfter: time.Until(time.UnixMilli(info.ResetAtMs)),
			Err:        core.ErrQuotaExhausted,
		}
	}
	return s.info(ctx, key, used)
}

// Release subtracts n, clamping at zero
func (s *RedisService) Release(ctx context.Context, key string, n int64) error {
	if _, err := s.client.Eval(ctx, releaseScript, []string{key}, n); err != nil {
		return fmt.Errorf("quota release failed: %w", err)
	}
	return nil
}

// RecordUsage charges the delta between actual consumption and the
// earlier reservation
func (s *RedisService) RecordUsage(ctx context.Context, key string, reserved, actual int64) error {
	delta := actual - reserved
	if delta <= 0 {
		return nil
	}
	if _, err := s.client.IncrBy(ctx, key, delta); err != nil {
		return fmt.Errorf("quota usage record failed: %w", err)
	}
	return nil
}
