package resilience

import (
	"math/rand"
	"time"
)

// RetryConfig configures EXECUTE-phase retry behavior
type RetryConfig struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxBackoff    time.Duration
	JitterEnabled bool
}

// DefaultRetryConfig provides sensible defaults
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		BaseDelay:     100 * time.Millisecond,
		MaxBackoff:    5 * time.Second,
		JitterEnabled: true,
	}
}

// Backoff returns the delay before the given attempt (1-based): the
// first retry waits BaseDelay, doubling each attempt, capped at
// MaxBackoff. Jitter adds up to 10% to desynchronize clients.
func (c *RetryConfig) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := c.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.MaxBackoff {
			delay = c.MaxBackoff
			break
		}
	}
	if delay > c.MaxBackoff {
		delay = c.MaxBackoff
	}
	if c.JitterEnabled && delay > 0 {
		delay += time.Duration(rand.Int63n(int64(delay)/10 + 1))
	}
	return delay
}
