package quota

import (
	"context"
	"sync"
	"time"

	"github.com/convergelabs/modelgate/core"
)

// MemoryService is the in-process quota implementation used by
// single-node deployments and tests.
type MemoryService struct {
	limits Limits
	clock  core.Clock
	logger core.Logger

	mu       sync.Mutex
	counters map[string]*counter
}

type counter struct {
	used        int64
	windowStart time.Time
}

// MemoryOption configures the memory quota service
type MemoryOption func(*MemoryService)

// WithClock overrides the time source for tests
func WithClock(clock core.Clock) MemoryOption {
	return func(s *MemoryService) { s.clock = clock }
}

// WithLogger sets the logger
func WithLogger(logger core.Logger) MemoryOption {
	return func(s *MemoryService) { s.logger = logger }
}

// NewMemoryService creates an in-memory quota service
func NewMemoryService(limits Limits, opts ...MemoryOption) *MemoryService {
	if limits.Window <= 0 {
		limits.Window = time.Hour
	}
	s := &MemoryService{
		limits:   limits,
		clock:    time.Now,
		logger:   &core.NoOpLogger{},
		counters: make(map[string]*counter),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// counterLocked fetches the counter for key, resetting it when its
// window has elapsed. Callers hold s.mu.
func (s *MemoryService) counterLocked(key string) *counter {
	now := s.clock()
	c, ok := s.counters[key]
	if !ok {
		c = &counter{windowStart: now}
		s.counters[key] = c
		return c
	}
	if now.Sub(c.windowStart) >= s.limits.Window {
		c.used = 0
		c.windowStart = now
	}
	return c
}

func (s *MemoryService) infoLocked(key string, c *counter) Info {
	limit := s.limits.LimitFor(key)
	remaining := limit - c.used
	if remaining < 0 {
		remaining = 0
	}
	return Info{
		Key:       key,
		Used:      c.used,
		Limit:     limit,
		Remaining: remaining,
		ResetAtMs: c.windowStart.Add(s.limits.Window).UnixMilli(),
	}
}

// Check returns the counter state without modification
func (s *MemoryService) Check(ctx context.Context, key string) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.counterLocked(key)
	return s.infoLocked(key, c), nil
}

// Reserve is a compare-and-add against the window limit
func (s *MemoryService) Reserve(ctx context.Context, key string, n int64) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.counterLocked(key)
	limit := s.limits.LimitFor(key)
	if c.used+n > limit {
		info := s.infoLocked(key, c)
		s.logger.Warn("Quota reservation rejected", map[string]interface{}{
			"operation": "quota_reserve",
			"key":       key,
			"requested": n,
			"used":      c.used,
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
	c.used += n
	return s.infoLocked(key, c), nil
}

// Release subtracts n, clamping at zero
func (s *MemoryService) Release(ctx context.Context, key string, n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.counterLocked(key)
	c.used -= n
	if c.used < 0 {
		c.used = 0
	}
	return nil
}

// RecordUsage charges the delta between actual consumption and the
// earlier reservation
func (s *MemoryService) RecordUsage(ctx context.Context, key string, reserved, actual int64) error {
	delta := actual - reserved
	if delta <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.counterLocked(key)
	c.used += delta
	return nil
}
