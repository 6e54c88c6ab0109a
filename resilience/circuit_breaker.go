// Package resilience provides the per-provider circuit breaker and the
// retry backoff policy used by the orchestrator and provider adapters.
package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/convergelabs/modelgate/core"
)

// State represents the state of the circuit breaker
type State int

const (
	// StateClosed allows all requests through
	StateClosed State = iota
	// StateOpen blocks all requests until the timeout elapses
	StateOpen
	// StateHalfOpen allows a single probe request
	StateHalfOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Snapshot is a consistent view of breaker state for router filtering
// and metrics
type Snapshot struct {
	State               State
	ConsecutiveFailures int
	OpenedAt            time.Time
}

// Config holds configuration for the circuit breaker
type Config struct {
	// Name identifies the breaker, typically the provider id
	Name string

	// FailureThreshold is the number of consecutive provider-side
	// failures before opening
	FailureThreshold int

	// Timeout is how long the breaker stays open before allowing a
	// half-open probe
	Timeout time.Duration

	// Clock abstracts time for tests
	Clock core.Clock

	// Logger for breaker events
	Logger core.Logger

	// OnStateChange is invoked on each transition while the breaker
	// lock is held; implementations must not call back into the breaker
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns production defaults matching the routing
// configuration contract.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:             name,
		FailureThreshold: 5,
		Timeout:          60 * time.Second,
	}
}

// Breaker is a per-provider circuit breaker. Transitions happen under a
// single mutex; reads for router filtering take a consistent snapshot.
type Breaker struct {
	cfg *Config

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time
	probeInFlight       bool
}

// NewBreaker creates a circuit breaker in the closed state
func NewBreaker(cfg *Config) *Breaker {
	if cfg == nil {
		cfg = DefaultConfig("default")
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = &core.NoOpLogger{}
	}
	return &Breaker{cfg: cfg, state: StateClosed}
}

// Allow reports whether a call may proceed. In the open state it
// returns a CIRCUIT_OPEN error until the timeout elapses; then exactly
// one caller wins the half-open probe slot and subsequent callers are
// rejected until the probe completes.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if b.cfg.Clock().Sub(b.openedAt) >= b.cfg.Timeout {
			b.transitionLocked(StateHalfOpen)
			b.probeInFlight = true
			return nil
		}
		return b.openError()

	case StateHalfOpen:
		if b.probeInFlight {
			return b.openError()
		}
		b.probeInFlight = true
		return nil

	default:
		return b.openError()
	}
}

// RecordSuccess records a successful call. A half-open probe success
// closes the breaker and resets the failure counter.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probeInFlight = false
	b.consecutiveFailures = 0
	if b.state != StateClosed {
		b.transitionLocked(StateClosed)
	}
}

// RecordFailure records a provider-side failure. In the closed state it
// advances the consecutive failure counter and opens at the threshold;
// a half-open probe failure re-opens with a fresh timestamp.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.openedAt = b.cfg.Clock()
			b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		b.probeInFlight = false
		b.consecutiveFailures++
		b.openedAt = b.cfg.Clock()
		b.transitionLocked(StateOpen)
	case StateOpen:
		// Late failure from a call admitted before opening; already open
	}
}

// Execute runs fn under breaker protection. Failures counted here are
// unclassified; adapters that need error classification call Allow and
// Record* directly.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// Snapshot returns a consistent view of the breaker state.
// An expired open window is reported as open; the transition to
// half-open happens on the next Allow.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		OpenedAt:            b.openedAt,
	}
}

// Available reports whether a new call would currently be admitted,
// without claiming the probe slot. Used by router filtering.
func (b *Breaker) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		return b.cfg.Clock().Sub(b.openedAt) >= b.cfg.Timeout
	case StateHalfOpen:
		return !b.probeInFlight
	default:
		return false
	}
}

func (b *Breaker) openError() error {
	return &core.GatewayError{
		Kind:      core.KindCircuitOpen,
		Op:        "breaker.Allow",
		Message:   fmt.Sprintf("circuit breaker %q is open", b.cfg.Name),
		Retryable: false,
		Action:    core.ActionFallback,
		Err:       core.ErrCircuitBreakerOpen,
	}
}

// transitionLocked performs a state change; callers hold b.mu
func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to

	b.cfg.Logger.Info("Circuit breaker state change", map[string]interface{}{
		"operation":            "circuit_breaker_transition",
		"name":                 b.cfg.Name,
		"from_state":           from.String(),
		"to_state":             to.String(),
		"consecutive_failures": b.consecutiveFailures,
	})

	if b.cfg.OnStateChange != nil {
		// Listener runs under the lock; implementations must not call
		// back into the breaker
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}
