package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/convergelabs/modelgate/core"
)

// fakeClock is a manually advanced time source
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time            { return f.now }
func (f *fakeClock) Advance(d time.Duration)   { f.now = f.now.Add(d) }

func newTestBreaker(clock *fakeClock, threshold int, timeout time.Duration) *Breaker {
	return NewBreaker(&Config{
		Name:             "test",
		FailureThreshold: threshold,
		Timeout:          timeout,
		Clock:            clock.Now,
	})
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, 3, time.Minute)

	for i := 0; i < 2; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("Allow() in closed state returned error: %v", err)
		}
		b.RecordFailure()
	}
	if got := b.Snapshot().State; got != StateClosed {
		t.Errorf("expected closed below threshold, got %v", got)
	}

	b.RecordFailure()
	if got := b.Snapshot().State; got != StateOpen {
		t.Errorf("expected open at threshold, got %v", got)
	}

	err := b.Allow()
	if err == nil {
		t.Fatal("Allow() in open state should fail")
	}
	if !errors.Is(err, core.ErrCircuitBreakerOpen) {
		t.Errorf("open error should wrap ErrCircuitBreakerOpen, got %v", err)
	}
	if core.KindOf(err) != core.KindCircuitOpen {
		t.Errorf("open error kind = %v, want CIRCUIT_OPEN", core.KindOf(err))
	}
}

func TestBreakerSuccessResetsCounter(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, 3, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	if got := b.Snapshot().State; got != StateClosed {
		t.Errorf("non-consecutive failures must not open the breaker, got %v", got)
	}
	if got := b.Snapshot().ConsecutiveFailures; got != 2 {
		t.Errorf("consecutive failures = %d, want 2", got)
	}
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, 1, time.Minute)

	b.RecordFailure()
	if b.Snapshot().State != StateOpen {
		t.Fatal("breaker should be open")
	}

	clock.Advance(59 * time.Second)
	if err := b.Allow(); err == nil {
		t.Error("Allow() before timeout should fail")
	}

	clock.Advance(2 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("first Allow() after timeout should win the probe: %v", err)
	}
	if b.Snapshot().State != StateHalfOpen {
		t.Errorf("state after probe admission = %v, want half-open", b.Snapshot().State)
	}
	if err := b.Allow(); err == nil {
		t.Error("second Allow() while probe in flight should fail")
	}
}

func TestBreakerProbeSuccessCloses(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, 1, time.Minute)

	b.RecordFailure()
	clock.Advance(2 * time.Minute)
	if err := b.Allow(); err != nil {
		t.Fatalf("probe admission failed: %v", err)
	}
	b.RecordSuccess()

	snap := b.Snapshot()
	if snap.State != StateClosed {
		t.Errorf("probe success should close, got %v", snap.State)
	}
	if snap.ConsecutiveFailures != 0 {
		t.Errorf("failure counter should reset, got %d", snap.ConsecutiveFailures)
	}
}

func TestBreakerProbeFailureReopensWithFreshTimeout(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, 1, time.Minute)

	b.RecordFailure()
	openedAt := b.Snapshot().OpenedAt

	clock.Advance(2 * time.Minute)
	if err := b.Allow(); err != nil {
		t.Fatalf("probe admission failed: %v", err)
	}
	b.RecordFailure()

	snap := b.Snapshot()
	if snap.State != StateOpen {
		t.Fatalf("probe failure should reopen, got %v", snap.State)
	}
	if !snap.OpenedAt.After(openedAt) {
		t.Error("reopen must use a fresh timestamp")
	}

	clock.Advance(30 * time.Second)
	if err := b.Allow(); err == nil {
		t.Error("Allow() before the fresh timeout elapses should fail")
	}
}

func TestBreakerAvailableDoesNotClaimProbe(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, 1, time.Minute)

	b.RecordFailure()
	clock.Advance(2 * time.Minute)

	if !b.Available() {
		t.Fatal("Available() should report true once the timeout elapsed")
	}
	// Available must not consume the probe slot
	if err := b.Allow(); err != nil {
		t.Errorf("Allow() after Available() should still win the probe: %v", err)
	}
}

func TestBreakerStateChangeCallback(t *testing.T) {
	clock := newFakeClock()
	var transitions []string
	b := NewBreaker(&Config{
		Name:             "cb",
		FailureThreshold: 1,
		Timeout:          time.Minute,
		Clock:            clock.Now,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, from.String()+">"+to.String())
		},
	})

	b.RecordFailure()
	clock.Advance(2 * time.Minute)
	_ = b.Allow()
	b.RecordSuccess()

	want := []string{"closed>open", "open>half-open", "half-open>closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestRetryBackoffDoublesAndCaps(t *testing.T) {
	cfg := &RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   100 * time.Millisecond,
		MaxBackoff:  500 * time.Millisecond,
	}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 500 * time.Millisecond},
		{10, 500 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := cfg.Backoff(tc.attempt); got != tc.want {
			t.Errorf("Backoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}
