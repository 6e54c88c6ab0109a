package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/convergelabs/modelgate/core"
)

type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time          { return f.now }
func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func TestMemoryReserveAndExhaustion(t *testing.T) {
	ctx := context.Background()
	svc := NewMemoryService(Limits{DefaultLimit: 3, Window: time.Hour})
	key := TenantKey("acme")

	for i := 0; i < 3; i++ {
		if _, err := svc.Reserve(ctx, key, 1); err != nil {
			t.Fatalf("Reserve %d failed: %v", i, err)
		}
	}

	info, err := svc.Reserve(ctx, key, 1)
	if err == nil {
		t.Fatal("fourth Reserve should fail")
	}
	if !errors.Is(err, core.ErrQuotaExhausted) {
		t.Errorf("error should wrap ErrQuotaExhausted, got %v", err)
	}
	if core.KindOf(err) != core.KindQuotaExhausted {
		t.Errorf("error kind = %v, want QUOTA_EXHAUSTED", core.KindOf(err))
	}
	if info.Remaining != 0 {
		t.Errorf("Remaining = %d, want 0", info.Remaining)
	}

	var ge *core.GatewayError
	if !errors.As(err, &ge) {
		t.Fatal("expected a GatewayError")
	}
	if ge.RetryAfter <= 0 {
		t.Error("exhaustion should carry a RetryAfter hint")
	}
}

func TestMemoryFailedReserveLeavesCounterUnchanged(t *testing.T) {
	ctx := context.Background()
	svc := NewMemoryService(Limits{DefaultLimit: 5, Window: time.Hour})
	key := TenantKey("acme")

	if _, err := svc.Reserve(ctx, key, 3); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Reserve(ctx, key, 3); err == nil {
		t.Fatal("overshooting Reserve should fail")
	}

	info, _ := svc.Check(ctx, key)
	if info.Used != 3 {
		t.Errorf("Used = %d after failed reserve, want 3", info.Used)
	}
	// Capacity below the failed amount is still reservable
	if _, err := svc.Reserve(ctx, key, 2); err != nil {
		t.Errorf("Reserve(2) should still succeed: %v", err)
	}
}

func TestMemoryWindowLazyReset(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	svc := NewMemoryService(Limits{DefaultLimit: 2, Window: time.Hour}, WithClock(clock.Now))
	key := TenantKey("acme")

	svc.Reserve(ctx, key, 2)
	if _, err := svc.Reserve(ctx, key, 1); err == nil {
		t.Fatal("should be exhausted")
	}

	clock.Advance(61 * time.Minute)
	if _, err := svc.Reserve(ctx, key, 1); err != nil {
		t.Errorf("Reserve after window elapsed should succeed: %v", err)
	}
	info, _ := svc.Check(ctx, key)
	if info.Used != 1 {
		t.Errorf("Used after reset = %d, want 1", info.Used)
	}
}

func TestMemoryReleaseClampsAtZero(t *testing.T) {
	ctx := context.Background()
	svc := NewMemoryService(Limits{DefaultLimit: 10, Window: time.Hour})
	key := TenantKey("acme")

	svc.Reserve(ctx, key, 1)
	svc.Release(ctx, key, 5)

	info, _ := svc.Check(ctx, key)
	if info.Used != 0 {
		t.Errorf("Used = %d, want 0 (clamped)", info.Used)
	}
}

func TestMemoryRecordUsageChargesOnlyPositiveDelta(t *testing.T) {
	ctx := context.Background()
	svc := NewMemoryService(Limits{DefaultLimit: 1000, Window: time.Hour})
	key := ProviderKey("acme", "openai")

	svc.Reserve(ctx, key, 1)
	if err := svc.RecordUsage(ctx, key, 1, 42); err != nil {
		t.Fatal(err)
	}
	info, _ := svc.Check(ctx, key)
	if info.Used != 42 {
		t.Errorf("Used = %d, want 42 (1 reserved + 41 delta)", info.Used)
	}

	// Actual below reserved charges nothing extra
	svc.Reserve(ctx, key, 10)
	if err := svc.RecordUsage(ctx, key, 10, 4); err != nil {
		t.Fatal(err)
	}
	info, _ = svc.Check(ctx, key)
	if info.Used != 52 {
		t.Errorf("Used = %d, want 52", info.Used)
	}
}

func TestLimitOverrides(t *testing.T) {
	limits := Limits{
		DefaultLimit: 100,
		Window:       time.Hour,
		Overrides:    map[string]int64{TenantKey("vip"): 5000},
	}
	if got := limits.LimitFor(TenantKey("vip")); got != 5000 {
		t.Errorf("override limit = %d, want 5000", got)
	}
	if got := limits.LimitFor(TenantKey("other")); got != 100 {
		t.Errorf("default limit = %d, want 100", got)
	}
}

func TestKeySpacesAreDisjoint(t *testing.T) {
	ctx := context.Background()
	svc := NewMemoryService(Limits{DefaultLimit: 1, Window: time.Hour})

	if _, err := svc.Reserve(ctx, TenantKey("acme"), 1); err != nil {
		t.Fatal(err)
	}
	// The provider gate for the same tenant is a separate counter
	if _, err := svc.Reserve(ctx, ProviderKey("acme", "openai"), 1); err != nil {
		t.Errorf("provider-gate reserve should be independent: %v", err)
	}
}
