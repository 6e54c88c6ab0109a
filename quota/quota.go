// Package quota implements per-tenant and per-provider windowed usage
// counters with reserve/release semantics. The same service backs the
// two orthogonal gates: the AUTHORIZE-phase tenant gate and the
// provider adapter gate; they use disjoint key spaces.
package quota

import (
	"context"
	"fmt"
	"time"
)

// Info is a point-in-time view of one quota counter
type Info struct {
	Key       string
	Used      int64
	Limit     int64
	Remaining int64 // max(0, Limit-Used)
	ResetAtMs int64 // epoch milliseconds of the next window reset
}

// Service is the quota gate contract. All operations are atomic per
// key; window resets are lazy at read time.
type Service interface {
	// Check returns the counter without modifying it
	Check(ctx context.Context, key string) (Info, error)

	// Reserve atomically adds n if remaining capacity allows, otherwise
	// fails with QUOTA_EXHAUSTED and leaves the counter unchanged
	Reserve(ctx context.Context, key string, n int64) (Info, error)

	// Release subtracts n, clamping at zero. Pairs with Reserve on
	// cancellation and error paths.
	Release(ctx context.Context, key string, n int64) error

	// RecordUsage settles a reservation against actual consumption:
	// when actual exceeds reserved the delta is charged. Pairs with
	// Reserve on success paths.
	RecordUsage(ctx context.Context, key string, reserved, actual int64) error
}

// Limits configures counter limits and the reset window
type Limits struct {
	DefaultLimit int64
	Window       time.Duration
	// Overrides maps specific quota keys to custom limits
	Overrides map[string]int64
}

// LimitFor resolves the limit for a key
func (l Limits) LimitFor(key string) int64 {
	if l.Overrides != nil {
		if v, ok := l.Overrides[key]; ok {
			return v
		}
	}
	return l.DefaultLimit
}

// TenantKey builds the key for the tenant-level gate
func TenantKey(tenantID string) string {
	return fmt.Sprintf("tenant:%s", tenantID)
}

// ProviderKey builds the key for the per-provider gate
func ProviderKey(tenantID, providerID string) string {
	return fmt.Sprintf("provider:%s:%s", tenantID, providerID)
}
