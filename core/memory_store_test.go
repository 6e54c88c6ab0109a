package core

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryStoreRoundTrip(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	if err := store.Set(ctx, "k", "v", 0); err != nil {
		t.Fatal(err)
	}
	v, err := store.Get(ctx, "k")
	if err != nil || v != "v" {
		t.Errorf("get = %q, %v", v, err)
	}
	ok, err := store.Exists(ctx, "k")
	if err != nil || !ok {
		t.Errorf("exists = %v, %v", ok, err)
	}

	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	v, err = store.Get(ctx, "k")
	if err != nil || v != "" {
		t.Errorf("get after delete = %q, %v", v, err)
	}
}

func TestInMemoryStoreMissingKeyIsEmpty(t *testing.T) {
	store := NewInMemoryStore()
	v, err := store.Get(context.Background(), "absent")
	if err != nil || v != "" {
		t.Errorf("get = %q, %v", v, err)
	}
}

func TestInMemoryStoreTTLExpiry(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	if err := store.Set(ctx, "k", "v", 20*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if v, _ := store.Get(ctx, "k"); v != "v" {
		t.Fatal("value should be readable before expiry")
	}
	time.Sleep(40 * time.Millisecond)
	if v, _ := store.Get(ctx, "k"); v != "" {
		t.Errorf("value survived its TTL: %q", v)
	}
}
