// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryGetMissOnUnknownKey(t *testing.T) {
	m := NewMemory()

	_, err := m.Get(context.Background(), "apikey:unknown")
	if !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss, got %v", err)
	}
}

func TestMemorySetGetRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.Set(ctx, "apikey:abc", []byte(`{"credits":10}`), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err := m.Get(ctx, "apikey:abc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != `{"credits":10}` {
		t.Fatalf("unexpected cached value: %s", got)
	}
}

func TestMemoryExpiry(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.Set(ctx, "license:1", []byte("x"), 5*time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}

	time.Sleep(15 * time.Millisecond)

	if _, err := m.Get(ctx, "license:1"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected expired entry to report ErrMiss, got %v", err)
	}
	if m.Len() != 0 {
		t.Fatalf("expected lazy expiry to drop the entry, have %d", m.Len())
	}
}

func TestMemoryDelete(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.Set(ctx, "apikey:abc", []byte("x"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := m.Delete(ctx, "apikey:abc"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := m.Get(ctx, "apikey:abc"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected deleted entry to report ErrMiss, got %v", err)
	}
}

func TestMemorySweepDropsExpired(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_ = m.Set(ctx, "a", []byte("1"), time.Nanosecond)
	_ = m.Set(ctx, "b", []byte("2"), time.Hour)

	m.sweep(time.Now().Add(time.Millisecond))

	if m.Len() != 1 {
		t.Fatalf("expected one live entry after sweep, have %d", m.Len())
	}
	if _, err := m.Get(ctx, "b"); err != nil {
		t.Fatalf("expected live entry to survive sweep, got %v", err)
	}
}

func TestMemoryRespectsCanceledContext(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := m.Get(ctx, "a"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error from get, got %v", err)
	}
	if err := m.Set(ctx, "a", []byte("1"), time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error from set, got %v", err)
	}
}
