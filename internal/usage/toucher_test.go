// SPDX-License-Identifier: Apache-2.0

package usage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type recordingStore struct {
	mu      sync.Mutex
	batches []map[string]time.Time
	err     error
}

func (s *recordingStore) TouchLastUsed(_ context.Context, touches map[string]time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	copied := make(map[string]time.Time, len(touches))
	for k, v := range touches {
		copied[k] = v
	}
	s.batches = append(s.batches, copied)
	return nil
}

func (s *recordingStore) flushed() []map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]time.Time(nil), s.batches...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestToucherCoalescesSameKey(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := base
	toucher := New(Deps{
		Store:  &recordingStore{},
		Logger: testLogger(),
		Now:    func() time.Time { return current },
	})

	toucher.Touch("ak_a")
	current = base.Add(time.Second)
	toucher.Touch("ak_a")
	toucher.Touch("ak_b")

	if got := toucher.PendingCount(); got != 2 {
		t.Fatalf("pending = %d, want 2 (same key coalesces)", got)
	}
}

func TestToucherFlushWritesBatchOnce(t *testing.T) {
	t.Parallel()

	store := &recordingStore{}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	toucher := New(Deps{
		Store:  store,
		Logger: testLogger(),
		Now:    func() time.Time { return at },
	})

	toucher.Touch("ak_a")
	toucher.Touch("ak_b")
	toucher.Flush(context.Background())

	batches := store.flushed()
	if len(batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(batches))
	}
	if len(batches[0]) != 2 {
		t.Fatalf("batch size = %d, want 2", len(batches[0]))
	}
	if got := batches[0]["ak_a"]; !got.Equal(at) {
		t.Fatalf("ak_a touched at %v, want %v", got, at)
	}
	if toucher.PendingCount() != 0 {
		t.Fatalf("pending after flush = %d, want 0", toucher.PendingCount())
	}

	// An empty follow-up flush writes nothing.
	toucher.Flush(context.Background())
	if got := len(store.flushed()); got != 1 {
		t.Fatalf("batches after empty flush = %d, want 1", got)
	}
}

func TestToucherDropsBatchOnStoreError(t *testing.T) {
	t.Parallel()

	store := &recordingStore{err: errors.New("connection refused")}
	toucher := New(Deps{Store: store, Logger: testLogger()})

	toucher.Touch("ak_a")
	toucher.Flush(context.Background())

	// The failed batch is dropped, not retried.
	if got := toucher.PendingCount(); got != 0 {
		t.Fatalf("pending after failed flush = %d, want 0", got)
	}
}

func TestToucherIgnoresEmptyKey(t *testing.T) {
	t.Parallel()

	toucher := New(Deps{Store: &recordingStore{}, Logger: testLogger()})
	toucher.Touch("")

	if got := toucher.PendingCount(); got != 0 {
		t.Fatalf("pending = %d, want 0", got)
	}
}

func TestToucherRunDrainsOnShutdown(t *testing.T) {
	t.Parallel()

	store := &recordingStore{}
	toucher := New(Deps{
		Store:         store,
		Logger:        testLogger(),
		FlushInterval: time.Hour, // never ticks during the test
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		toucher.Run(ctx)
		close(done)
	}()

	toucher.Touch("ak_a")
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	batches := store.flushed()
	if len(batches) != 1 || len(batches[0]) != 1 {
		t.Fatalf("drain batches = %v, want one batch with one key", batches)
	}
}
