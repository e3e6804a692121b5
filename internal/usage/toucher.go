// SPDX-License-Identifier: Apache-2.0

// Package usage coalesces best-effort last-used touches and flushes them to
// the durable store in the background. The freshness touch is advisory: a
// lost touch never blocks or fails a request.
package usage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/keymeter/keymeter/internal/metrics"
)

const defaultFlushInterval = 30 * time.Second

// KeyToucher writes coalesced last-used timestamps to the store.
type KeyToucher interface {
	TouchLastUsed(ctx context.Context, touches map[string]time.Time) error
}

// Toucher buffers one pending timestamp per key and flushes the batch on a
// ticker. Safe for concurrent use.
type Toucher struct {
	store         KeyToucher
	logger        *slog.Logger
	flushInterval time.Duration
	now           func() time.Time

	mu      sync.Mutex
	pending map[string]time.Time
}

type Deps struct {
	Store         KeyToucher
	Logger        *slog.Logger
	FlushInterval time.Duration
	Now           func() time.Time
}

func New(deps Deps) *Toucher {
	if deps.Store == nil {
		panic("usage.New requires a store")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := deps.FlushInterval
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return &Toucher{
		store:         deps.Store,
		logger:        logger,
		flushInterval: interval,
		now:           now,
		pending:       make(map[string]time.Time, 64),
	}
}

// Touch records that the key authorized a request just now. Later touches
// for the same key replace earlier ones; nothing is written until the next
// flush.
func (t *Toucher) Touch(keyString string) {
	if keyString == "" {
		return
	}
	at := t.now().UTC()

	t.mu.Lock()
	t.pending[keyString] = at
	t.mu.Unlock()
}

// Run flushes on a ticker until ctx is canceled, then drains what is left.
func (t *Toucher) Run(ctx context.Context) {
	ticker := time.NewTicker(t.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final drain with its own deadline; the request context is gone.
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			t.Flush(drainCtx)
			cancel()
			return
		case <-ticker.C:
			t.Flush(ctx)
		}
	}
}

// Flush writes the pending batch. Failures are logged and the batch is
// dropped: the touch is advisory and the next request re-records it.
func (t *Toucher) Flush(ctx context.Context) {
	t.mu.Lock()
	if len(t.pending) == 0 {
		t.mu.Unlock()
		metrics.ObserveTouchFlushSize(0)
		return
	}
	batch := t.pending
	t.pending = make(map[string]time.Time, 64)
	t.mu.Unlock()

	metrics.ObserveTouchFlushSize(len(batch))

	if err := t.store.TouchLastUsed(ctx, batch); err != nil {
		t.logger.Warn("last-used flush failed",
			"keys", len(batch),
			"error", err,
		)
		return
	}

	t.logger.Debug("last-used flush complete", "keys", len(batch))
}

// PendingCount reports the number of keys waiting for the next flush.
func (t *Toucher) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
