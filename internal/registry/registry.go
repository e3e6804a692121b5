// SPDX-License-Identifier: Apache-2.0

// Package registry holds the authorization core: the Key Registry, Credit
// Meter and License Registry. Each one owns the cache-aside read path and
// the write-through discipline for its entity; the durable store stays the
// single source of truth and every cache entry is rebuildable from it.
package registry

import (
	"context"
	"time"
)

const (
	defaultCacheTTL     = time.Hour
	defaultStoreTimeout = 5 * time.Second
	defaultCacheTimeout = 250 * time.Millisecond

	apiKeyCachePrefix  = "apikey:"
	licenseCachePrefix = "license:"
)

// Timeouts bound every store and cache call issued by a registry. A timed
// out cache read falls through to the store; a timed out store call surfaces
// as a persistence failure.
type Timeouts struct {
	Store time.Duration
	Cache time.Duration
}

func (t Timeouts) normalized() Timeouts {
	if t.Store <= 0 {
		t.Store = defaultStoreTimeout
	}
	if t.Cache <= 0 {
		t.Cache = defaultCacheTimeout
	}
	return t
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d)
}
