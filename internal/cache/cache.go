// SPDX-License-Identifier: Apache-2.0

// Package cache defines the key-value TTL cache used as a read-through /
// write-through accelerator in front of the durable store. The cache is
// never the system of record: any entry may be dropped at any time and is
// rebuilt from the store on the next read.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when no live entry exists for the key.
var ErrMiss = errors.New("cache: miss")

// Cache is a key-value store with per-entry TTL. Implementations must be
// safe for concurrent use. Callers treat every error as a miss.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
