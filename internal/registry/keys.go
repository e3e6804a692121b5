// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/keymeter/keymeter/internal/cache"
	"github.com/keymeter/keymeter/internal/domain"
	"github.com/keymeter/keymeter/internal/metrics"
)

// KeyStore is the durable-store surface the Key Registry needs.
type KeyStore interface {
	Insert(ctx context.Context, key domain.APIKey) error
	GetByKey(ctx context.Context, keyString string) (domain.APIKey, error)
	List(ctx context.Context) ([]domain.APIKey, error)
	Update(ctx context.Context, keyString string, patch domain.APIKeyPatch) (domain.APIKey, error)
	Deactivate(ctx context.Context, keyString string) error
}

// KeyGenerator produces a new bearer secret for an issued key.
type KeyGenerator func() (string, error)

// KeyRegistry owns API key lifecycle and the cache-aside read path.
type KeyRegistry struct {
	store    KeyStore
	cache    cache.Cache
	logger   *slog.Logger
	ttl      time.Duration
	timeouts Timeouts
	generate KeyGenerator
	now      func() time.Time
}

type KeyRegistryDeps struct {
	Store    KeyStore
	Cache    cache.Cache
	Logger   *slog.Logger
	CacheTTL time.Duration
	Timeouts Timeouts
	Generate KeyGenerator
	Now      func() time.Time
}

func NewKeyRegistry(deps KeyRegistryDeps) *KeyRegistry {
	if deps.Store == nil {
		panic("registry.NewKeyRegistry requires a store")
	}
	if deps.Cache == nil {
		panic("registry.NewKeyRegistry requires a cache")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := deps.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return &KeyRegistry{
		store:    deps.Store,
		cache:    deps.Cache,
		logger:   logger,
		ttl:      ttl,
		timeouts: deps.Timeouts.normalized(),
		generate: deps.Generate,
		now:      now,
	}
}

// Issue creates a new active key with the given starting balance, persists
// it and populates the cache.
func (r *KeyRegistry) Issue(ctx context.Context, params domain.IssueAPIKeyParams) (domain.APIKey, error) {
	if params.OwnerID == uuid.Nil {
		return domain.APIKey{}, domain.ErrInvalidOwner
	}
	if params.InitialCredits < 0 {
		return domain.APIKey{}, domain.ErrNegativeAmount
	}

	keyString, err := r.generateKeyString()
	if err != nil {
		return domain.APIKey{}, err
	}

	key := domain.APIKey{
		ID:        uuid.New(),
		Key:       keyString,
		OwnerID:   params.OwnerID,
		Credits:   params.InitialCredits,
		CreatedAt: r.now().UTC(),
		IsActive:  true,
	}

	storeCtx, cancel := withTimeout(ctx, r.timeouts.Store)
	defer cancel()
	if err := r.store.Insert(storeCtx, key); err != nil {
		return domain.APIKey{}, err
	}

	r.cacheKey(ctx, key)
	return key, nil
}

// Resolve looks a key up by its bearer secret: cache first, store on miss.
// A hit is served without touching the store, accepting that last_used may
// be stale inside the TTL window.
func (r *KeyRegistry) Resolve(ctx context.Context, keyString string) (domain.APIKey, error) {
	if key, ok := r.cachedKey(ctx, keyString); ok {
		metrics.IncCacheRequest(metrics.EntityAPIKey, metrics.CacheHit)
		return key, nil
	}
	metrics.IncCacheRequest(metrics.EntityAPIKey, metrics.CacheMiss)

	storeCtx, cancel := withTimeout(ctx, r.timeouts.Store)
	defer cancel()

	key, err := r.store.GetByKey(storeCtx, keyString)
	if err != nil {
		return domain.APIKey{}, err
	}

	r.cacheKey(ctx, key)
	return key, nil
}

// List returns every key, active or not. Admin surface; never cached.
func (r *KeyRegistry) List(ctx context.Context) ([]domain.APIKey, error) {
	storeCtx, cancel := withTimeout(ctx, r.timeouts.Store)
	defer cancel()
	return r.store.List(storeCtx)
}

// Update applies a partial update to the mutable fields, then overwrites the
// cache entry with the updated record (write-through).
func (r *KeyRegistry) Update(ctx context.Context, keyString string, patch domain.APIKeyPatch) (domain.APIKey, error) {
	if patch.IsZero() {
		return domain.APIKey{}, domain.ErrEmptyPatch
	}

	storeCtx, cancel := withTimeout(ctx, r.timeouts.Store)
	defer cancel()

	key, err := r.store.Update(storeCtx, keyString, patch)
	if err != nil {
		return domain.APIKey{}, err
	}

	r.cacheKey(ctx, key)
	return key, nil
}

// Deactivate disables the key and evicts its cache entry. Eviction, not
// overwrite: a previously cached positive authorization must not linger past
// revocation. Idempotent for already-inactive keys.
func (r *KeyRegistry) Deactivate(ctx context.Context, keyString string) error {
	storeCtx, cancel := withTimeout(ctx, r.timeouts.Store)
	defer cancel()

	if err := r.store.Deactivate(storeCtx, keyString); err != nil {
		return err
	}

	r.evictKey(ctx, keyString)
	return nil
}

func (r *KeyRegistry) generateKeyString() (string, error) {
	if r.generate != nil {
		return r.generate()
	}
	return "", errors.New("registry: no key generator configured")
}

func (r *KeyRegistry) cachedKey(ctx context.Context, keyString string) (domain.APIKey, bool) {
	cacheCtx, cancel := withTimeout(ctx, r.timeouts.Cache)
	defer cancel()

	raw, err := r.cache.Get(cacheCtx, apiKeyCachePrefix+keyString)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			r.logger.Warn("api key cache read failed, treating as miss", "error", err)
		}
		return domain.APIKey{}, false
	}

	var key domain.APIKey
	if err := json.Unmarshal(raw, &key); err != nil {
		r.logger.Warn("api key cache entry corrupt, treating as miss", "error", err)
		return domain.APIKey{}, false
	}
	return key, true
}

func (r *KeyRegistry) cacheKey(ctx context.Context, key domain.APIKey) {
	raw, err := json.Marshal(key)
	if err != nil {
		r.logger.Warn("api key cache encode failed", "api_key_id", key.ID, "error", err)
		return
	}

	cacheCtx, cancel := withTimeout(ctx, r.timeouts.Cache)
	defer cancel()

	if err := r.cache.Set(cacheCtx, apiKeyCachePrefix+key.Key, raw, r.ttl); err != nil {
		r.logger.Warn("api key cache write failed", "api_key_id", key.ID, "error", err)
	}
}

func (r *KeyRegistry) evictKey(ctx context.Context, keyString string) {
	cacheCtx, cancel := withTimeout(ctx, r.timeouts.Cache)
	defer cancel()

	if err := r.cache.Delete(cacheCtx, apiKeyCachePrefix+keyString); err != nil {
		r.logger.Warn("api key cache evict failed", "error", err)
	}
}
