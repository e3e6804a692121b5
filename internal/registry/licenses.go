// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/keymeter/keymeter/internal/cache"
	"github.com/keymeter/keymeter/internal/domain"
	"github.com/keymeter/keymeter/internal/metrics"
)

// LicenseStore is the durable-store surface the License Registry needs.
type LicenseStore interface {
	Insert(ctx context.Context, license domain.License) (domain.License, error)
	GetByID(ctx context.Context, id uuid.UUID) (domain.License, error)
	Update(ctx context.Context, id uuid.UUID, patch domain.LicensePatch) (domain.License, error)
	Revoke(ctx context.Context, id uuid.UUID) (domain.License, error)
	ListByAPIKey(ctx context.Context, apiKeyID uuid.UUID) ([]domain.License, error)
}

// LicenseRegistry owns license lifecycle and the cache-aside read path for
// individual licenses. Validity is always evaluated with License.ValidAt at
// check time, never cached as a precomputed boolean.
type LicenseRegistry struct {
	store    LicenseStore
	cache    cache.Cache
	logger   *slog.Logger
	ttl      time.Duration
	timeouts Timeouts
	now      func() time.Time
}

type LicenseRegistryDeps struct {
	Store    LicenseStore
	Cache    cache.Cache
	Logger   *slog.Logger
	CacheTTL time.Duration
	Timeouts Timeouts
	Now      func() time.Time
}

func NewLicenseRegistry(deps LicenseRegistryDeps) *LicenseRegistry {
	if deps.Store == nil {
		panic("registry.NewLicenseRegistry requires a store")
	}
	if deps.Cache == nil {
		panic("registry.NewLicenseRegistry requires a cache")
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

	return &LicenseRegistry{
		store:    deps.Store,
		cache:    deps.Cache,
		logger:   logger,
		ttl:      ttl,
		timeouts: deps.Timeouts.normalized(),
		now:      now,
	}
}

// Issue creates an active license bound to an API key. The store rejects an
// owning key that does not exist.
func (r *LicenseRegistry) Issue(ctx context.Context, params domain.IssueLicenseParams) (domain.License, error) {
	if params.APIKeyID == uuid.Nil {
		return domain.License{}, domain.ErrInvalidOwner
	}
	if strings.TrimSpace(params.ProductID) == "" {
		return domain.License{}, domain.ErrInvalidProduct
	}
	if !params.ExpiresAt.After(r.now()) {
		return domain.License{}, domain.ErrInvalidExpiry
	}

	license := domain.License{
		ID:        uuid.New(),
		APIKeyID:  params.APIKeyID,
		ProductID: params.ProductID,
		ExpiresAt: params.ExpiresAt.UTC(),
		IsActive:  true,
	}

	storeCtx, cancel := withTimeout(ctx, r.timeouts.Store)
	defer cancel()

	created, err := r.store.Insert(storeCtx, license)
	if err != nil {
		return domain.License{}, err
	}

	r.cacheLicense(ctx, created)
	return created, nil
}

// Get reads a license by id: cache first, store on miss.
func (r *LicenseRegistry) Get(ctx context.Context, id uuid.UUID) (domain.License, error) {
	if license, ok := r.cachedLicense(ctx, id); ok {
		metrics.IncCacheRequest(metrics.EntityLicense, metrics.CacheHit)
		return license, nil
	}
	metrics.IncCacheRequest(metrics.EntityLicense, metrics.CacheMiss)

	storeCtx, cancel := withTimeout(ctx, r.timeouts.Store)
	defer cancel()

	license, err := r.store.GetByID(storeCtx, id)
	if err != nil {
		return domain.License{}, err
	}

	r.cacheLicense(ctx, license)
	return license, nil
}

// Update applies a partial update and refreshes the cache entry.
func (r *LicenseRegistry) Update(ctx context.Context, id uuid.UUID, patch domain.LicensePatch) (domain.License, error) {
	if patch.IsZero() {
		return domain.License{}, domain.ErrEmptyPatch
	}

	storeCtx, cancel := withTimeout(ctx, r.timeouts.Store)
	defer cancel()

	license, err := r.store.Update(storeCtx, id, patch)
	if err != nil {
		return domain.License{}, err
	}

	r.cacheLicense(ctx, license)
	return license, nil
}

// Revoke deactivates the license irreversibly and refreshes the cache with
// the revoked record so a cached grant cannot outlive the revocation.
func (r *LicenseRegistry) Revoke(ctx context.Context, id uuid.UUID) (domain.License, error) {
	storeCtx, cancel := withTimeout(ctx, r.timeouts.Store)
	defer cancel()

	license, err := r.store.Revoke(storeCtx, id)
	if err != nil {
		return domain.License{}, err
	}

	r.cacheLicense(ctx, license)
	return license, nil
}

// ListByAPIKey returns every license owned by the key. Collections are
// never cached; invalidating a cached list on single-item mutation is
// error-prone.
func (r *LicenseRegistry) ListByAPIKey(ctx context.Context, apiKeyID uuid.UUID) ([]domain.License, error) {
	storeCtx, cancel := withTimeout(ctx, r.timeouts.Store)
	defer cancel()
	return r.store.ListByAPIKey(storeCtx, apiKeyID)
}

// HasValidLicense reports whether the key holds a currently valid license
// for the product.
func (r *LicenseRegistry) HasValidLicense(ctx context.Context, apiKeyID uuid.UUID, productID string) (bool, error) {
	licenses, err := r.ListByAPIKey(ctx, apiKeyID)
	if err != nil {
		return false, err
	}

	now := r.now()
	for _, license := range licenses {
		if license.ProductID == productID && license.ValidAt(now) {
			return true, nil
		}
	}
	return false, nil
}

func (r *LicenseRegistry) cachedLicense(ctx context.Context, id uuid.UUID) (domain.License, bool) {
	cacheCtx, cancel := withTimeout(ctx, r.timeouts.Cache)
	defer cancel()

	raw, err := r.cache.Get(cacheCtx, licenseCachePrefix+id.String())
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			r.logger.Warn("license cache read failed, treating as miss", "license_id", id, "error", err)
		}
		return domain.License{}, false
	}

	var license domain.License
	if err := json.Unmarshal(raw, &license); err != nil {
		r.logger.Warn("license cache entry corrupt, treating as miss", "license_id", id, "error", err)
		return domain.License{}, false
	}
	return license, true
}

func (r *LicenseRegistry) cacheLicense(ctx context.Context, license domain.License) {
	raw, err := json.Marshal(license)
	if err != nil {
		r.logger.Warn("license cache encode failed", "license_id", license.ID, "error", err)
		return
	}

	cacheCtx, cancel := withTimeout(ctx, r.timeouts.Cache)
	defer cancel()

	if err := r.cache.Set(cacheCtx, licenseCachePrefix+license.ID.String(), raw, r.ttl); err != nil {
		r.logger.Warn("license cache write failed", "license_id", license.ID, "error", err)
	}
}
