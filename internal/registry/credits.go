// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/keymeter/keymeter/internal/cache"
	"github.com/keymeter/keymeter/internal/domain"
	"github.com/keymeter/keymeter/internal/metrics"
)

// CreditStore is the durable-store surface the Credit Meter needs. Both
// operations are atomic on the store side; the meter never reads a balance
// and writes a computed one back.
type CreditStore interface {
	DeductCredits(ctx context.Context, keyString string, amount int64) (domain.APIKey, error)
	AddCredits(ctx context.Context, keyString string, amount int64) (domain.APIKey, error)
}

// BalanceNotifier is told when a successful deduction lands a key's balance
// at or below the configured threshold. Delivery is best-effort.
type BalanceNotifier interface {
	NotifyLowBalance(ctx context.Context, key domain.APIKey)
}

// CreditMeter owns balance mutation. All credit math is delegated to the
// store's atomic procedures; the meter adds cache refresh, metrics and the
// low-balance alert on top.
type CreditMeter struct {
	store     CreditStore
	cache     cache.Cache
	logger    *slog.Logger
	ttl       time.Duration
	timeouts  Timeouts
	notifier  BalanceNotifier
	threshold int64
}

type CreditMeterDeps struct {
	Store    CreditStore
	Cache    cache.Cache
	Logger   *slog.Logger
	CacheTTL time.Duration
	Timeouts Timeouts

	// Notifier fires when a deduct lands the balance at or below
	// LowBalanceThreshold. Nil disables alerts.
	Notifier            BalanceNotifier
	LowBalanceThreshold int64
}

func NewCreditMeter(deps CreditMeterDeps) *CreditMeter {
	if deps.Store == nil {
		panic("registry.NewCreditMeter requires a store")
	}
	if deps.Cache == nil {
		panic("registry.NewCreditMeter requires a cache")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := deps.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}

	return &CreditMeter{
		store:     deps.Store,
		cache:     deps.Cache,
		logger:    logger,
		ttl:       ttl,
		timeouts:  deps.Timeouts.normalized(),
		notifier:  deps.Notifier,
		threshold: deps.LowBalanceThreshold,
	}
}

// Deduct atomically decrements the balance if and only if the result stays
// non-negative. A zero amount is a valid no-op. On success the cache is
// refreshed with the updated record.
func (m *CreditMeter) Deduct(ctx context.Context, keyString string, amount int64) (domain.APIKey, error) {
	if amount < 0 {
		return domain.APIKey{}, domain.ErrNegativeAmount
	}

	storeCtx, cancel := withTimeout(ctx, m.timeouts.Store)
	defer cancel()

	key, err := m.store.DeductCredits(storeCtx, keyString, amount)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInsufficientCredits):
			metrics.IncCreditOperation(metrics.CreditOpDeduct, metrics.ResultRejected)
		case errors.Is(err, domain.ErrNotFound):
			metrics.IncCreditOperation(metrics.CreditOpDeduct, metrics.ResultRejected)
		default:
			metrics.IncCreditOperation(metrics.CreditOpDeduct, metrics.ResultError)
		}
		return domain.APIKey{}, err
	}

	metrics.IncCreditOperation(metrics.CreditOpDeduct, metrics.ResultOK)
	metrics.AddCreditsSpent(amount)

	m.refreshCache(ctx, key)

	if m.notifier != nil && amount > 0 && key.Credits <= m.threshold {
		go m.dispatchLowBalance(key)
	}

	return key, nil
}

// Webhook delivery retries for tens of seconds when the receiver is down,
// so alerts get their own bounded context instead of the request's.
const lowBalanceNotifyTimeout = time.Minute

func (m *CreditMeter) dispatchLowBalance(key domain.APIKey) {
	ctx, cancel := context.WithTimeout(context.Background(), lowBalanceNotifyTimeout)
	defer cancel()
	m.notifier.NotifyLowBalance(ctx, key)
}

// Add atomically increments the balance. There is no upper bound.
func (m *CreditMeter) Add(ctx context.Context, keyString string, amount int64) (domain.APIKey, error) {
	if amount < 0 {
		return domain.APIKey{}, domain.ErrNegativeAmount
	}

	storeCtx, cancel := withTimeout(ctx, m.timeouts.Store)
	defer cancel()

	key, err := m.store.AddCredits(storeCtx, keyString, amount)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			metrics.IncCreditOperation(metrics.CreditOpAdd, metrics.ResultRejected)
		} else {
			metrics.IncCreditOperation(metrics.CreditOpAdd, metrics.ResultError)
		}
		return domain.APIKey{}, err
	}

	metrics.IncCreditOperation(metrics.CreditOpAdd, metrics.ResultOK)
	m.refreshCache(ctx, key)
	return key, nil
}

func (m *CreditMeter) refreshCache(ctx context.Context, key domain.APIKey) {
	raw, err := json.Marshal(key)
	if err != nil {
		m.logger.Warn("api key cache encode failed", "api_key_id", key.ID, "error", err)
		return
	}

	cacheCtx, cancel := withTimeout(ctx, m.timeouts.Cache)
	defer cancel()

	if err := m.cache.Set(cacheCtx, apiKeyCachePrefix+key.Key, raw, m.ttl); err != nil {
		m.logger.Warn("api key cache refresh failed", "api_key_id", key.ID, "error", err)
	}
}
