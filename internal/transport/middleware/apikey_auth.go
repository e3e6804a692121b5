// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/keymeter/keymeter/internal/auth"
	"github.com/keymeter/keymeter/internal/domain"
	"github.com/keymeter/keymeter/internal/metrics"
)

const (
	headerAPIKey             = "X-API-Key"
	headerRateLimitLimit     = "X-RateLimit-Limit"
	headerRateLimitRemaining = "X-RateLimit-Remaining"
	headerRetryAfter         = "Retry-After"
)

// KeyResolver resolves a presented key string to its record, cache first.
type KeyResolver interface {
	Resolve(ctx context.Context, keyString string) (domain.APIKey, error)
}

// UsageToucher records the best-effort freshness touch. It must never block.
type UsageToucher interface {
	Touch(keyString string)
}

// APIKeyAuth is the first two gates of the authorization pipeline: key
// presence and key resolution. It rejects a missing header with 401, an
// unknown or deactivated key with 401, rate-limits per key, records the
// advisory last-used touch and stores the resolved record on the request
// context for the downstream gates.
func APIKeyAuth(resolver KeyResolver, toucher UsageToucher, requestsPerMin int, logger *slog.Logger) func(http.Handler) http.Handler {
	return apiKeyAuthWithLimiter(resolver, toucher, newInMemoryRateLimiter(), requestsPerMin, logger)
}

func apiKeyAuthWithLimiter(
	resolver KeyResolver,
	toucher UsageToucher,
	limiter *inMemoryRateLimiter,
	requestsPerMin int,
	logger *slog.Logger,
) func(http.Handler) http.Handler {
	if resolver == nil {
		panic("middleware.APIKeyAuth requires a resolver")
	}
	if limiter == nil {
		panic("middleware.APIKeyAuth requires a limiter")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			keyString := r.Header.Get(headerAPIKey)
			if keyString == "" {
				metrics.IncAuthzDecision(metrics.GateKey, metrics.OutcomeMissingCredential)
				logger.Warn("request blocked by api key gate",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
					"reason", "missing",
				)
				writeError(w, http.StatusUnauthorized, "API key is missing")
				return
			}

			key, err := resolver.Resolve(r.Context(), keyString)
			if err == nil && !key.IsActive {
				// A deactivated key never authorizes again, even when
				// the record was served from cache.
				err = domain.ErrKeyInactive
			}
			if err != nil {
				switch {
				case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrKeyInactive):
					metrics.IncAuthzDecision(metrics.GateKey, metrics.OutcomeInvalidCredential)
					logger.Warn("request blocked by api key gate",
						"path", r.URL.Path,
						"remote_addr", r.RemoteAddr,
						"error", err,
					)
					writeError(w, http.StatusUnauthorized, "invalid or inactive API key")
				default:
					metrics.IncAuthzDecision(metrics.GateKey, metrics.OutcomePersistenceFailure)
					logger.Error("api key resolution failed",
						"path", r.URL.Path,
						"remote_addr", r.RemoteAddr,
						"error", err,
					)
					writeError(w, http.StatusInternalServerError, "authorization lookup failed")
				}
				return
			}

			decision := limiter.Allow(key.ID, requestsPerMin, time.Now())
			w.Header().Set(headerRateLimitLimit, strconv.Itoa(decision.LimitPerMinute))
			w.Header().Set(headerRateLimitRemaining, strconv.Itoa(decision.Remaining))
			if !decision.Allowed {
				metrics.IncAuthzDecision(metrics.GateKey, metrics.OutcomeRateLimited)
				w.Header().Set(headerRetryAfter, strconv.Itoa(decision.RetryAfterSeconds))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			// Advisory freshness touch. Enqueued, flushed in the
			// background, and allowed to fail silently.
			if toucher != nil {
				toucher.Touch(key.Key)
			}

			metrics.IncAuthzDecision(metrics.GateKey, metrics.OutcomePass)

			// Preserve authenticated context on the current request pointer
			// so outer middleware (request logging) can read the key id
			// after next returns.
			*r = *r.WithContext(auth.WithAPIKey(r.Context(), key))
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
