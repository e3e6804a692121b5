// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/keymeter/keymeter/internal/auth"
	"github.com/keymeter/keymeter/internal/domain"
	"github.com/keymeter/keymeter/internal/metrics"
)

// CreditDeductor is the Credit Meter surface the credit gate needs.
type CreditDeductor interface {
	Deduct(ctx context.Context, keyString string, amount int64) (domain.APIKey, error)
}

// RequireCredits is the credit gate: it atomically charges the route's cost
// against the authenticated key's balance and rejects with 403 when the
// balance cannot cover it. Runs after APIKeyAuth; on routes that also carry
// a license gate it runs after the license gate so callers are never charged
// for a product they are not licensed to use.
func RequireCredits(meter CreditDeductor, cost int64, logger *slog.Logger) func(http.Handler) http.Handler {
	if meter == nil {
		panic("middleware.RequireCredits requires a credit meter")
	}
	if cost < 0 {
		panic("middleware.RequireCredits requires a non-negative cost")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, ok := auth.APIKeyFromContext(r.Context())
			if !ok {
				// Pipeline misconfiguration: the key gate did not run.
				logger.Error("credit gate reached without authenticated key", "path", r.URL.Path)
				writeError(w, http.StatusUnauthorized, "API key is missing")
				return
			}

			updated, err := meter.Deduct(r.Context(), key.Key, cost)
			if err != nil {
				switch {
				case errors.Is(err, domain.ErrInsufficientCredits):
					metrics.IncAuthzDecision(metrics.GateCredit, metrics.OutcomeInsufficientFunds)
					logger.Warn("request blocked by credit gate",
						"path", r.URL.Path,
						"api_key_id", key.ID,
						"cost", cost,
					)
					writeError(w, http.StatusForbidden, "insufficient credits")
				case errors.Is(err, domain.ErrNotFound):
					// The key vanished between resolution and charge.
					metrics.IncAuthzDecision(metrics.GateCredit, metrics.OutcomeInvalidCredential)
					writeError(w, http.StatusUnauthorized, "invalid or inactive API key")
				default:
					metrics.IncAuthzDecision(metrics.GateCredit, metrics.OutcomePersistenceFailure)
					logger.Error("credit deduction failed",
						"path", r.URL.Path,
						"api_key_id", key.ID,
						"error", err,
					)
					writeError(w, http.StatusInternalServerError, "credit check failed")
				}
				return
			}

			metrics.IncAuthzDecision(metrics.GateCredit, metrics.OutcomePass)

			// Downstream handlers see the post-charge balance.
			*r = *r.WithContext(auth.WithAPIKey(r.Context(), updated))
			next.ServeHTTP(w, r)
		})
	}
}
