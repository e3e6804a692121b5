// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/keymeter/keymeter/internal/auth"
	"github.com/keymeter/keymeter/internal/metrics"

	"github.com/google/uuid"
)

// LicenseChecker is the License Registry surface the license gate needs.
type LicenseChecker interface {
	HasValidLicense(ctx context.Context, apiKeyID uuid.UUID, productID string) (bool, error)
}

// RequireLicense is the license gate: it rejects with 403 unless the
// authenticated key holds a currently valid license for the product named
// by the route's {productID} parameter. Validity is evaluated at request
// time; revoked or expired licenses never pass.
func RequireLicense(checker LicenseChecker, logger *slog.Logger) func(http.Handler) http.Handler {
	if checker == nil {
		panic("middleware.RequireLicense requires a license checker")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, ok := auth.APIKeyFromContext(r.Context())
			if !ok {
				logger.Error("license gate reached without authenticated key", "path", r.URL.Path)
				writeError(w, http.StatusUnauthorized, "API key is missing")
				return
			}

			productID := chi.URLParam(r, "productID")
			if productID == "" {
				writeError(w, http.StatusBadRequest, "product id is missing")
				return
			}

			valid, err := checker.HasValidLicense(r.Context(), key.ID, productID)
			if err != nil {
				metrics.IncAuthzDecision(metrics.GateLicense, metrics.OutcomePersistenceFailure)
				logger.Error("license check failed",
					"path", r.URL.Path,
					"api_key_id", key.ID,
					"product_id", productID,
					"error", err,
				)
				writeError(w, http.StatusInternalServerError, "license check failed")
				return
			}

			if !valid {
				metrics.IncAuthzDecision(metrics.GateLicense, metrics.OutcomeNoValidLicense)
				logger.Warn("request blocked by license gate",
					"path", r.URL.Path,
					"api_key_id", key.ID,
					"product_id", productID,
				)
				writeError(w, http.StatusForbidden, "no valid license for this product")
				return
			}

			metrics.IncAuthzDecision(metrics.GateLicense, metrics.OutcomePass)
			next.ServeHTTP(w, r)
		})
	}
}
