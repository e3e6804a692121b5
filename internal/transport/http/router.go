// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/keymeter/keymeter/internal/domain"
	"github.com/keymeter/keymeter/internal/metrics"
	"github.com/keymeter/keymeter/internal/transport/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Per-route credit costs, mirroring how expensive each protected resource is
// to serve.
const (
	costLowResource     = 1
	costHighResource    = 10
	costPremiumResource = 50
)

type issueKeyRequest struct {
	OwnerID uuid.UUID `json:"owner_id"`
	Credits int64     `json:"credits"`
}

type updateKeyRequest struct {
	Credits  *int64     `json:"credits"`
	LastUsed *time.Time `json:"last_used"`
	IsActive *bool      `json:"is_active"`
}

type creditAmountRequest struct {
	Amount int64 `json:"amount"`
}

type issueLicenseRequest struct {
	APIKeyID  uuid.UUID `json:"api_key_id"`
	ProductID string    `json:"product_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type updateLicenseRequest struct {
	ProductID *string    `json:"product_id"`
	ExpiresAt *time.Time `json:"expires_at"`
	IsActive  *bool      `json:"is_active"`
}

type Deps struct {
	Keys     KeyManager
	Credits  CreditManager
	Licenses LicenseManager
	Toucher  UsageToucher
	Health   HealthChecker
	Logger   *slog.Logger

	AdminToken     string
	RequestsPerMin int

	Version   string
	Commit    string
	BuildDate string
}

func NewRouter(deps Deps) http.Handler {
	if deps.Keys == nil {
		panic("httptransport.NewRouter requires a key manager")
	}
	if deps.Credits == nil {
		panic("httptransport.NewRouter requires a credit meter")
	}
	if deps.Licenses == nil {
		panic("httptransport.NewRouter requires a license manager")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics.Init()
	version := valueOrDefault(deps.Version, "dev")
	commit := valueOrDefault(deps.Commit, "none")
	buildDate := valueOrDefault(deps.BuildDate, "unknown")

	r := chi.NewRouter()
	r.Use(requestIDMiddleware())
	r.Use(requestLoggingMiddleware(logger))

	// ---------------- HEALTH ----------------

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("health check hit")
		if deps.Health != nil {
			if err := deps.Health.Ping(r.Context()); err != nil {
				logger.Warn("health check failed", "error", err)
				httpError(w, http.StatusServiceUnavailable, "database unreachable")
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// ---------------- METRICS ----------------

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	// ---------------- VERSION ----------------

	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version":    version,
			"commit":     commit,
			"build_date": buildDate,
		})
	})

	// ---------------- API KEY LIFECYCLE (ADMIN) ----------------

	r.Route("/api-keys", func(admin chi.Router) {
		admin.Use(middleware.AdminTokenAuth(deps.AdminToken, logger))

		admin.Post("/", func(w http.ResponseWriter, r *http.Request) {
			var reqBody issueKeyRequest
			if err := decodeJSONBody(r, &reqBody); err != nil {
				httpError(w, http.StatusBadRequest, "invalid request body")
				return
			}

			key, err := deps.Keys.Issue(r.Context(), domain.IssueAPIKeyParams{
				OwnerID:        reqBody.OwnerID,
				InitialCredits: reqBody.Credits,
			})
			if err != nil {
				if errors.Is(err, domain.ErrInvalidOwner) || errors.Is(err, domain.ErrNegativeAmount) {
					httpError(w, http.StatusBadRequest, err.Error())
					return
				}
				logger.Error("issue api key failed", "error", err)
				httpError(w, http.StatusInternalServerError, "failed to issue api key")
				return
			}

			writeJSON(w, http.StatusCreated, key)
		})

		admin.Get("/", func(w http.ResponseWriter, r *http.Request) {
			keys, err := deps.Keys.List(r.Context())
			if err != nil {
				logger.Error("list api keys failed", "error", err)
				httpError(w, http.StatusInternalServerError, "failed to list api keys")
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"api_keys": keys,
			})
		})

		admin.Get("/{key}", func(w http.ResponseWriter, r *http.Request) {
			key, err := deps.Keys.Resolve(r.Context(), chi.URLParam(r, "key"))
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					httpError(w, http.StatusNotFound, "api key not found")
					return
				}
				logger.Error("get api key failed", "error", err)
				httpError(w, http.StatusInternalServerError, "failed to get api key")
				return
			}
			writeJSON(w, http.StatusOK, key)
		})

		admin.Put("/{key}", func(w http.ResponseWriter, r *http.Request) {
			var reqBody updateKeyRequest
			if err := decodeJSONBody(r, &reqBody); err != nil {
				httpError(w, http.StatusBadRequest, "invalid request body")
				return
			}

			key, err := deps.Keys.Update(r.Context(), chi.URLParam(r, "key"), domain.APIKeyPatch{
				Credits:  reqBody.Credits,
				LastUsed: reqBody.LastUsed,
				IsActive: reqBody.IsActive,
			})
			if err != nil {
				switch {
				case errors.Is(err, domain.ErrNotFound):
					httpError(w, http.StatusNotFound, "api key not found")
				case errors.Is(err, domain.ErrEmptyPatch):
					httpError(w, http.StatusBadRequest, "patch contains no changes")
				default:
					logger.Error("update api key failed", "error", err)
					httpError(w, http.StatusInternalServerError, "failed to update api key")
				}
				return
			}
			writeJSON(w, http.StatusOK, key)
		})

		admin.Delete("/{key}", func(w http.ResponseWriter, r *http.Request) {
			if err := deps.Keys.Deactivate(r.Context(), chi.URLParam(r, "key")); err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					httpError(w, http.StatusNotFound, "api key not found")
					return
				}
				logger.Error("deactivate api key failed", "error", err)
				httpError(w, http.StatusInternalServerError, "failed to deactivate api key")
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})

		admin.Post("/{key}/credits", func(w http.ResponseWriter, r *http.Request) {
			var reqBody creditAmountRequest
			if err := decodeJSONBody(r, &reqBody); err != nil {
				httpError(w, http.StatusBadRequest, "invalid request body")
				return
			}

			key, err := deps.Credits.Add(r.Context(), chi.URLParam(r, "key"), reqBody.Amount)
			if err != nil {
				switch {
				case errors.Is(err, domain.ErrNotFound):
					httpError(w, http.StatusNotFound, "api key not found")
				case errors.Is(err, domain.ErrNegativeAmount):
					httpError(w, http.StatusBadRequest, "amount must not be negative")
				default:
					logger.Error("add credits failed", "error", err)
					httpError(w, http.StatusInternalServerError, "failed to add credits")
				}
				return
			}
			writeJSON(w, http.StatusOK, key)
		})
	})

	// ---------------- LICENSE LIFECYCLE (ADMIN) ----------------

	r.Route("/licenses", func(admin chi.Router) {
		admin.Use(middleware.AdminTokenAuth(deps.AdminToken, logger))

		admin.Post("/", func(w http.ResponseWriter, r *http.Request) {
			var reqBody issueLicenseRequest
			if err := decodeJSONBody(r, &reqBody); err != nil {
				httpError(w, http.StatusBadRequest, "invalid request body")
				return
			}

			license, err := deps.Licenses.Issue(r.Context(), domain.IssueLicenseParams{
				APIKeyID:  reqBody.APIKeyID,
				ProductID: reqBody.ProductID,
				ExpiresAt: reqBody.ExpiresAt,
			})
			if err != nil {
				switch {
				case errors.Is(err, domain.ErrNotFound):
					httpError(w, http.StatusNotFound, "api key not found")
				case errors.Is(err, domain.ErrInvalidOwner),
					errors.Is(err, domain.ErrInvalidProduct),
					errors.Is(err, domain.ErrInvalidExpiry):
					httpError(w, http.StatusBadRequest, err.Error())
				default:
					logger.Error("issue license failed", "error", err)
					httpError(w, http.StatusInternalServerError, "failed to issue license")
				}
				return
			}
			writeJSON(w, http.StatusCreated, license)
		})

		admin.Get("/by-api-key/{apiKeyID}", func(w http.ResponseWriter, r *http.Request) {
			apiKeyID, err := uuid.Parse(chi.URLParam(r, "apiKeyID"))
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid api key ID")
				return
			}

			licenses, err := deps.Licenses.ListByAPIKey(r.Context(), apiKeyID)
			if err != nil {
				logger.Error("list licenses failed", "api_key_id", apiKeyID, "error", err)
				httpError(w, http.StatusInternalServerError, "failed to list licenses")
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"licenses": licenses,
			})
		})

		admin.Get("/{id}", func(w http.ResponseWriter, r *http.Request) {
			id, err := uuid.Parse(chi.URLParam(r, "id"))
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid license ID")
				return
			}

			license, err := deps.Licenses.Get(r.Context(), id)
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					httpError(w, http.StatusNotFound, "license not found")
					return
				}
				logger.Error("get license failed", "license_id", id, "error", err)
				httpError(w, http.StatusInternalServerError, "failed to get license")
				return
			}
			writeJSON(w, http.StatusOK, license)
		})

		admin.Put("/{id}", func(w http.ResponseWriter, r *http.Request) {
			id, err := uuid.Parse(chi.URLParam(r, "id"))
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid license ID")
				return
			}

			var reqBody updateLicenseRequest
			if err := decodeJSONBody(r, &reqBody); err != nil {
				httpError(w, http.StatusBadRequest, "invalid request body")
				return
			}

			license, err := deps.Licenses.Update(r.Context(), id, domain.LicensePatch{
				ProductID: reqBody.ProductID,
				ExpiresAt: reqBody.ExpiresAt,
				IsActive:  reqBody.IsActive,
			})
			if err != nil {
				switch {
				case errors.Is(err, domain.ErrNotFound):
					httpError(w, http.StatusNotFound, "license not found")
				case errors.Is(err, domain.ErrEmptyPatch):
					httpError(w, http.StatusBadRequest, "patch contains no changes")
				default:
					logger.Error("update license failed", "license_id", id, "error", err)
					httpError(w, http.StatusInternalServerError, "failed to update license")
				}
				return
			}
			writeJSON(w, http.StatusOK, license)
		})

		admin.Delete("/{id}", func(w http.ResponseWriter, r *http.Request) {
			id, err := uuid.Parse(chi.URLParam(r, "id"))
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid license ID")
				return
			}

			license, err := deps.Licenses.Revoke(r.Context(), id)
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					httpError(w, http.StatusNotFound, "license not found")
					return
				}
				logger.Error("revoke license failed", "license_id", id, "error", err)
				httpError(w, http.StatusInternalServerError, "failed to revoke license")
				return
			}
			writeJSON(w, http.StatusOK, license)
		})
	})

	// ---------------- PROTECTED RESOURCES (API KEY AUTH) ----------------

	r.Route("/v1", func(protected chi.Router) {
		protected.Use(middleware.APIKeyAuth(deps.Keys, deps.Toucher, deps.RequestsPerMin, logger))

		// Requires a key, costs nothing.
		protected.Get("/free", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{
				"message": "this is a free resource",
			})
		})

		protected.With(middleware.RequireCredits(deps.Credits, costLowResource, logger)).
			Get("/low-cost", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, map[string]string{
					"message": "this is a low-cost resource",
				})
			})

		protected.With(middleware.RequireCredits(deps.Credits, costHighResource, logger)).
			Get("/high-cost", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, map[string]string{
					"message": "this is a high-cost resource",
				})
			})

		protected.With(middleware.RequireLicense(deps.Licenses, logger)).
			Get("/licensed/{productID}", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, map[string]string{
					"message": "this is a licensed resource",
				})
			})

		// License gate first: a caller is never charged for a product it is
		// not licensed to use.
		protected.With(
			middleware.RequireLicense(deps.Licenses, logger),
			middleware.RequireCredits(deps.Credits, costPremiumResource, logger),
		).Get("/licensed/{productID}/premium", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{
				"message": "this is an expensive licensed resource",
			})
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func decodeJSONBody(r *http.Request, v any) error {
	if r == nil || r.Body == nil || r.Body == http.NoBody {
		return errors.New("empty request body")
	}

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}

	// Ensure there is only one JSON object.
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body must contain exactly one JSON object")
	}

	return nil
}

func valueOrDefault(value, defaultValue string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return defaultValue
	}
	return trimmed
}
