// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"

	"github.com/google/uuid"
	"github.com/keymeter/keymeter/internal/domain"
)

type KeyManager interface {
	Issue(ctx context.Context, params domain.IssueAPIKeyParams) (domain.APIKey, error)
	Resolve(ctx context.Context, keyString string) (domain.APIKey, error)
	List(ctx context.Context) ([]domain.APIKey, error)
	Update(ctx context.Context, keyString string, patch domain.APIKeyPatch) (domain.APIKey, error)
	Deactivate(ctx context.Context, keyString string) error
}

type CreditManager interface {
	Deduct(ctx context.Context, keyString string, amount int64) (domain.APIKey, error)
	Add(ctx context.Context, keyString string, amount int64) (domain.APIKey, error)
}

type LicenseManager interface {
	Issue(ctx context.Context, params domain.IssueLicenseParams) (domain.License, error)
	Get(ctx context.Context, id uuid.UUID) (domain.License, error)
	Update(ctx context.Context, id uuid.UUID, patch domain.LicensePatch) (domain.License, error)
	Revoke(ctx context.Context, id uuid.UUID) (domain.License, error)
	ListByAPIKey(ctx context.Context, apiKeyID uuid.UUID) ([]domain.License, error)
	HasValidLicense(ctx context.Context, apiKeyID uuid.UUID, productID string) (bool, error)
}

type UsageToucher interface {
	Touch(keyString string)
}

// HealthChecker answers /healthz. Satisfied by *pgxpool.Pool and by
// postgres.SchemaHealthChecker, which also verifies the schema.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
