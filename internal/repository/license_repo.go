// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/keymeter/keymeter/internal/domain"
)

const licenseColumns = `id, api_key_id, product_id, expires_at, is_active`

type LicenseRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewLicenseRepository(pool *pgxpool.Pool, logger *slog.Logger) *LicenseRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &LicenseRepository{
		pool:   pool,
		logger: logger,
	}
}

// Insert creates a license through the store's atomic create procedure. The
// foreign key on api_key_id rejects licenses for keys that do not exist.
func (r *LicenseRepository) Insert(ctx context.Context, license domain.License) (domain.License, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+licenseColumns+` FROM create_license($1, $2, $3, $4)`,
		license.ID,
		license.APIKeyID,
		license.ProductID,
		license.ExpiresAt,
	)

	created, err := scanLicense(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == sqlstateKeyNotFound {
			return domain.License{}, domain.ErrNotFound
		}
		r.logger.Error("insert license failed", "api_key_id", license.APIKeyID, "error", err)
		return domain.License{}, domain.NewPersistenceError("insert license", err)
	}
	return created, nil
}

func (r *LicenseRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.License, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+licenseColumns+` FROM licenses WHERE id = $1`,
		id,
	)

	license, err := scanLicense(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.License{}, domain.ErrNotFound
		}
		r.logger.Error("get license failed", "license_id", id, "error", err)
		return domain.License{}, domain.NewPersistenceError("get license", err)
	}
	return license, nil
}

func (r *LicenseRepository) Update(ctx context.Context, id uuid.UUID, patch domain.LicensePatch) (domain.License, error) {
	if patch.IsZero() {
		return domain.License{}, domain.ErrEmptyPatch
	}

	set := make([]string, 0, 3)
	args := make([]any, 0, 4)
	args = append(args, id)

	if patch.ProductID != nil {
		args = append(args, *patch.ProductID)
		set = append(set, fmt.Sprintf("product_id = $%d", len(args)))
	}
	if patch.ExpiresAt != nil {
		args = append(args, *patch.ExpiresAt)
		set = append(set, fmt.Sprintf("expires_at = $%d", len(args)))
	}
	if patch.IsActive != nil {
		args = append(args, *patch.IsActive)
		set = append(set, fmt.Sprintf("is_active = $%d", len(args)))
	}

	query := `UPDATE licenses SET ` + strings.Join(set, ", ") +
		` WHERE id = $1 RETURNING ` + licenseColumns

	license, err := scanLicense(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.License{}, domain.ErrNotFound
		}
		r.logger.Error("update license failed", "license_id", id, "error", err)
		return domain.License{}, domain.NewPersistenceError("update license", err)
	}
	return license, nil
}

// Revoke flips is_active off through the store's atomic revoke procedure.
// Revoking an already-revoked license succeeds and returns the row as-is.
func (r *LicenseRepository) Revoke(ctx context.Context, id uuid.UUID) (domain.License, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+licenseColumns+` FROM revoke_license($1)`,
		id,
	)

	license, err := scanLicense(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == sqlstateLicenseNotFound {
			return domain.License{}, domain.ErrNotFound
		}
		r.logger.Error("revoke license failed", "license_id", id, "error", err)
		return domain.License{}, domain.NewPersistenceError("revoke license", err)
	}
	return license, nil
}

// ListByAPIKey returns every license owned by a key, active or not. Lists
// always read the store directly; only individual licenses are cached.
func (r *LicenseRepository) ListByAPIKey(ctx context.Context, apiKeyID uuid.UUID) ([]domain.License, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+licenseColumns+` FROM licenses WHERE api_key_id = $1 ORDER BY expires_at DESC`,
		apiKeyID,
	)
	if err != nil {
		r.logger.Error("list licenses query failed", "api_key_id", apiKeyID, "error", err)
		return nil, domain.NewPersistenceError("list licenses", err)
	}
	defer rows.Close()

	licenses := make([]domain.License, 0, 8)
	for rows.Next() {
		license, err := scanLicense(rows)
		if err != nil {
			return nil, domain.NewPersistenceError("scan license", err)
		}
		licenses = append(licenses, license)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewPersistenceError("list licenses", err)
	}

	return licenses, nil
}

func scanLicense(row rowScanner) (domain.License, error) {
	var license domain.License
	err := row.Scan(
		&license.ID,
		&license.APIKeyID,
		&license.ProductID,
		&license.ExpiresAt,
		&license.IsActive,
	)
	return license, err
}
