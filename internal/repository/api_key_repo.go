// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/keymeter/keymeter/internal/domain"
)

// SQLSTATEs raised by the credit stored procedures. The store reports
// insufficient funds as a distinct code so it is never conflated with
// infrastructure failure.
const (
	sqlstateInsufficientCredits = "CM402"
	sqlstateKeyNotFound         = "CM404"
	sqlstateLicenseNotFound     = "LC404"
)

const apiKeyColumns = `id, key, owner_id, credits, created_at, last_used, is_active`

type APIKeyRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewAPIKeyRepository(pool *pgxpool.Pool, logger *slog.Logger) *APIKeyRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &APIKeyRepository{
		pool:   pool,
		logger: logger,
	}
}

func (r *APIKeyRepository) Insert(ctx context.Context, key domain.APIKey) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO api_keys (id, key, owner_id, credits, created_at, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
	`,
		key.ID,
		key.Key,
		key.OwnerID,
		key.Credits,
		key.CreatedAt,
		key.IsActive,
	)
	if err != nil {
		r.logger.Error("insert api key failed", "api_key_id", key.ID, "error", err)
		return domain.NewPersistenceError("insert api key", err)
	}
	return nil
}

func (r *APIKeyRepository) GetByKey(ctx context.Context, keyString string) (domain.APIKey, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key = $1`,
		keyString,
	)

	key, err := scanAPIKey(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.APIKey{}, domain.ErrNotFound
		}
		r.logger.Error("get api key failed", "error", err)
		return domain.APIKey{}, domain.NewPersistenceError("get api key", err)
	}
	return key, nil
}

func (r *APIKeyRepository) List(ctx context.Context) ([]domain.APIKey, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys ORDER BY created_at DESC`,
	)
	if err != nil {
		r.logger.Error("list api keys query failed", "error", err)
		return nil, domain.NewPersistenceError("list api keys", err)
	}
	defer rows.Close()

	keys := make([]domain.APIKey, 0, 32)
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, domain.NewPersistenceError("scan api key", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewPersistenceError("list api keys", err)
	}

	return keys, nil
}

// Update applies a partial update to the mutable columns and returns the
// updated row. Immutable columns (id, key, owner_id, created_at) are never
// part of the SET clause.
func (r *APIKeyRepository) Update(ctx context.Context, keyString string, patch domain.APIKeyPatch) (domain.APIKey, error) {
	if patch.IsZero() {
		return domain.APIKey{}, domain.ErrEmptyPatch
	}

	set := make([]string, 0, 3)
	args := make([]any, 0, 4)
	args = append(args, keyString)

	if patch.Credits != nil {
		args = append(args, *patch.Credits)
		set = append(set, fmt.Sprintf("credits = $%d", len(args)))
	}
	if patch.LastUsed != nil {
		args = append(args, *patch.LastUsed)
		set = append(set, fmt.Sprintf("last_used = $%d", len(args)))
	}
	if patch.IsActive != nil {
		args = append(args, *patch.IsActive)
		set = append(set, fmt.Sprintf("is_active = $%d", len(args)))
	}

	query := `UPDATE api_keys SET ` + strings.Join(set, ", ") +
		` WHERE key = $1 RETURNING ` + apiKeyColumns

	key, err := scanAPIKey(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.APIKey{}, domain.ErrNotFound
		}
		r.logger.Error("update api key failed", "error", err)
		return domain.APIKey{}, domain.NewPersistenceError("update api key", err)
	}
	return key, nil
}

// Deactivate disables the key permanently. Deactivating an already-inactive
// key is a silent success; only an unknown key reports ErrNotFound.
func (r *APIKeyRepository) Deactivate(ctx context.Context, keyString string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE api_keys
		SET is_active = FALSE
		WHERE key = $1
	`, keyString)
	if err != nil {
		r.logger.Error("deactivate api key failed", "error", err)
		return domain.NewPersistenceError("deactivate api key", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// DeductCredits calls the store's atomic deduct procedure. The balance check
// and decrement happen in a single store-side operation so two concurrent
// deductions can never both observe a sufficient balance.
func (r *APIKeyRepository) DeductCredits(ctx context.Context, keyString string, amount int64) (domain.APIKey, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+apiKeyColumns+` FROM deduct_credits($1, $2)`,
		keyString, amount,
	)

	key, err := scanAPIKey(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case sqlstateInsufficientCredits:
				return domain.APIKey{}, domain.ErrInsufficientCredits
			case sqlstateKeyNotFound:
				return domain.APIKey{}, domain.ErrNotFound
			}
		}
		r.logger.Error("deduct credits failed", "amount", amount, "error", err)
		return domain.APIKey{}, domain.NewPersistenceError("deduct credits", err)
	}
	return key, nil
}

// AddCredits calls the store's atomic add procedure.
func (r *APIKeyRepository) AddCredits(ctx context.Context, keyString string, amount int64) (domain.APIKey, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+apiKeyColumns+` FROM add_credits($1, $2)`,
		keyString, amount,
	)

	key, err := scanAPIKey(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == sqlstateKeyNotFound {
			return domain.APIKey{}, domain.ErrNotFound
		}
		r.logger.Error("add credits failed", "amount", amount, "error", err)
		return domain.APIKey{}, domain.NewPersistenceError("add credits", err)
	}
	return key, nil
}

// TouchLastUsed writes coalesced last-used timestamps. Best-effort: the
// caller logs failures and moves on.
func (r *APIKeyRepository) TouchLastUsed(ctx context.Context, touches map[string]time.Time) error {
	if len(touches) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for keyString, at := range touches {
		batch.Queue(`
			UPDATE api_keys
			SET last_used = GREATEST(COALESCE(last_used, $2), $2)
			WHERE key = $1
		`, keyString, at)
	}

	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range touches {
		if _, err := results.Exec(); err != nil {
			return domain.NewPersistenceError("touch last used", err)
		}
	}
	return nil
}

// NewKeyString generates a bearer secret: a recognizable prefix followed by
// 256 bits of hex-encoded entropy.
func NewKeyString() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return "ak_" + hex.EncodeToString(raw), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAPIKey(row rowScanner) (domain.APIKey, error) {
	var key domain.APIKey
	err := row.Scan(
		&key.ID,
		&key.Key,
		&key.OwnerID,
		&key.Credits,
		&key.CreatedAt,
		&key.LastUsed,
		&key.IsActive,
	)
	return key, err
}
