package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/tejun/internal/model"
	"github.com/ashita-ai/tejun/internal/store"
)

const apiKeyColumns = `id, tenant_id, subject, roles, key_hash, created_at, revoked_at`

// CreateAPIKey persists a new managed API key.
func (db *DB) CreateAPIKey(ctx context.Context, k model.APIKey) error {
	if _, err := db.pool.Exec(ctx, `
		INSERT INTO api_keys (`+apiKeyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		k.ID, k.TenantID, k.Subject, k.Roles, k.KeyHash, k.CreatedAt, k.RevokedAt,
	); err != nil {
		return fmt.Errorf("storage: create api key: %w", err)
	}
	return nil
}

// ActiveAPIKeys returns the unrevoked keys for a subject within a tenant.
func (db *DB) ActiveAPIKeys(ctx context.Context, tenant, subject string) ([]model.APIKey, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT `+apiKeyColumns+` FROM api_keys
		WHERE tenant_id = $1 AND subject = $2 AND revoked_at IS NULL
		ORDER BY created_at`,
		tenant, subject,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list api keys: %w", err)
	}
	defer rows.Close()

	var out []model.APIKey
	for rows.Next() {
		var k model.APIKey
		if err := rows.Scan(&k.ID, &k.TenantID, &k.Subject, &k.Roles, &k.KeyHash, &k.CreatedAt, &k.RevokedAt); err != nil {
			return nil, fmt.Errorf("storage: scan api key: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// RevokeAPIKey marks a key revoked. Revocation is permanent.
func (db *DB) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE api_keys SET revoked_at = now() WHERE id = $1 AND revoked_at IS NULL`, id,
	)
	if err != nil {
		return fmt.Errorf("storage: revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, gerr := db.getAPIKey(ctx, id); gerr != nil {
			return gerr
		}
		// Already revoked: revocation is idempotent.
	}
	return nil
}

func (db *DB) getAPIKey(ctx context.Context, id uuid.UUID) (model.APIKey, error) {
	var k model.APIKey
	err := db.pool.QueryRow(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE id = $1`, id,
	).Scan(&k.ID, &k.TenantID, &k.Subject, &k.Roles, &k.KeyHash, &k.CreatedAt, &k.RevokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.APIKey{}, fmt.Errorf("%w: api key %s", store.ErrNotFound, id)
	}
	if err != nil {
		return model.APIKey{}, fmt.Errorf("storage: get api key: %w", err)
	}
	return k, nil
}
