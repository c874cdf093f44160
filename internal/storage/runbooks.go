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

const runbookColumns = `id, tenant_id, name, version, document, created_at`

func scanRunbook(row pgx.Row) (model.Runbook, error) {
	var rb model.Runbook
	err := row.Scan(&rb.ID, &rb.TenantID, &rb.Name, &rb.Version, &rb.Document, &rb.CreatedAt)
	return rb, err
}

// PutRunbook commits an immutable runbook version. Re-committing an existing
// id is rejected; new versions get new ids.
func (db *DB) PutRunbook(ctx context.Context, rb model.Runbook) error {
	tag, err := db.pool.Exec(ctx, `
		INSERT INTO runbooks (`+runbookColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		rb.ID, rb.TenantID, rb.Name, rb.Version, rb.Document, rb.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: put runbook: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: runbook %s already committed", rb.ID)
	}
	return nil
}

func (db *DB) GetRunbook(ctx context.Context, tenant string, id uuid.UUID) (model.Runbook, error) {
	rb, err := scanRunbook(db.pool.QueryRow(ctx,
		`SELECT `+runbookColumns+` FROM runbooks WHERE id = $1 AND tenant_id = $2`, id, tenant))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Runbook{}, fmt.Errorf("%w: runbook %s", store.ErrNotFound, id)
	}
	if err != nil {
		return model.Runbook{}, fmt.Errorf("storage: get runbook: %w", err)
	}
	return rb, nil
}

// GetRunbookByName returns the head (latest created) version.
func (db *DB) GetRunbookByName(ctx context.Context, tenant, name string) (model.Runbook, error) {
	rb, err := scanRunbook(db.pool.QueryRow(ctx, `
		SELECT `+runbookColumns+` FROM runbooks
		WHERE tenant_id = $1 AND name = $2
		ORDER BY created_at DESC
		LIMIT 1`,
		tenant, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Runbook{}, fmt.Errorf("%w: runbook %q", store.ErrNotFound, name)
	}
	if err != nil {
		return model.Runbook{}, fmt.Errorf("storage: get runbook by name: %w", err)
	}
	return rb, nil
}
