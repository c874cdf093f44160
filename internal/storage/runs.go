package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/tejun/internal/model"
	"github.com/ashita-ai/tejun/internal/store"
)

// DB implements the run and runbook stores directly; policies and the audit
// chain get their own named views over the same pool.
var (
	_ store.RunStore     = (*DB)(nil)
	_ store.RunbookStore = (*DB)(nil)
)

const runColumns = `id, tenant_id, runbook_id, runbook_version, policy_name, policy_version,
	mode, status, context, caller, metrics, cancel_requested,
	error_code, error_reason, failed_step, shadow, created_at, completed_at`

func scanRun(row pgx.Row) (model.Run, error) {
	var r model.Run
	err := row.Scan(
		&r.ID, &r.TenantID, &r.RunbookID, &r.RunbookVersion, &r.PolicyName, &r.PolicyVersion,
		&r.Mode, &r.Status, &r.Context, &r.Caller, &r.Metrics, &r.CancelRequested,
		&r.ErrorCode, &r.ErrorReason, &r.FailedStep, &r.Shadow, &r.CreatedAt, &r.CompletedAt,
	)
	return r, err
}

// CreateRun persists a new run. When idempotencyKey is non-empty and a run was
// already created under it, the existing run is returned with created=false.
func (db *DB) CreateRun(ctx context.Context, run model.Run, idempotencyKey string) (model.Run, bool, error) {
	var (
		stored  model.Run
		created bool
	)
	err := WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin create run: %w", err)
		}
		defer tx.Rollback(ctx) //nolint:errcheck

		if _, err := tx.Exec(ctx, `
			INSERT INTO runs (`+runColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
			run.ID, run.TenantID, run.RunbookID, run.RunbookVersion, run.PolicyName, run.PolicyVersion,
			run.Mode, run.Status, run.Context, run.Caller, run.Metrics, run.CancelRequested,
			run.ErrorCode, run.ErrorReason, run.FailedStep, run.Shadow, run.CreatedAt, run.CompletedAt,
		); err != nil {
			return fmt.Errorf("storage: insert run: %w", err)
		}

		if idempotencyKey != "" {
			tag, err := tx.Exec(ctx, `
				INSERT INTO run_idempotency (tenant_id, idempotency_key, run_id)
				VALUES ($1, $2, $3)
				ON CONFLICT (tenant_id, idempotency_key) DO NOTHING`,
				run.TenantID, idempotencyKey, run.ID,
			)
			if err != nil {
				return fmt.Errorf("storage: insert idempotency key: %w", err)
			}
			if tag.RowsAffected() == 0 {
				// Replay: another run already owns this key. Roll back our
				// insert and return the original.
				if err := tx.Rollback(ctx); err != nil {
					return fmt.Errorf("storage: rollback replayed run: %w", err)
				}
				var existingID uuid.UUID
				if err := db.pool.QueryRow(ctx, `
					SELECT run_id FROM run_idempotency
					WHERE tenant_id = $1 AND idempotency_key = $2`,
					run.TenantID, idempotencyKey,
				).Scan(&existingID); err != nil {
					return fmt.Errorf("storage: load idempotency key: %w", err)
				}
				stored, err = db.LoadRun(ctx, existingID)
				if err != nil {
					return err
				}
				created = false
				return nil
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit create run: %w", err)
		}
		stored = run
		created = true
		return nil
	})
	if err != nil {
		return model.Run{}, false, err
	}
	return stored, created, nil
}

func (db *DB) LoadRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Run{}, fmt.Errorf("%w: run %s", store.ErrNotFound, id)
	}
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: load run: %w", err)
	}
	return run, nil
}

// SaveRun overwrites the run projection. Illegal status transitions are
// rejected and CancelRequested stays set once any writer has set it.
func (db *DB) SaveRun(ctx context.Context, run model.Run) error {
	return WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin save run: %w", err)
		}
		defer tx.Rollback(ctx) //nolint:errcheck

		var (
			prevStatus model.RunStatus
			prevCancel bool
		)
		err = tx.QueryRow(ctx,
			`SELECT status, cancel_requested FROM runs WHERE id = $1 FOR UPDATE`, run.ID,
		).Scan(&prevStatus, &prevCancel)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: run %s", store.ErrNotFound, run.ID)
		}
		if err != nil {
			return fmt.Errorf("storage: lock run: %w", err)
		}
		if prevStatus != run.Status && !prevStatus.CanTransition(run.Status) {
			return fmt.Errorf("store: illegal run transition %s -> %s", prevStatus, run.Status)
		}
		// A cancel request is one-way: a writer holding a stale copy cannot
		// unset it.
		if prevCancel {
			run.CancelRequested = true
		}

		if _, err := tx.Exec(ctx, `
			UPDATE runs SET
				runbook_version = $2, policy_name = $3, policy_version = $4,
				mode = $5, status = $6, context = $7, caller = $8, metrics = $9,
				cancel_requested = $10, error_code = $11, error_reason = $12,
				failed_step = $13, shadow = $14, completed_at = $15
			WHERE id = $1`,
			run.ID, run.RunbookVersion, run.PolicyName, run.PolicyVersion,
			run.Mode, run.Status, run.Context, run.Caller, run.Metrics,
			run.CancelRequested, run.ErrorCode, run.ErrorReason,
			run.FailedStep, run.Shadow, run.CompletedAt,
		); err != nil {
			return fmt.Errorf("storage: update run: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit save run: %w", err)
		}
		return nil
	})
}

func (db *DB) ListRuns(ctx context.Context, tenant string, limit, offset int) ([]model.Run, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT NULLIF($2, 0) OFFSET $3`,
		tenant, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var out []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ActiveRunIDs returns the ids of all non-terminal runs across tenants. Used
// on startup to resume runs the previous process left in flight.
func (db *DB) ActiveRunIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id FROM runs
		WHERE status IN ('pending', 'running', 'awaiting_approval')
		ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list active runs: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan active run id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
