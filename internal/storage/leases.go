package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/tejun/internal/store"
)

// AcquireLease grants owner exclusive write access to the run until TTL
// elapses. A live lease held by another owner wins; a dead lease is taken
// over in the same statement.
func (db *DB) AcquireLease(ctx context.Context, runID uuid.UUID, owner string, ttl time.Duration) error {
	now := db.now().UTC()
	tag, err := db.pool.Exec(ctx, `
		INSERT INTO run_leases (run_id, owner, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (run_id) DO UPDATE
		SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
		WHERE run_leases.owner = EXCLUDED.owner OR run_leases.expires_at <= $4`,
		runID, owner, now.Add(ttl), now,
	)
	if err != nil {
		return fmt.Errorf("storage: acquire lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var holder string
		if err := db.pool.QueryRow(ctx,
			`SELECT owner FROM run_leases WHERE run_id = $1`, runID,
		).Scan(&holder); err == nil {
			return fmt.Errorf("%w: %s", store.ErrLeaseHeld, holder)
		}
		return store.ErrLeaseHeld
	}
	return nil
}

// RenewLease extends the caller's live lease; ErrLeaseLost when it expired or
// changed hands.
func (db *DB) RenewLease(ctx context.Context, runID uuid.UUID, owner string, ttl time.Duration) error {
	now := db.now().UTC()
	tag, err := db.pool.Exec(ctx, `
		UPDATE run_leases
		SET expires_at = $3
		WHERE run_id = $1 AND owner = $2 AND expires_at > $4`,
		runID, owner, now.Add(ttl), now,
	)
	if err != nil {
		return fmt.Errorf("storage: renew lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrLeaseLost
	}
	return nil
}

// ReleaseLease deletes the lease if the caller still owns it. Releasing a
// lease that expired or changed hands is a no-op.
func (db *DB) ReleaseLease(ctx context.Context, runID uuid.UUID, owner string) error {
	if _, err := db.pool.Exec(ctx,
		`DELETE FROM run_leases WHERE run_id = $1 AND owner = $2`, runID, owner,
	); err != nil {
		return fmt.Errorf("storage: release lease: %w", err)
	}
	return nil
}

// BeginIntent records the dedup token before a non-idempotent adapter call.
// If the key already exists, the prior intent is returned with fresh=false.
func (db *DB) BeginIntent(ctx context.Context, intent store.InvocationIntent) (store.InvocationIntent, bool, error) {
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = db.now().UTC()
	}
	tag, err := db.pool.Exec(ctx, `
		INSERT INTO invocation_intents (key, run_id, step_index, confirmed, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO NOTHING`,
		intent.Key, intent.RunID, intent.StepIndex, intent.Confirmed, intent.CreatedAt,
	)
	if err != nil {
		return store.InvocationIntent{}, false, fmt.Errorf("storage: begin intent: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return intent, true, nil
	}

	var prior store.InvocationIntent
	if err := db.pool.QueryRow(ctx, `
		SELECT key, run_id, step_index, confirmed, created_at
		FROM invocation_intents WHERE key = $1`,
		intent.Key,
	).Scan(&prior.Key, &prior.RunID, &prior.StepIndex, &prior.Confirmed, &prior.CreatedAt); err != nil {
		return store.InvocationIntent{}, false, fmt.Errorf("storage: load prior intent: %w", err)
	}
	return prior, false, nil
}

func (db *DB) ConfirmIntent(ctx context.Context, key string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE invocation_intents SET confirmed = TRUE WHERE key = $1`, key,
	)
	if err != nil {
		return fmt.Errorf("storage: confirm intent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: intent %s", store.ErrNotFound, key)
	}
	return nil
}

// CleanupIntents removes confirmed intents older than ttl.
func (db *DB) CleanupIntents(ctx context.Context, ttl time.Duration) (int, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM invocation_intents WHERE confirmed AND created_at < $1`,
		db.now().UTC().Add(-ttl),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup intents: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
