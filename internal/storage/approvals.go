package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/tejun/internal/model"
	"github.com/ashita-ai/tejun/internal/store"
)

const approvalColumns = `id, run_id, tenant_id, step_index, requested_by, reason,
	required_roles, allow_self, state, decider, comment, created_at, expires_at, decided_at`

func scanApproval(row pgx.Row) (model.Approval, error) {
	var a model.Approval
	err := row.Scan(
		&a.ID, &a.RunID, &a.TenantID, &a.StepIndex, &a.RequestedBy, &a.Reason,
		&a.RequiredRoles, &a.AllowSelf, &a.State, &a.Decider, &a.Comment,
		&a.CreatedAt, &a.ExpiresAt, &a.DecidedAt,
	)
	return a, err
}

// SaveApproval upserts an approval. A partial unique index enforces at most
// one pending approval per (run, step).
func (db *DB) SaveApproval(ctx context.Context, a model.Approval) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO approvals (`+approvalColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state, decider = EXCLUDED.decider,
			comment = EXCLUDED.comment, decided_at = EXCLUDED.decided_at`,
		a.ID, a.RunID, a.TenantID, a.StepIndex, a.RequestedBy, a.Reason,
		a.RequiredRoles, a.AllowSelf, a.State, a.Decider, a.Comment,
		a.CreatedAt, a.ExpiresAt, a.DecidedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("store: pending approval already exists for %s[%d]", a.RunID, a.StepIndex)
		}
		return fmt.Errorf("storage: save approval: %w", err)
	}
	return nil
}

func (db *DB) GetApproval(ctx context.Context, id uuid.UUID) (model.Approval, error) {
	a, err := scanApproval(db.pool.QueryRow(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Approval{}, fmt.Errorf("%w: approval %s", store.ErrNotFound, id)
	}
	if err != nil {
		return model.Approval{}, fmt.Errorf("storage: get approval: %w", err)
	}
	return a, nil
}

func (db *DB) PendingApproval(ctx context.Context, runID uuid.UUID, stepIndex int) (model.Approval, error) {
	a, err := scanApproval(db.pool.QueryRow(ctx, `
		SELECT `+approvalColumns+` FROM approvals
		WHERE run_id = $1 AND step_index = $2 AND state = 'pending'`,
		runID, stepIndex))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Approval{}, fmt.Errorf("%w: pending approval for %s[%d]", store.ErrNotFound, runID, stepIndex)
	}
	if err != nil {
		return model.Approval{}, fmt.Errorf("storage: pending approval: %w", err)
	}
	return a, nil
}

// DecideApproval atomically moves a pending approval to a terminal state. When
// two deciders race, the guarded update lets exactly one through; the loser
// gets the winning row back with ErrApprovalDecided.
func (db *DB) DecideApproval(ctx context.Context, id uuid.UUID, state model.ApprovalState, decider, comment string, at time.Time) (model.Approval, error) {
	a, err := scanApproval(db.pool.QueryRow(ctx, `
		UPDATE approvals
		SET state = $2, decider = $3, comment = $4, decided_at = $5
		WHERE id = $1 AND state = 'pending'
		RETURNING `+approvalColumns,
		id, state, decider, comment, at))
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Approval{}, fmt.Errorf("storage: decide approval: %w", err)
	}

	existing, err := db.GetApproval(ctx, id)
	if err != nil {
		return model.Approval{}, err
	}
	return existing, store.ErrApprovalDecided
}

// ExpireApprovals moves pending approvals whose expiry has passed to expired
// and returns them in creation order.
func (db *DB) ExpireApprovals(ctx context.Context, now time.Time) ([]model.Approval, error) {
	rows, err := db.pool.Query(ctx, `
		UPDATE approvals
		SET state = 'expired', decided_at = $1
		WHERE state = 'pending' AND expires_at <= $1
		RETURNING `+approvalColumns,
		now)
	if err != nil {
		return nil, fmt.Errorf("storage: expire approvals: %w", err)
	}
	defer rows.Close()

	var expired []model.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan approval: %w", err)
		}
		expired = append(expired, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].CreatedAt.Before(expired[j].CreatedAt) })
	return expired, nil
}
