package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/tejun/internal/audit"
	"github.com/ashita-ai/tejun/internal/model"
)

// AuditLog is the Postgres-backed audit.Log. Appends are serialized per
// tenant with an advisory lock, so every writer sees the true chain head and
// sequences come out dense and gap-free.
type AuditLog struct {
	db *DB
}

var _ audit.Log = (*AuditLog)(nil)

// Audit returns the audit log view over this DB.
func (db *DB) Audit() *AuditLog {
	return &AuditLog{db: db}
}

const auditColumns = `tenant_id, seq, ts, actor, actor_kind, action,
	resource_kind, resource_id, payload, prev_hash, this_hash`

// Append seals ev onto the tenant's chain and persists it.
func (l *AuditLog) Append(ctx context.Context, ev model.AuditEvent) (model.AuditEvent, error) {
	// timestamptz keeps microseconds; hash the value we can read back.
	ev.TS = ev.TS.UTC().Truncate(time.Microsecond)

	err := WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		tx, err := l.db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin audit append: %w", err)
		}
		defer tx.Rollback(ctx) //nolint:errcheck

		if _, err := tx.Exec(ctx,
			`SELECT pg_advisory_xact_lock(hashtextextended($1, 1))`, ev.TenantID,
		); err != nil {
			return fmt.Errorf("storage: lock tenant chain: %w", err)
		}

		var (
			lastSeq  int64
			lastHash string
		)
		err = tx.QueryRow(ctx, `
			SELECT seq, this_hash FROM audit_events
			WHERE tenant_id = $1
			ORDER BY seq DESC
			LIMIT 1`,
			ev.TenantID,
		).Scan(&lastSeq, &lastHash)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			lastSeq, lastHash = -1, audit.GenesisHash
		case err != nil:
			return fmt.Errorf("storage: read chain head: %w", err)
		}

		if err := audit.Seal(&ev, lastSeq+1, lastHash); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO audit_events (`+auditColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			ev.TenantID, ev.Seq, ev.TS, ev.Actor, ev.ActorKind, ev.Action,
			ev.ResourceKind, ev.ResourceID, ev.Payload, ev.PrevHash, ev.ThisHash,
		); err != nil {
			return fmt.Errorf("storage: insert audit event: %w", err)
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return model.AuditEvent{}, err
	}
	return ev, nil
}

// List returns events for a tenant with seq >= fromSeq, in seq order, up to
// limit (0 means no limit).
func (l *AuditLog) List(ctx context.Context, tenant string, fromSeq int64, limit int) ([]model.AuditEvent, error) {
	rows, err := l.db.pool.Query(ctx, `
		SELECT `+auditColumns+` FROM audit_events
		WHERE tenant_id = $1 AND seq >= $2
		ORDER BY seq
		LIMIT NULLIF($3, 0)`,
		tenant, fromSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list audit events: %w", err)
	}
	defer rows.Close()

	var out []model.AuditEvent
	for rows.Next() {
		var ev model.AuditEvent
		if err := rows.Scan(
			&ev.TenantID, &ev.Seq, &ev.TS, &ev.Actor, &ev.ActorKind, &ev.Action,
			&ev.ResourceKind, &ev.ResourceID, &ev.Payload, &ev.PrevHash, &ev.ThisHash,
		); err != nil {
			return nil, fmt.Errorf("storage: scan audit event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
