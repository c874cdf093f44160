package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/tejun/internal/store"
)

// AppendRunEvent assigns the next cursor on the run's stream and persists the
// event. Cursor assignment is serialized with a per-run advisory lock so
// concurrent writers never collide.
func (db *DB) AppendRunEvent(ctx context.Context, ev store.RunEvent) (store.RunEvent, error) {
	if ev.At.IsZero() {
		ev.At = db.now().UTC()
	}
	err := WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin append event: %w", err)
		}
		defer tx.Rollback(ctx) //nolint:errcheck

		if _, err := tx.Exec(ctx,
			`SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`, ev.RunID,
		); err != nil {
			return fmt.Errorf("storage: lock run stream: %w", err)
		}

		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(cursor) + 1, 0) FROM run_events WHERE run_id = $1`, ev.RunID,
		).Scan(&ev.Cursor); err != nil {
			return fmt.Errorf("storage: next cursor: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO run_events (run_id, cursor, type, at, payload)
			VALUES ($1, $2, $3, $4, $5)`,
			ev.RunID, ev.Cursor, ev.Type, ev.At, ev.Payload,
		); err != nil {
			return fmt.Errorf("storage: insert event: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit append event: %w", err)
		}
		return nil
	})
	if err != nil {
		return store.RunEvent{}, err
	}
	return ev, nil
}

// RunEvents returns events with cursor >= from, in cursor order, up to limit
// (0 means no limit).
func (db *DB) RunEvents(ctx context.Context, runID uuid.UUID, from int64, limit int) ([]store.RunEvent, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT run_id, cursor, type, at, payload FROM run_events
		WHERE run_id = $1 AND cursor >= $2
		ORDER BY cursor
		LIMIT NULLIF($3, 0)`,
		runID, from, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list events: %w", err)
	}
	defer rows.Close()

	var out []store.RunEvent
	for rows.Next() {
		var ev store.RunEvent
		if err := rows.Scan(&ev.RunID, &ev.Cursor, &ev.Type, &ev.At, &ev.Payload); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
