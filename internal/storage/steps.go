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

const stepColumns = `id, run_id, step_index, name, tool, args, status, output, error,
	usage, attempt_count, compensates_step_index, started_at, finished_at`

func scanStep(row pgx.Row) (model.Step, error) {
	var s model.Step
	err := row.Scan(
		&s.ID, &s.RunID, &s.Index, &s.Name, &s.Tool, &s.Args, &s.Status, &s.Output, &s.Error,
		&s.Usage, &s.AttemptCount, &s.CompensatesStepIndex, &s.StartedAt, &s.FinishedAt,
	)
	return s, err
}

// SaveStep upserts the step row. A step that reached a terminal status is
// final: attempts to move it to a different status are rejected.
func (db *DB) SaveStep(ctx context.Context, step model.Step) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin save step: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var runExists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM runs WHERE id = $1)`, step.RunID,
	).Scan(&runExists); err != nil {
		return fmt.Errorf("storage: check run: %w", err)
	}
	if !runExists {
		return fmt.Errorf("%w: run %s", store.ErrNotFound, step.RunID)
	}

	var prevStatus model.StepStatus
	err = tx.QueryRow(ctx,
		`SELECT status FROM steps WHERE run_id = $1 AND step_index = $2 FOR UPDATE`,
		step.RunID, step.Index,
	).Scan(&prevStatus)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// First write for this index.
	case err != nil:
		return fmt.Errorf("storage: lock step: %w", err)
	case prevStatus.Terminal() && prevStatus != step.Status:
		return fmt.Errorf("store: step %s[%d] is terminal (%s)", step.RunID, step.Index, prevStatus)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO steps (`+stepColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (run_id, step_index) DO UPDATE SET
			name = EXCLUDED.name, tool = EXCLUDED.tool, args = EXCLUDED.args,
			status = EXCLUDED.status, output = EXCLUDED.output, error = EXCLUDED.error,
			usage = EXCLUDED.usage, attempt_count = EXCLUDED.attempt_count,
			compensates_step_index = EXCLUDED.compensates_step_index,
			started_at = EXCLUDED.started_at, finished_at = EXCLUDED.finished_at`,
		step.ID, step.RunID, step.Index, step.Name, step.Tool, step.Args, step.Status, step.Output, step.Error,
		step.Usage, step.AttemptCount, step.CompensatesStepIndex, step.StartedAt, step.FinishedAt,
	); err != nil {
		return fmt.Errorf("storage: upsert step: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit save step: %w", err)
	}
	return nil
}

func (db *DB) GetStep(ctx context.Context, runID uuid.UUID, index int) (model.Step, error) {
	step, err := scanStep(db.pool.QueryRow(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE run_id = $1 AND step_index = $2`,
		runID, index))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Step{}, fmt.Errorf("%w: step %s[%d]", store.ErrNotFound, runID, index)
	}
	if err != nil {
		return model.Step{}, fmt.Errorf("storage: get step: %w", err)
	}
	return step, nil
}

func (db *DB) ListSteps(ctx context.Context, runID uuid.UUID) ([]model.Step, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE run_id = $1 ORDER BY step_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("storage: list steps: %w", err)
	}
	defer rows.Close()

	var out []model.Step
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan step: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
