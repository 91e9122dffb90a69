package ledger

import (
	"context"
	"database/sql"
	"errors"
)

// PGRepo implements Repo using Postgres.
type PGRepo struct {
	DB *sql.DB
}

const runColumns = `id, stage, model, input_key, output_key, status, total, already_done, dispatched, succeeded, failed, error, started_at, finished_at`

// CreateRun inserts a run.
func (r *PGRepo) CreateRun(ctx context.Context, run Run) error {
	const query = `
INSERT INTO runs (
    id, stage, model, input_key, output_key, status, total, already_done, started_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.DB.ExecContext(ctx, query,
		run.ID,
		run.Stage,
		run.Model,
		run.InputKey,
		run.OutputKey,
		run.Status,
		run.Total,
		run.AlreadyDone,
		run.StartedAt,
	)
	return err
}

// FinishRun records the final status and counts of a run.
func (r *PGRepo) FinishRun(ctx context.Context, run Run) error {
	const query = `
UPDATE runs
SET status = $2, dispatched = $3, succeeded = $4, failed = $5, error = $6, finished_at = $7
WHERE id = $1`
	res, err := r.DB.ExecContext(ctx, query,
		run.ID,
		run.Status,
		run.Dispatched,
		run.Succeeded,
		run.Failed,
		run.Error,
		run.FinishedAt,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// AddItem inserts an item outcome.
func (r *PGRepo) AddItem(ctx context.Context, item ItemRecord) error {
	const query = `
INSERT INTO run_items (run_id, item_id, status, duration_ms, error, completed_at)
VALUES ($1, $2, $3, $4, $5, $6)`
	var itemID sql.NullInt64
	if item.ItemID != nil {
		itemID = sql.NullInt64{Int64: *item.ItemID, Valid: true}
	}
	_, err := r.DB.ExecContext(ctx, query,
		item.RunID,
		itemID,
		item.Status,
		item.DurationMs,
		item.Error,
		item.CompletedAt,
	)
	return err
}

// GetRun returns a run by ID.
func (r *PGRepo) GetRun(ctx context.Context, runID string) (Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = $1 LIMIT 1`
	run, err := scanRun(r.DB.QueryRowContext(ctx, query, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, ErrNotFound
		}
		return Run{}, err
	}
	return run, nil
}

// ListRuns lists runs newest first, optionally filtered by stage.
func (r *PGRepo) ListRuns(ctx context.Context, stage string, limit int) ([]Run, error) {
	limit = clampLimit(limit)
	query := `SELECT ` + runColumns + `
FROM runs
WHERE ($1 = '' OR stage = $1)
ORDER BY started_at DESC
LIMIT $2`

	rows, err := r.DB.QueryContext(ctx, query, stage, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// ListItems returns the item outcomes of a run in completion order.
func (r *PGRepo) ListItems(ctx context.Context, runID string) ([]ItemRecord, error) {
	const query = `
SELECT run_id, item_id, status, duration_ms, error, completed_at
FROM run_items
WHERE run_id = $1
ORDER BY completed_at ASC`

	rows, err := r.DB.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ItemRecord
	for rows.Next() {
		var item ItemRecord
		var itemID sql.NullInt64
		if err := rows.Scan(
			&item.RunID,
			&itemID,
			&item.Status,
			&item.DurationMs,
			&item.Error,
			&item.CompletedAt,
		); err != nil {
			return nil, err
		}
		if itemID.Valid {
			id := itemID.Int64
			item.ItemID = &id
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var run Run
	var finished sql.NullTime
	err := row.Scan(
		&run.ID,
		&run.Stage,
		&run.Model,
		&run.InputKey,
		&run.OutputKey,
		&run.Status,
		&run.Total,
		&run.AlreadyDone,
		&run.Dispatched,
		&run.Succeeded,
		&run.Failed,
		&run.Error,
		&run.StartedAt,
		&finished,
	)
	if err != nil {
		return Run{}, err
	}
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	return run, nil
}

var _ Repo = (*PGRepo)(nil)
