package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// InsertRun records a newly accepted run and returns its id.
func (db *DB) InsertRun(ctx context.Context, trigger TriggerKind, startedAt time.Time) (int64, error) {
	res, err := db.SQL.ExecContext(ctx, `
		INSERT INTO runs (trigger_kind, started_at, state)
		VALUES (?, ?, ?)`,
		string(trigger), startedAt.UTC(), string(RunPending))
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("run id: %w", err)
	}

	return id, nil
}

// UpdateRun writes the current state of a run record.
func (db *DB) UpdateRun(ctx context.Context, rec RunRecord) error {
	countsJSON, err := json.Marshal(rec.Counts)
	if err != nil {
		return fmt.Errorf("marshal run counts: %w", err)
	}

	var finished sql.NullTime
	if rec.FinishedAt != nil {
		finished = sql.NullTime{Time: rec.FinishedAt.UTC(), Valid: true}
	}

	if _, err := db.SQL.ExecContext(ctx, `
		UPDATE runs
		SET state = ?, finished_at = ?, error = ?, counts_json = ?, report_id = ?
		WHERE run_id = ?`,
		string(rec.State), finished, rec.Error, string(countsJSON), rec.ReportID, rec.RunID,
	); err != nil {
		return fmt.Errorf("update run %d: %w", rec.RunID, err)
	}

	return nil
}

// LatestRun returns the most recently started run, or nil when no run exists.
func (db *DB) LatestRun(ctx context.Context) (*RunRecord, error) {
	row := db.SQL.QueryRowContext(ctx, `
		SELECT run_id, trigger_kind, started_at, finished_at, state, COALESCE(error, ''), counts_json, report_id
		FROM runs
		ORDER BY run_id DESC
		LIMIT 1`)

	var (
		rec        RunRecord
		trigger    string
		state      string
		finished   sql.NullTime
		countsJSON string
	)

	err := row.Scan(&rec.RunID, &trigger, &rec.StartedAt, &finished, &state, &rec.Error, &countsJSON, &rec.ReportID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("scan latest run: %w", err)
	}

	rec.Trigger = TriggerKind(trigger)
	rec.State = RunState(state)

	if finished.Valid {
		t := finished.Time
		rec.FinishedAt = &t
	}

	if err := json.Unmarshal([]byte(countsJSON), &rec.Counts); err != nil {
		return nil, fmt.Errorf("unmarshal run counts: %w", err)
	}

	return &rec, nil
}
