package db

import (
	"context"
	"fmt"
	"time"
)

// StoreResults persists analysis results, keyed by source item. Re-analyzing
// the same item overwrites the previous result, keeping persistence idempotent.
func (db *DB) StoreResults(ctx context.Context, results []AnalysisResult) error {
	if len(results) == 0 {
		return nil
	}

	tx, err := db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin results tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO results (source_item_id, category, weight_score, summary, time_str, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source_item_id) DO UPDATE SET
			category = excluded.category,
			weight_score = excluded.weight_score,
			summary = excluded.summary,
			time_str = excluded.time_str,
			source = excluded.source`)
	if err != nil {
		return fmt.Errorf("prepare results upsert: %w", err)
	}

	defer func() {
		_ = stmt.Close()
	}()

	now := time.Now().UTC()

	for _, res := range results {
		createdAt := res.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}

		if _, err := stmt.ExecContext(ctx,
			res.SourceItemID, res.Category, res.WeightScore,
			res.Summary, res.TimeStr, res.Source, createdAt.UTC(),
		); err != nil {
			return fmt.Errorf("upsert result for %s: %w", res.SourceItemID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit results tx: %w", err)
	}

	return nil
}

// CountResults returns the number of stored analysis results.
func (db *DB) CountResults(ctx context.Context) (int, error) {
	var count int
	if err := db.SQL.QueryRowContext(ctx, `SELECT COUNT(*) FROM results`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count results: %w", err)
	}

	return count, nil
}
