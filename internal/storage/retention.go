package db

import (
	"context"
	"fmt"
	"time"
)

// PurgeOlderThan deletes items (and, via cascade, their results) published
// before cutoff, plus run records started before cutoff. Returns the number
// of items removed.
func (db *DB) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.SQL.ExecContext(ctx, `DELETE FROM items WHERE publish_time < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge items: %w", err)
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge rows affected: %w", err)
	}

	if _, err := db.SQL.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff.UTC()); err != nil {
		return deleted, fmt.Errorf("purge runs: %w", err)
	}

	return deleted, nil
}
