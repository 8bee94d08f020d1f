package db

import (
	"context"
	"fmt"
	"time"
)

// UpsertItems inserts the given items, updating mutable fields for items that
// already exist. first_seen is preserved on conflict so re-runs over the same
// window are idempotent.
func (db *DB) UpsertItems(ctx context.Context, items []ContentItem) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO items (id, url, title, content, publish_time, source_name, source_type, first_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			url = excluded.url,
			title = excluded.title,
			content = excluded.content,
			publish_time = excluded.publish_time`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}

	defer func() {
		_ = stmt.Close()
	}()

	now := time.Now().UTC()

	for _, item := range items {
		if _, err := stmt.ExecContext(ctx,
			item.ID, item.URL, item.Title, item.Content,
			item.PublishTime.UTC(), item.SourceName, string(item.SourceType), now,
		); err != nil {
			return fmt.Errorf("upsert item %s: %w", item.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert tx: %w", err)
	}

	return nil
}

// ListUnanalyzedItems returns items published inside [from, to] that have no
// stored analysis result yet, oldest first.
func (db *DB) ListUnanalyzedItems(ctx context.Context, from, to time.Time) ([]ContentItem, error) {
	rows, err := db.SQL.QueryContext(ctx, `
		SELECT id, url, title, content, publish_time, source_name, source_type
		FROM items
		WHERE publish_time >= ? AND publish_time <= ?
			AND id NOT IN (SELECT source_item_id FROM results)
		ORDER BY publish_time ASC, id ASC`,
		from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("query unanalyzed items: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var items []ContentItem

	for rows.Next() {
		var (
			item       ContentItem
			sourceType string
		)

		if err := rows.Scan(&item.ID, &item.URL, &item.Title, &item.Content,
			&item.PublishTime, &item.SourceName, &sourceType); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}

		item.SourceType = SourceType(sourceType)
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}

	return items, nil
}
