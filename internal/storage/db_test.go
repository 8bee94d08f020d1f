package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()

	logger := zerolog.Nop()

	database, err := New(filepath.Join(t.TempDir(), "test.db"), &logger)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = database.Close()
	})

	require.NoError(t, database.Migrate(context.Background()))

	return database
}

func testItem(id, u string, publish time.Time) ContentItem {
	return ContentItem{
		ID:          id,
		Title:       "title " + id,
		Content:     "content " + id,
		URL:         u,
		PublishTime: publish,
		SourceName:  "feed",
		SourceType:  SourceTypeRSS,
	}
}

func TestUpsertItemsIdempotent(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	publish := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	items := []ContentItem{
		testItem("a1", "https://example.com/a", publish),
		testItem("a2", "https://example.com/b", publish.Add(time.Hour)),
	}

	require.NoError(t, database.UpsertItems(ctx, items))
	require.NoError(t, database.UpsertItems(ctx, items))

	got, err := database.ListUnanalyzedItems(ctx, publish.Add(-time.Hour), publish.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a1", got[0].ID)
	assert.Equal(t, SourceTypeRSS, got[0].SourceType)
	assert.True(t, got[0].PublishTime.Equal(publish))
}

func TestListUnanalyzedItemsExcludesAnalyzed(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	publish := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, database.UpsertItems(ctx, []ContentItem{
		testItem("b1", "https://example.com/1", publish),
		testItem("b2", "https://example.com/2", publish),
	}))

	require.NoError(t, database.StoreResults(ctx, []AnalysisResult{{
		SourceItemID: "b1",
		Category:     "Macro",
		WeightScore:  80,
		Summary:      "something happened",
		TimeStr:      "2025-06-01 12:00",
		Source:       "https://example.com/1",
	}}))

	got, err := database.ListUnanalyzedItems(ctx, publish.Add(-time.Hour), publish.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b2", got[0].ID)
}

func TestStoreResultsIdempotent(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	publish := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, database.UpsertItems(ctx, []ContentItem{
		testItem("c1", "https://example.com/c", publish),
	}))

	res := AnalysisResult{
		SourceItemID: "c1",
		Category:     "Regulation",
		WeightScore:  55,
		Summary:      "first pass",
		TimeStr:      "2025-06-01 12:00",
		Source:       "https://example.com/c",
	}
	require.NoError(t, database.StoreResults(ctx, []AnalysisResult{res}))

	res.Summary = "second pass"
	require.NoError(t, database.StoreResults(ctx, []AnalysisResult{res}))

	count, err := database.CountResults(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRunRecordLifecycle(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	started := time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)

	id, err := database.InsertRun(ctx, TriggerScheduled, started)
	require.NoError(t, err)
	require.Positive(t, id)

	finished := started.Add(time.Minute)
	require.NoError(t, database.UpdateRun(ctx, RunRecord{
		RunID:      id,
		Trigger:    TriggerScheduled,
		StartedAt:  started,
		FinishedAt: &finished,
		State:      RunSucceeded,
		Counts:     RunCounts{Fetched: 10, Analyzed: 8, Delivered: 1},
		ReportID:   "r-1",
	}))

	latest, err := database.LatestRun(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, id, latest.RunID)
	assert.Equal(t, RunSucceeded, latest.State)
	assert.Equal(t, 10, latest.Counts.Fetched)
	require.NotNil(t, latest.FinishedAt)
	assert.True(t, latest.FinishedAt.Equal(finished))
}

func TestLatestRunEmpty(t *testing.T) {
	database := newTestDB(t)

	latest, err := database.LatestRun(context.Background())
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestPurgeOlderThan(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	fresh := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, database.UpsertItems(ctx, []ContentItem{
		testItem("old1", "https://example.com/old", old),
		testItem("new1", "https://example.com/new", fresh),
	}))

	require.NoError(t, database.StoreResults(ctx, []AnalysisResult{{
		SourceItemID: "old1",
		Category:     "Macro",
		WeightScore:  10,
		Summary:      "stale",
		TimeStr:      "2025-01-01 00:00",
		Source:       "https://example.com/old",
	}}))

	deleted, err := database.PurgeOlderThan(ctx, fresh.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	count, err := database.CountResults(ctx)
	require.NoError(t, err)
	assert.Zero(t, count, "cascade should remove results of purged items")
}
