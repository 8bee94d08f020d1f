package run

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lueurxax/crypto-intel-bot/internal/control"
	"github.com/lueurxax/crypto-intel-bot/internal/ingest"
	"github.com/lueurxax/crypto-intel-bot/internal/report"
	"github.com/lueurxax/crypto-intel-bot/internal/telegram"
	db "github.com/lueurxax/crypto-intel-bot/internal/storage"
)

type fakeFetcher struct {
	name  string
	items []db.ContentItem
	err   error
}

func (f *fakeFetcher) Name() string           { return f.name }
func (f *fakeFetcher) Timeout() time.Duration { return time.Second }

func (f *fakeFetcher) Fetch(context.Context, time.Time) ([]db.ContentItem, error) {
	return f.items, f.err
}

type fakeRepo struct {
	mu        sync.Mutex
	upserted  []db.ContentItem
	stored    []db.AnalysisResult
	purged    bool
	listErr   error
	upsertErr error
}

func (r *fakeRepo) UpsertItems(_ context.Context, items []db.ContentItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upserted = append(r.upserted, items...)

	return r.upsertErr
}

func (r *fakeRepo) ListUnanalyzedItems(context.Context, time.Time, time.Time) ([]db.ContentItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.upserted, r.listErr
}

func (r *fakeRepo) StoreResults(_ context.Context, results []db.AnalysisResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stored = append(r.stored, results...)

	return nil
}

func (r *fakeRepo) PurgeOlderThan(context.Context, time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.purged = true

	return 2, nil
}

type fakeAnalyzer struct {
	results []db.AnalysisResult
	err     error
	gotten  []db.ContentItem
}

func (a *fakeAnalyzer) Analyze(_ context.Context, items []db.ContentItem) ([]db.AnalysisResult, error) {
	a.gotten = items

	return a.results, a.err
}

type fakeRenderer struct{}

func (fakeRenderer) Render(results []db.AnalysisResult) report.Report {
	return report.Report{ID: "report-1", Markdown: fmt.Sprintf("report with %d items", len(results)), ItemCount: len(results)}
}

type fakeDeliverer struct {
	result telegram.DeliveryResult
	err    error
	gotten string
}

func (d *fakeDeliverer) Deliver(_ context.Context, report string) (telegram.DeliveryResult, error) {
	d.gotten = report

	if d.err != nil {
		return d.result, d.err
	}

	d.result = telegram.DeliveryResult{ChunksSent: 1, ChunksTotal: 1}

	return d.result, nil
}

func item(id string, publish time.Time) db.ContentItem {
	return db.ContentItem{
		ID:          id,
		Title:       "t-" + id,
		URL:         "https://example.com/" + id,
		PublishTime: publish,
		SourceName:  "feed",
		SourceType:  db.SourceTypeRSS,
	}
}

func newTestRunner(fetchers []*fakeFetcher, repo *fakeRepo, a *fakeAnalyzer, d *fakeDeliverer) *Runner {
	logger := zerolog.Nop()

	var all []ingest.Fetcher
	for _, f := range fetchers {
		all = append(all, f)
	}

	return New(all, repo, a, fakeRenderer{}, d, 24*time.Hour, 30*24*time.Hour, &logger)
}

func TestRunHappyPath(t *testing.T) {
	now := time.Now().UTC()

	repo := &fakeRepo{}
	a := &fakeAnalyzer{results: []db.AnalysisResult{
		{SourceItemID: "a", Category: "Market", WeightScore: 80, Source: "https://example.com/a"},
	}}
	d := &fakeDeliverer{}

	r := newTestRunner([]*fakeFetcher{
		{name: "one", items: []db.ContentItem{item("a", now.Add(-time.Hour))}},
		{name: "two", items: []db.ContentItem{item("b", now.Add(-2 * time.Hour))}},
	}, repo, a, d)

	outcome, err := r.Run(context.Background(), db.TriggerScheduled)
	require.NoError(t, err)

	assert.Equal(t, 2, outcome.Counts.Fetched)
	assert.Equal(t, 1, outcome.Counts.Analyzed)
	assert.Equal(t, 1, outcome.Counts.Delivered)
	assert.Equal(t, "report-1", outcome.ReportID)

	assert.Len(t, a.gotten, 2)
	require.Len(t, repo.stored, 1)
	assert.Contains(t, d.gotten, "report with 1 items")
	assert.True(t, repo.purged)
}

func TestRunDedupsAcrossFetchers(t *testing.T) {
	now := time.Now().UTC()
	shared := item("dup", now.Add(-time.Hour))

	repo := &fakeRepo{}
	r := newTestRunner([]*fakeFetcher{
		{name: "one", items: []db.ContentItem{shared}},
		{name: "two", items: []db.ContentItem{shared}},
	}, repo, &fakeAnalyzer{}, &fakeDeliverer{})

	outcome, err := r.Run(context.Background(), db.TriggerCommand)
	require.NoError(t, err)

	assert.Equal(t, 1, outcome.Counts.Fetched)
	assert.Len(t, repo.upserted, 1)
}

func TestRunFetcherFailureDoesNotAbort(t *testing.T) {
	now := time.Now().UTC()

	repo := &fakeRepo{}
	r := newTestRunner([]*fakeFetcher{
		{name: "broken", err: errors.New("feed down")},
		{name: "ok", items: []db.ContentItem{item("a", now.Add(-time.Hour))}},
	}, repo, &fakeAnalyzer{}, &fakeDeliverer{})

	outcome, err := r.Run(context.Background(), db.TriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Counts.Fetched)
}

func TestRunAnalyzerFailureAborts(t *testing.T) {
	now := time.Now().UTC()

	repo := &fakeRepo{}
	a := &fakeAnalyzer{err: errors.New("all batches failed")}
	d := &fakeDeliverer{}

	r := newTestRunner([]*fakeFetcher{
		{name: "one", items: []db.ContentItem{item("a", now.Add(-time.Hour))}},
	}, repo, a, d)

	_, err := r.Run(context.Background(), db.TriggerScheduled)
	require.Error(t, err)

	assert.Empty(t, repo.stored)
	assert.Empty(t, d.gotten)
}

func TestRunPartialDeliveryWrapped(t *testing.T) {
	repo := &fakeRepo{}
	d := &fakeDeliverer{
		result: telegram.DeliveryResult{ChunksSent: 1, ChunksTotal: 3},
		err:    errors.New("chunk 2 failed"),
	}

	r := newTestRunner(nil, repo, &fakeAnalyzer{}, d)

	outcome, err := r.Run(context.Background(), db.TriggerScheduled)
	require.Error(t, err)
	assert.ErrorIs(t, err, control.ErrDeliveryPartial)
	assert.Equal(t, 1, outcome.Counts.Delivered)

	// Failed delivery skips the retention purge.
	assert.False(t, repo.purged)
}

func TestRunCancelledBeforeDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	repo := &fakeRepo{}
	d := &fakeDeliverer{}

	r := newTestRunner(nil, repo, &fakeAnalyzer{}, d)
	cancel()

	_, err := r.Run(ctx, db.TriggerCommand)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, d.gotten)
}
