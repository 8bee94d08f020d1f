// Package run wires one full pipeline pass: fetch, dedup, analyze, persist,
// render, deliver.
package run

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lueurxax/crypto-intel-bot/internal/control"
	"github.com/lueurxax/crypto-intel-bot/internal/ingest"
	"github.com/lueurxax/crypto-intel-bot/internal/platform/observability"
	"github.com/lueurxax/crypto-intel-bot/internal/report"
	"github.com/lueurxax/crypto-intel-bot/internal/telegram"
	db "github.com/lueurxax/crypto-intel-bot/internal/storage"
)

// maxFetchParallelism bounds concurrent source fetches.
const maxFetchParallelism = 4

type analyzer interface {
	Analyze(ctx context.Context, items []db.ContentItem) ([]db.AnalysisResult, error)
}

type renderer interface {
	Render(results []db.AnalysisResult) report.Report
}

type deliverer interface {
	Deliver(ctx context.Context, report string) (telegram.DeliveryResult, error)
}

type repository interface {
	UpsertItems(ctx context.Context, items []db.ContentItem) error
	ListUnanalyzedItems(ctx context.Context, from, to time.Time) ([]db.ContentItem, error)
	StoreResults(ctx context.Context, results []db.AnalysisResult) error
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Runner executes a single pipeline pass. It implements control.Runner.
type Runner struct {
	fetchers  []ingest.Fetcher
	repo      repository
	analyzer  analyzer
	renderer  renderer
	deliverer deliverer
	window    time.Duration
	retention time.Duration
	logger    *zerolog.Logger

	now func() time.Time
}

// New builds a pipeline runner.
func New(
	fetchers []ingest.Fetcher,
	repo repository,
	analyzer analyzer,
	renderer renderer,
	deliverer deliverer,
	window, retention time.Duration,
	logger *zerolog.Logger,
) *Runner {
	return &Runner{
		fetchers:  fetchers,
		repo:      repo,
		analyzer:  analyzer,
		renderer:  renderer,
		deliverer: deliverer,
		window:    window,
		retention: retention,
		logger:    logger,
		now:       time.Now,
	}
}

// Run performs one pass. Fetcher failures contribute zero items and never
// abort the run; analysis and delivery failures do. Cancellation is checked
// between stages so an aborted run never delivers a stale report.
func (r *Runner) Run(ctx context.Context, trigger db.TriggerKind) (control.RunOutcome, error) {
	var outcome control.RunOutcome

	windowEnd := r.now().UTC()
	windowStart := windowEnd.Add(-r.window)

	fetched := r.fetchAll(ctx, windowStart)
	outcome.Counts.Fetched = len(fetched)

	if err := ctx.Err(); err != nil {
		return outcome, err
	}

	if len(fetched) > 0 {
		if err := r.repo.UpsertItems(ctx, fetched); err != nil {
			return outcome, fmt.Errorf("upsert items: %w", err)
		}
	}

	pending, err := r.repo.ListUnanalyzedItems(ctx, windowStart, windowEnd)
	if err != nil {
		return outcome, fmt.Errorf("list unanalyzed items: %w", err)
	}

	r.logger.Info().
		Str("trigger", string(trigger)).
		Int("fetched", len(fetched)).
		Int("pending", len(pending)).
		Msg("pipeline input ready")

	results, err := r.analyzer.Analyze(ctx, pending)
	if err != nil {
		return outcome, fmt.Errorf("analyze: %w", err)
	}

	outcome.Counts.Analyzed = len(results)

	for _, res := range results {
		observability.ResultsAnalyzed.WithLabelValues(res.Category).Inc()
	}

	if err := ctx.Err(); err != nil {
		return outcome, err
	}

	if len(results) > 0 {
		if err := r.repo.StoreResults(ctx, results); err != nil {
			return outcome, fmt.Errorf("store results: %w", err)
		}
	}

	rendered := r.renderer.Render(results)
	outcome.ReportID = rendered.ID

	if err := ctx.Err(); err != nil {
		return outcome, err
	}

	delivery, err := r.deliverer.Deliver(ctx, rendered.Markdown)
	outcome.Counts.Delivered = delivery.ChunksSent

	if err != nil {
		if delivery.Partial() {
			return outcome, fmt.Errorf("deliver: %w: %w", control.ErrDeliveryPartial, err)
		}

		return outcome, fmt.Errorf("deliver: %w", err)
	}

	r.purgeExpired(ctx)

	return outcome, nil
}

// fetchAll runs every fetcher with bounded parallelism and a per-source
// deadline. Failures are logged per source.
func (r *Runner) fetchAll(ctx context.Context, since time.Time) []db.ContentItem {
	var (
		mu    sync.Mutex
		items []db.ContentItem
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxFetchParallelism)

	for _, fetcher := range r.fetchers {
		fetcher := fetcher

		g.Go(func() error {
			fetchCtx, cancel := context.WithTimeout(gctx, fetcher.Timeout())
			defer cancel()

			fetched, err := fetcher.Fetch(fetchCtx, since)
			if err != nil {
				r.logger.Warn().Err(err).Str("source", fetcher.Name()).Msg("fetcher failed")
				observability.FetcherErrors.WithLabelValues(fetcher.Name()).Inc()

				return nil
			}

			r.logger.Debug().Str("source", fetcher.Name()).Int("items", len(fetched)).Msg("fetcher done")
			observability.ItemsFetched.WithLabelValues(fetcher.Name()).Add(float64(len(fetched)))

			mu.Lock()
			items = append(items, fetched...)
			mu.Unlock()

			return nil
		})
	}

	_ = g.Wait()

	// Cancellation discards partial fetch results.
	if ctx.Err() != nil {
		return nil
	}

	return dedup(items)
}

// dedup keeps the first item per fingerprint within the fetched set.
func dedup(items []db.ContentItem) []db.ContentItem {
	seen := make(map[string]bool, len(items))
	out := items[:0]

	for _, item := range items {
		if seen[item.ID] {
			continue
		}

		seen[item.ID] = true
		out = append(out, item)
	}

	return out
}

func (r *Runner) purgeExpired(ctx context.Context) {
	if r.retention <= 0 {
		return
	}

	cutoff := r.now().UTC().Add(-r.retention)

	purged, err := r.repo.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		r.logger.Warn().Err(err).Msg("retention purge failed")

		return
	}

	if purged > 0 {
		observability.ItemsPurged.Add(float64(purged))
		r.logger.Info().Int64("purged", purged).Msg("retention purge done")
	}
}
