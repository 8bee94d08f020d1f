// Package analyze runs the batch classification step: market snapshot,
// prompt assembly, batched LLM calls and result post-processing.
package analyze

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lueurxax/crypto-intel-bot/internal/category"
	"github.com/lueurxax/crypto-intel-bot/internal/llm"
	"github.com/lueurxax/crypto-intel-bot/internal/market"
	"github.com/lueurxax/crypto-intel-bot/internal/platform/observability"
	db "github.com/lueurxax/crypto-intel-bot/internal/storage"
)

const (
	maxWeightScore = 100
	timeLayout     = "2006-01-02 15:04"
)

type batchClient interface {
	AnalyzeBatch(ctx context.Context, systemPrompt, userPrompt string) ([]llm.BatchEntry, error)
}

type snapshotSource interface {
	Get(ctx context.Context, useCached bool) market.Snapshot
}

type promptAssembler interface {
	SystemPrompt(snap market.Snapshot) (string, error)
}

// Analyzer classifies content items through the LLM in batches.
type Analyzer struct {
	client      batchClient
	snapshots   snapshotSource
	prompts     promptAssembler
	registry    *category.Registry
	batchSize   int
	parallelism int
	logger      *zerolog.Logger
}

// New builds an analyzer. batchSize and parallelism must be positive.
func New(
	client batchClient,
	snapshots snapshotSource,
	prompts promptAssembler,
	registry *category.Registry,
	batchSize, parallelism int,
	logger *zerolog.Logger,
) *Analyzer {
	return &Analyzer{
		client:      client,
		snapshots:   snapshots,
		prompts:     prompts,
		registry:    registry,
		batchSize:   batchSize,
		parallelism: parallelism,
		logger:      logger,
	}
}

// batchItem is the per-item payload sent to the model.
type batchItem struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Content     string `json:"content"`
	URL         string `json:"url"`
	PublishTime string `json:"publish_time"`
	SourceName  string `json:"source_name"`
	SourceType  string `json:"source_type"`
}

// Analyze classifies items and returns results sorted by weight descending,
// publish time descending, item id ascending. Empty input short-circuits
// without touching the snapshot service or the model. Failed batches are
// logged and skipped; the error is non-nil only when every batch failed.
func (a *Analyzer) Analyze(ctx context.Context, items []db.ContentItem) ([]db.AnalysisResult, error) {
	if len(items) == 0 {
		return nil, nil
	}

	snap := a.snapshots.Get(ctx, true)

	systemPrompt, err := a.prompts.SystemPrompt(snap)
	if err != nil {
		return nil, fmt.Errorf("assemble system prompt: %w", err)
	}

	batches := partition(items, a.batchSize)

	var (
		mu      sync.Mutex
		results []db.AnalysisResult
		failed  int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.parallelism)

	for _, batch := range batches {
		batch := batch

		g.Go(func() error {
			entries, err := a.analyzeSplitting(gctx, systemPrompt, batch)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}

				a.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("batch analysis failed, skipping")
				observability.LLMBatchesTotal.WithLabelValues("failed").Inc()

				mu.Lock()
				failed++
				mu.Unlock()

				return nil
			}

			observability.LLMBatchesTotal.WithLabelValues("ok").Inc()

			processed := a.postProcess(batch, entries)

			mu.Lock()
			results = append(results, processed...)
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if failed == len(batches) {
		return nil, fmt.Errorf("all %d batches failed analysis", failed)
	}

	sortResults(results, items)

	return results, nil
}

// analyzeSplitting runs one batch, halving it on context overflow. A single
// item that still overflows is skipped.
func (a *Analyzer) analyzeSplitting(ctx context.Context, systemPrompt string, batch []db.ContentItem) ([]llm.BatchEntry, error) {
	userPrompt, err := buildUserPrompt(batch)
	if err != nil {
		return nil, err
	}

	entries, err := a.client.AnalyzeBatch(ctx, systemPrompt, userPrompt)
	if err == nil {
		return entries, nil
	}

	if !errors.Is(err, llm.ErrContextOverflow) {
		return nil, err
	}

	if len(batch) == 1 {
		a.logger.Warn().Str("item_id", batch[0].ID).Msg("item too large for model context, skipping")

		return nil, nil
	}

	mid := len(batch) / 2

	left, err := a.analyzeSplitting(ctx, systemPrompt, batch[:mid])
	if err != nil {
		return nil, err
	}

	right, err := a.analyzeSplitting(ctx, systemPrompt, batch[mid:])
	if err != nil {
		return nil, err
	}

	return append(left, right...), nil
}

func buildUserPrompt(batch []db.ContentItem) (string, error) {
	payload := make([]batchItem, 0, len(batch))
	for _, item := range batch {
		payload = append(payload, batchItem{
			ID:          item.ID,
			Title:       item.Title,
			Content:     item.Content,
			URL:         item.URL,
			PublishTime: item.PublishTime.UTC().Format(time.RFC3339),
			SourceName:  item.SourceName,
			SourceType:  string(item.SourceType),
		})
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal batch: %w", err)
	}

	return fmt.Sprintf("Analyze the following %d news items:\n%s", len(batch), data), nil
}

// postProcess maps model entries back to input items by source URL and
// applies the result filters. Entries whose source URL does not belong to
// the batch are fabricated and dropped; so are entries without a weight
// score and entries in the Ignored category.
func (a *Analyzer) postProcess(batch []db.ContentItem, entries []llm.BatchEntry) []db.AnalysisResult {
	byURL := make(map[string]db.ContentItem, len(batch))
	for _, item := range batch {
		byURL[item.URL] = item
	}

	claimed := make(map[string]bool, len(entries))
	out := make([]db.AnalysisResult, 0, len(entries))

	for _, entry := range entries {
		item, ok := byURL[entry.Source]
		if !ok {
			a.logger.Warn().Str("source", entry.Source).Msg("dropping result with source URL not in batch")

			continue
		}

		if claimed[item.ID] {
			a.logger.Warn().Str("item_id", item.ID).Msg("dropping duplicate result for item")

			continue
		}

		if entry.Category == "" {
			a.logger.Warn().Str("item_id", item.ID).Msg("dropping result with empty category")

			continue
		}

		a.registry.RecordSeen(entry.Category)

		if entry.WeightScore == nil {
			a.logger.Warn().Str("item_id", item.ID).Msg("dropping result without weight score")

			continue
		}

		if entry.Category == category.Ignored {
			claimed[item.ID] = true

			continue
		}

		score := *entry.WeightScore
		if score < 0 {
			score = 0
		}

		if score > maxWeightScore {
			score = maxWeightScore
		}

		timeStr := entry.Time
		if timeStr == "" {
			timeStr = item.PublishTime.Format(timeLayout)
		}

		claimed[item.ID] = true
		out = append(out, db.AnalysisResult{
			SourceItemID: item.ID,
			Category:     entry.Category,
			WeightScore:  score,
			Summary:      entry.Summary,
			TimeStr:      timeStr,
			Source:       item.URL,
			CreatedAt:    time.Now().UTC(),
		})
	}

	return out
}

func sortResults(results []db.AnalysisResult, items []db.ContentItem) {
	publishByID := make(map[string]time.Time, len(items))
	for _, item := range items {
		publishByID[item.ID] = item.PublishTime
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].WeightScore != results[j].WeightScore {
			return results[i].WeightScore > results[j].WeightScore
		}

		pi, pj := publishByID[results[i].SourceItemID], publishByID[results[j].SourceItemID]
		if !pi.Equal(pj) {
			return pi.After(pj)
		}

		return results[i].SourceItemID < results[j].SourceItemID
	})
}

func partition(items []db.ContentItem, size int) [][]db.ContentItem {
	if size <= 0 {
		size = 1
	}

	var out [][]db.ContentItem
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}

		out = append(out, items[start:end])
	}

	return out
}
