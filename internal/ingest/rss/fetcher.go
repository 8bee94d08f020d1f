// Package rss fetches content items from RSS and Atom feeds.
package rss

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	readability "github.com/go-shiori/go-readability"
	"github.com/mmcdole/gofeed"
	"github.com/rs/zerolog"

	"github.com/lueurxax/crypto-intel-bot/internal/platform/config"
	db "github.com/lueurxax/crypto-intel-bot/internal/storage"
)

const (
	maxContentLen      = 8000
	readabilityTimeout = 20 * time.Second
	// futureSkew tolerates clock drift between feed publishers and this
	// host; items dated further into the future are dropped.
	futureSkew = 5 * time.Minute
)

// Fetcher pulls items from one or more feed URLs under a single source name.
type Fetcher struct {
	cfg    config.FetcherConfig
	parser *gofeed.Parser
	logger *zerolog.Logger

	// fullContent fetches the linked article body through readability.
	fullContent func(url string) (string, error)

	now func() time.Time
}

// New builds an RSS fetcher from its source configuration.
func New(cfg config.FetcherConfig, logger *zerolog.Logger) *Fetcher {
	parser := gofeed.NewParser()
	parser.Client = &http.Client{Timeout: cfg.Timeout()}

	return &Fetcher{
		cfg:    cfg,
		parser: parser,
		logger: logger,
		fullContent: func(url string) (string, error) {
			article, err := readability.FromURL(url, readabilityTimeout)
			if err != nil {
				return "", err
			}

			return article.TextContent, nil
		},
		now: time.Now,
	}
}

// Name returns the configured source name.
func (f *Fetcher) Name() string { return f.cfg.Name }

// Timeout returns the per-fetch deadline.
func (f *Fetcher) Timeout() time.Duration { return f.cfg.Timeout() }

// Fetch parses every configured feed and returns items published after
// since. A failing feed is logged and skipped; the error is non-nil only
// when every feed failed.
func (f *Fetcher) Fetch(ctx context.Context, since time.Time) ([]db.ContentItem, error) {
	var (
		items   []db.ContentItem
		lastErr error
		failed  int
	)

	for _, feedURL := range f.cfg.FeedURLs {
		feed, err := f.parser.ParseURLWithContext(feedURL, ctx)
		if err != nil {
			f.logger.Warn().Err(err).Str("feed", feedURL).Msg("feed fetch failed")

			failed++
			lastErr = err

			continue
		}

		for _, entry := range feed.Items {
			item, ok := f.convert(entry, since)
			if !ok {
				continue
			}

			items = append(items, item)
		}
	}

	if failed == len(f.cfg.FeedURLs) && failed > 0 {
		return nil, lastErr
	}

	return items, nil
}

func (f *Fetcher) convert(entry *gofeed.Item, since time.Time) (db.ContentItem, bool) {
	if entry.Link == "" {
		return db.ContentItem{}, false
	}

	publishTime, ok := entryTime(entry)
	if !ok {
		f.logger.Debug().Str("link", entry.Link).Msg("skipping item without parseable publish time")

		return db.ContentItem{}, false
	}

	if !publishTime.After(since) {
		return db.ContentItem{}, false
	}

	if publishTime.After(f.now().Add(futureSkew)) {
		f.logger.Debug().Str("link", entry.Link).Time("publish_time", publishTime).Msg("skipping future-dated item")

		return db.ContentItem{}, false
	}

	content := entry.Content
	if content == "" {
		content = entry.Description
	}

	content = StripHTML(content)

	if f.cfg.FetchFullContent {
		if full, err := f.fullContent(entry.Link); err != nil {
			f.logger.Debug().Err(err).Str("link", entry.Link).Msg("full content fetch failed, using feed body")
		} else if full != "" {
			content = full
		}
	}

	content = truncate(strings.TrimSpace(content), maxContentLen)

	return db.ContentItem{
		ID:          db.Fingerprint(f.cfg.Name, entry.Link, publishTime),
		Title:       strings.TrimSpace(entry.Title),
		Content:     content,
		URL:         entry.Link,
		PublishTime: publishTime.UTC(),
		SourceName:  f.cfg.Name,
		SourceType:  db.SourceTypeRSS,
	}, true
}

func entryTime(entry *gofeed.Item) (time.Time, bool) {
	if entry.PublishedParsed != nil {
		return *entry.PublishedParsed, true
	}

	if entry.UpdatedParsed != nil {
		return *entry.UpdatedParsed, true
	}

	for _, raw := range []string{entry.Published, entry.Updated} {
		if raw == "" {
			continue
		}

		if t, err := dateparse.ParseAny(raw); err == nil {
			return t, true
		}
	}

	return time.Time{}, false
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}

	cut := s[:max]
	if idx := strings.LastIndexByte(cut, ' '); idx > 0 {
		cut = cut[:idx]
	}

	return cut
}
