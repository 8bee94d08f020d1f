// Package ingest defines the content fetcher contract and builds fetchers
// from configuration.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lueurxax/crypto-intel-bot/internal/ingest/rss"
	"github.com/lueurxax/crypto-intel-bot/internal/ingest/xcli"
	"github.com/lueurxax/crypto-intel-bot/internal/platform/config"
	db "github.com/lueurxax/crypto-intel-bot/internal/storage"
)

// Fetcher produces content items published after since. Implementations are
// expected to honor the context deadline; errors abort only the fetcher, not
// the run.
type Fetcher interface {
	Name() string
	Timeout() time.Duration
	Fetch(ctx context.Context, since time.Time) ([]db.ContentItem, error)
}

// Build constructs fetchers for every configured source.
func Build(cfgs []config.FetcherConfig, logger *zerolog.Logger) ([]Fetcher, error) {
	fetchers := make([]Fetcher, 0, len(cfgs))

	for i, cfg := range cfgs {
		switch cfg.Type {
		case config.FetcherTypeRSS:
			fetchers = append(fetchers, rss.New(cfg, logger))
		case config.FetcherTypeX:
			fetchers = append(fetchers, xcli.New(cfg, logger))
		default:
			return nil, fmt.Errorf("fetchers[%d]: unknown type %q", i, cfg.Type)
		}
	}

	return fetchers, nil
}
