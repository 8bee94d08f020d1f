// Package market produces the live market brief used as context for the
// analysis prompt. The brief comes from a web-browsing LLM endpoint and is
// cached with a TTL; on persistent failure a degraded constant brief is used
// so the pipeline never stalls on this dependency.
package market

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/sync/singleflight"

	"github.com/lueurxax/crypto-intel-bot/internal/platform/config"
	"github.com/lueurxax/crypto-intel-bot/internal/platform/observability"
)

// Snapshot is one market brief.
type Snapshot struct {
	GeneratedAt time.Time
	Body        string
	SourceModel string
	IsFallback  bool
}

// FallbackBody is the degraded brief used when the endpoint is unreachable.
const FallbackBody = "Live market data is temporarily unavailable. " +
	"Judge each item on its own content without assuming current price levels, " +
	"funding rates, or macro positioning."

const (
	requestTimeout = 45 * time.Second
	maxAttempts    = 3
	baseBackoff    = 2 * time.Second
	defaultPrompt  = "Search the web for the current state of the crypto market: " +
		"BTC and ETH price action over the last 24h, notable liquidations, ETF flows, " +
		"macro events moving risk assets, and any breaking regulatory news. " +
		"Write a compact multi-section brief. Keep source URLs intact."
)

type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Service fetches and caches market snapshots. Safe for concurrent use; a
// single-flight group collapses concurrent refreshes into one request.
type Service struct {
	client  chatClient
	model   string
	prompt  string
	ttl     time.Duration
	backoff time.Duration
	logger  *zerolog.Logger
	now     func() time.Time

	mu     sync.Mutex
	cached *Snapshot

	group singleflight.Group
}

// New builds a Service against the configured OpenAI-compatible endpoint.
// promptText overrides the built-in snapshot prompt when non-empty.
func New(cfg config.MarketSnapshotConfig, promptText string, logger *zerolog.Logger) *Service {
	clientCfg := openai.DefaultConfig(cfg.APIKey())
	if cfg.Endpoint != "" {
		clientCfg.BaseURL = cfg.Endpoint
	}

	if promptText == "" {
		promptText = defaultPrompt
	}

	return &Service{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   cfg.Model,
		prompt:  promptText,
		ttl:     cfg.TTL(),
		backoff: baseBackoff,
		logger:  logger,
		now:     time.Now,
	}
}

// Get returns a snapshot. With useCached the cached value is returned while
// fresh; otherwise a refresh is forced. Never returns an error: persistent
// failures degrade to the fallback snapshot.
func (s *Service) Get(ctx context.Context, useCached bool) Snapshot {
	if useCached {
		if snap := s.freshCached(); snap != nil {
			return *snap
		}
	}

	v, _, _ := s.group.Do("snapshot", func() (interface{}, error) {
		return s.refresh(ctx), nil
	})

	return v.(Snapshot)
}

// Invalidate drops the cached snapshot.
func (s *Service) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = nil
}

func (s *Service) freshCached() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil && s.now().Sub(s.cached.GeneratedAt) < s.ttl {
		return s.cached
	}

	return nil
}

func (s *Service) refresh(ctx context.Context) Snapshot {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, s.backoff, attempt); err != nil {
				break
			}
		}

		body, err := s.fetch(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("market snapshot fetch failed")

			continue
		}

		snap := Snapshot{
			GeneratedAt: s.now(),
			Body:        body,
			SourceModel: s.model,
		}

		s.mu.Lock()
		s.cached = &snap
		s.mu.Unlock()

		return snap
	}

	s.logger.Warn().Msg("market snapshot degraded to fallback")
	observability.SnapshotFallbacks.Inc()

	// Fallback is intentionally not cached so the next call retries.
	return Snapshot{
		GeneratedAt: s.now(),
		Body:        FallbackBody,
		SourceModel: s.model,
		IsFallback:  true,
	}
}

func (s *Service) fetch(ctx context.Context) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	resp, err := s.client.CreateChatCompletion(reqCtx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: s.prompt},
		},
		Tools: []openai.Tool{
			{Type: openai.ToolType("web_search")},
		},
	})
	if err != nil {
		return "", err
	}

	if len(resp.Choices) == 0 {
		return "", errEmptyResponse
	}

	body := strings.TrimSpace(resp.Choices[0].Message.Content)
	if body == "" {
		return "", errEmptyResponse
	}

	return body, nil
}

func sleepBackoff(ctx context.Context, base time.Duration, attempt int) error {
	delay := base << (attempt - 1)
	delay += time.Duration(rand.Int63n(int64(delay/2) + 1))

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
