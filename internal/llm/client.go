// Package llm implements the structured-output analysis client. Responses
// are validated against a JSON schema locally; providers without native
// structured outputs get a JSON-object response format plus an appended
// schema instruction.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/lueurxax/crypto-intel-bot/internal/platform/config"
	"github.com/lueurxax/crypto-intel-bot/internal/platform/observability"
)

const (
	circuitBreakerThreshold = 5
	circuitBreakerTimeout   = 1 * time.Minute

	maxTransportAttempts = 3
	transportBaseBackoff = 2 * time.Second

	// Rough token estimate: one token per four bytes of prompt.
	bytesPerToken = 4

	providerOpenAI = "openai"
)

// chatClient is the slice of the OpenAI SDK the client uses. Tests swap in
// a fake.
type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Client calls the analysis endpoint and enforces the response schema.
type Client struct {
	cfg     config.LLMConfig
	client  chatClient
	logger  *zerolog.Logger
	limiter *rate.Limiter
	backoff time.Duration

	// Circuit breaker state
	consecutiveFailures int
	circuitOpenUntil    time.Time
	mu                  sync.Mutex
}

// New builds a client for the configured endpoint.
func New(cfg config.LLMConfig, logger *zerolog.Logger) *Client {
	clientCfg := openai.DefaultConfig(cfg.APIKey())
	if cfg.Endpoint != "" {
		clientCfg.BaseURL = cfg.Endpoint
	}

	return &Client{
		cfg:     cfg,
		client:  openai.NewClientWithConfig(clientCfg),
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 5),
		backoff: transportBaseBackoff,
	}
}

func (c *Client) checkCircuit() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Now().Before(c.circuitOpenUntil) {
		return &AnalysisError{
			Kind: FailureTransport,
			Err:  fmt.Errorf("circuit breaker is open until %v", c.circuitOpenUntil),
		}
	}

	return nil
}

func (c *Client) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutiveFailures = 0
}

func (c *Client) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.consecutiveFailures++
	if c.consecutiveFailures >= circuitBreakerThreshold {
		c.circuitOpenUntil = time.Now().Add(circuitBreakerTimeout)
		c.logger.Warn().
			Int("consecutive_failures", c.consecutiveFailures).
			Time("open_until", c.circuitOpenUntil).
			Msg("Circuit breaker opened")
	}
}

// EstimateTokens approximates the token count of a prompt.
func EstimateTokens(s string) int {
	return len(s) / bytesPerToken
}

// AnalyzeBatch sends one batch to the model and returns the validated
// entries. ErrContextOverflow is returned before any network call when the
// prompt cannot fit; the caller splits the batch and retries.
func (c *Client) AnalyzeBatch(ctx context.Context, systemPrompt, userPrompt string) ([]BatchEntry, error) {
	estimate := EstimateTokens(systemPrompt) + EstimateTokens(userPrompt) + c.cfg.MaxTokens
	if estimate > c.cfg.ContextTokens {
		return nil, fmt.Errorf("%w: estimated %d tokens, context %d", ErrContextOverflow, estimate, c.cfg.ContextTokens)
	}

	prompt := userPrompt
	if !c.nativeSchema() {
		prompt += schemaInstruction
	}

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: prompt},
	}

	content, err := c.complete(ctx, messages)
	if err != nil {
		return nil, err
	}

	entries, validationErr := c.decode(content)
	if validationErr == nil {
		return entries, nil
	}

	c.logger.Warn().Err(validationErr).Msg("LLM response failed schema validation, requesting repair")

	// One repair round: echo the validator error back to the model.
	messages = append(messages,
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content},
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: repairInstruction(content, validationErr)},
	)

	content, err = c.complete(ctx, messages)
	if err != nil {
		return nil, err
	}

	entries, validationErr = c.decode(content)
	if validationErr != nil {
		return nil, &AnalysisError{Kind: FailureSchemaInvalid, Err: validationErr}
	}

	return entries, nil
}

func (c *Client) nativeSchema() bool {
	return c.cfg.Provider == providerOpenAI
}

func (c *Client) responseFormat() *openai.ChatCompletionResponseFormat {
	if !c.nativeSchema() {
		return &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	return &openai.ChatCompletionResponseFormat{
		Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
		JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
			Name:   "batch_analysis",
			Schema: json.RawMessage(nativeBatchSchemaJSON),
			Strict: true,
		},
	}
}

// complete performs one chat completion with transport retries. 429 and 5xx
// responses are retried with exponential backoff; other API errors fail
// immediately.
func (c *Client) complete(ctx context.Context, messages []openai.ChatCompletionMessage) (string, error) {
	var lastErr error

	for attempt := 0; attempt < maxTransportAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, c.backoff, attempt); err != nil {
				return "", err
			}
		}

		if err := c.checkCircuit(); err != nil {
			return "", err
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limiter error: %w", err)
		}

		start := time.Now()

		resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:          c.cfg.Model,
			Messages:       messages,
			Temperature:    c.cfg.Temperature,
			MaxTokens:      c.cfg.MaxTokens,
			ResponseFormat: c.responseFormat(),
		})

		observability.LLMRequestDuration.WithLabelValues(c.cfg.Model).Observe(time.Since(start).Seconds())

		if err != nil {
			c.recordFailure()

			if ctx.Err() != nil {
				return "", ctx.Err()
			}

			if !retryable(err) {
				return "", &AnalysisError{Kind: FailureTransport, Err: err}
			}

			lastErr = err

			c.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("LLM request failed, retrying")

			continue
		}

		c.recordSuccess()

		if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
			return "", &AnalysisError{Kind: FailureEmptyResponse, Err: errEmptyResponse}
		}

		return resp.Choices[0].Message.Content, nil
	}

	kind := FailureTransport
	if isRateLimited(lastErr) {
		kind = FailureRateLimited
	}

	return "", &AnalysisError{Kind: kind, Err: lastErr}
}

// decode strips reasoning preamble, extracts the JSON object, validates it
// against the schema and unmarshals the entries.
func (c *Client) decode(content string) ([]BatchEntry, error) {
	raw, err := ExtractJSONObject(StripThink(content))
	if err != nil {
		return nil, err
	}

	var generic any
	if err := json.Unmarshal([]byte(raw), &generic); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	if err := validateBatch(generic); err != nil {
		return nil, fmt.Errorf("schema validation: %w", err)
	}

	var decoded BatchResponse
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, fmt.Errorf("unmarshal results: %w", err)
	}

	return decoded.Results, nil
}

var errEmptyResponse = errors.New("empty completion")

func retryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}

	// Network-level failures have no status code; retry them.
	return true
}

func isRateLimited(err error) bool {
	var apiErr *openai.APIError

	return errors.As(err, &apiErr) && apiErr.HTTPStatusCode == 429
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
