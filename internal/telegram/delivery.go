// Package telegram sends rendered reports to the target chat and listens
// for control commands from authorized users.
package telegram

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/lueurxax/crypto-intel-bot/internal/platform/config"
	"github.com/lueurxax/crypto-intel-bot/internal/platform/observability"
)

const (
	sendAttempts      = 3
	sendBaseBackoff   = 1 * time.Second
	sleepBetweenParts = 500 * time.Millisecond
)

// sender is the slice of the bot API delivery needs. Tests swap in a fake.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// DeliveryResult reports how much of a report went out.
type DeliveryResult struct {
	ChunksSent  int
	ChunksTotal int
}

// Partial reports whether some but not all chunks were delivered.
func (r DeliveryResult) Partial() bool {
	return r.ChunksSent > 0 && r.ChunksSent < r.ChunksTotal
}

// Deliverer sends reports to the configured chat.
type Deliverer struct {
	api       sender
	chatID    int64
	parseMode string
	logger    *zerolog.Logger

	backoff    time.Duration
	partsDelay time.Duration
}

// NewDeliverer builds a deliverer over an existing bot API. The API is
// shared with the command listener so the process holds one bot session.
func NewDeliverer(api *tgbotapi.BotAPI, cfg config.TelegramConfig, logger *zerolog.Logger) (*Deliverer, error) {
	chatID, err := cfg.ChatIDInt()
	if err != nil {
		return nil, err
	}

	return &Deliverer{
		api:        api,
		chatID:     chatID,
		parseMode:  cfg.ParseMode,
		logger:     logger,
		backoff:    sendBaseBackoff,
		partsDelay: sleepBetweenParts,
	}, nil
}

// Deliver sends the report, chunked at blank-line boundaries. Chunks go out
// in order; when chunk k fails after retries, chunks after k are not
// attempted and the result reports the partial delivery.
func (d *Deliverer) Deliver(ctx context.Context, report string) (DeliveryResult, error) {
	chunks := SplitMarkdown(report, MaxMessageSize)
	result := DeliveryResult{ChunksTotal: len(chunks)}

	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if i > 0 {
			if err := sleep(ctx, d.partsDelay); err != nil {
				return result, err
			}
		}

		if err := d.sendChunk(ctx, chunk); err != nil {
			observability.ReportChunksDelivered.WithLabelValues("failed").Inc()

			return result, fmt.Errorf("send chunk %d/%d: %w", i+1, len(chunks), err)
		}

		observability.ReportChunksDelivered.WithLabelValues("sent").Inc()
		result.ChunksSent++
	}

	d.logger.Info().Int("chunks", result.ChunksSent).Msg("report delivered")

	return result, nil
}

func (d *Deliverer) sendChunk(ctx context.Context, chunk string) error {
	var lastErr error

	for attempt := 0; attempt < sendAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, d.backoff<<(attempt-1)); err != nil {
				return err
			}
		}

		msg := tgbotapi.NewMessage(d.chatID, chunk)
		msg.ParseMode = d.parseMode
		msg.DisableWebPagePreview = true

		if _, err := d.api.Send(msg); err != nil {
			lastErr = err

			d.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("send message part failed")

			continue
		}

		return nil
	}

	return lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
