package telegram

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	sent  []tgbotapi.MessageConfig
	calls int
	fn    func(call int, msg tgbotapi.MessageConfig) error
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	msg, ok := c.(tgbotapi.MessageConfig)
	if !ok {
		return tgbotapi.Message{}, errors.New("unexpected chattable type")
	}

	f.calls++

	if f.fn != nil {
		if err := f.fn(f.calls, msg); err != nil {
			return tgbotapi.Message{}, err
		}
	}

	f.sent = append(f.sent, msg)

	return tgbotapi.Message{MessageID: f.calls}, nil
}

func newTestDeliverer(api sender) *Deliverer {
	logger := zerolog.Nop()

	return &Deliverer{
		api:        api,
		chatID:     42,
		parseMode:  "Markdown",
		logger:     &logger,
		backoff:    time.Millisecond,
		partsDelay: 0,
	}
}

func TestDeliverSingleMessage(t *testing.T) {
	api := &fakeSender{}
	d := newTestDeliverer(api)

	res, err := d.Deliver(context.Background(), "small report")
	require.NoError(t, err)

	assert.Equal(t, 1, res.ChunksSent)
	assert.Equal(t, 1, res.ChunksTotal)
	assert.False(t, res.Partial())

	require.Len(t, api.sent, 1)
	assert.Equal(t, int64(42), api.sent[0].ChatID)
	assert.Equal(t, "Markdown", api.sent[0].ParseMode)
	assert.True(t, api.sent[0].DisableWebPagePreview)
}

func TestDeliverChunksInOrder(t *testing.T) {
	api := &fakeSender{}
	d := newTestDeliverer(api)

	report := strings.Repeat("a", 3000) + "\n\n" + strings.Repeat("b", 3000)

	res, err := d.Deliver(context.Background(), report)
	require.NoError(t, err)
	assert.Equal(t, 2, res.ChunksSent)

	require.Len(t, api.sent, 2)
	assert.True(t, strings.HasPrefix(api.sent[0].Text, "a"))
	assert.True(t, strings.HasPrefix(api.sent[1].Text, "b"))
}

func TestDeliverRetriesTransientError(t *testing.T) {
	api := &fakeSender{fn: func(call int, _ tgbotapi.MessageConfig) error {
		if call == 1 {
			return errors.New("temporary network error")
		}

		return nil
	}}

	d := newTestDeliverer(api)

	res, err := d.Deliver(context.Background(), "report")
	require.NoError(t, err)
	assert.Equal(t, 1, res.ChunksSent)
	assert.Equal(t, 2, api.calls)
}

func TestDeliverStopsAtFailedChunk(t *testing.T) {
	api := &fakeSender{fn: func(_ int, msg tgbotapi.MessageConfig) error {
		if strings.HasPrefix(msg.Text, "b") {
			return errors.New("forbidden")
		}

		return nil
	}}

	d := newTestDeliverer(api)

	report := strings.Repeat("a", 3000) + "\n\n" + strings.Repeat("b", 3000) + "\n\n" + strings.Repeat("c", 3000)

	res, err := d.Deliver(context.Background(), report)
	require.Error(t, err)

	assert.Equal(t, 1, res.ChunksSent)
	assert.Equal(t, 3, res.ChunksTotal)
	assert.True(t, res.Partial())

	// Chunk b exhausted its retries; chunk c was never attempted.
	require.Len(t, api.sent, 1)
	assert.Equal(t, 1+sendAttempts, api.calls)
}

func TestDeliverHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	api := &fakeSender{fn: func(_ int, _ tgbotapi.MessageConfig) error {
		cancel()

		return nil
	}}

	d := newTestDeliverer(api)
	d.partsDelay = time.Millisecond

	report := strings.Repeat("a", 3000) + "\n\n" + strings.Repeat("b", 3000)

	res, err := d.Deliver(ctx, report)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, res.ChunksSent)
}
