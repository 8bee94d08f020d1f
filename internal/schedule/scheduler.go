// Package schedule triggers pipeline runs on a fixed interval.
package schedule

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/lueurxax/crypto-intel-bot/internal/control"
	"github.com/lueurxax/crypto-intel-bot/internal/platform/config"
	"github.com/lueurxax/crypto-intel-bot/internal/platform/worker"
	db "github.com/lueurxax/crypto-intel-bot/internal/storage"
)

type trigger interface {
	Trigger(ctx context.Context, trigger db.TriggerKind) (control.TriggerResult, error)
}

// Scheduler fires scheduled runs through the execution controller. A busy
// controller rejects the tick; the scheduler logs it and waits for the next
// interval, it never queues.
type Scheduler struct {
	controller trigger
	cfg        *config.Config
	logger     *zerolog.Logger
}

// New builds a scheduler over the controller.
func New(controller trigger, cfg *config.Config, logger *zerolog.Logger) *Scheduler {
	return &Scheduler{controller: controller, cfg: cfg, logger: logger}
}

// Run blocks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	return worker.TickerLoop(ctx, worker.TickerConfig{
		Name:       "scheduler",
		Interval:   s.cfg.Interval(),
		RunOnStart: s.cfg.RunOnStart,
		OnTick:     s.tick,
		Logger:     s.logger,
	})
}

func (s *Scheduler) tick(ctx context.Context) {
	res, err := s.controller.Trigger(ctx, db.TriggerScheduled)
	if err != nil {
		s.logger.Error().Err(err).Msg("scheduled trigger failed")

		return
	}

	if !res.Accepted {
		s.logger.Info().Str("reason", string(res.Reason)).Msg("scheduled tick skipped")

		return
	}

	s.logger.Info().Int64("run_id", res.RunID).Msg("scheduled run started")
}
