// Package app wires the pipeline together and exposes the two operational
// modes:
//
//   - Once: trigger a single run and exit with the run's outcome
//   - Schedule: periodic runs plus the Telegram command listener and the
//     health server, until the process is signalled
package app

import (
	"context"
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lueurxax/crypto-intel-bot/internal/analyze"
	"github.com/lueurxax/crypto-intel-bot/internal/category"
	"github.com/lueurxax/crypto-intel-bot/internal/control"
	"github.com/lueurxax/crypto-intel-bot/internal/ingest"
	"github.com/lueurxax/crypto-intel-bot/internal/llm"
	"github.com/lueurxax/crypto-intel-bot/internal/market"
	"github.com/lueurxax/crypto-intel-bot/internal/platform/config"
	"github.com/lueurxax/crypto-intel-bot/internal/platform/observability"
	"github.com/lueurxax/crypto-intel-bot/internal/prompt"
	"github.com/lueurxax/crypto-intel-bot/internal/report"
	"github.com/lueurxax/crypto-intel-bot/internal/run"
	"github.com/lueurxax/crypto-intel-bot/internal/schedule"
	db "github.com/lueurxax/crypto-intel-bot/internal/storage"
	"github.com/lueurxax/crypto-intel-bot/internal/telegram"
)

// ErrRunFailed is returned by RunOnce when the triggered run did not succeed.
var ErrRunFailed = errors.New("run did not succeed")

// App holds the wired pipeline and provides methods to run each mode.
type App struct {
	cfg      *config.Config
	proc     *config.Process
	database *db.DB
	logger   *zerolog.Logger

	botAPI     *tgbotapi.BotAPI
	controller *control.Controller
}

// New wires all pipeline components. The root context bounds every run the
// controller starts, so cancelling it stops in-flight runs too.
func New(rootCtx context.Context, cfg *config.Config, proc *config.Process, database *db.DB, logger *zerolog.Logger) (*App, error) {
	registry, err := category.LoadFromPrompt(cfg.Prompts.AnalysisPromptPath)
	if err != nil {
		return nil, fmt.Errorf("load categories: %w", err)
	}

	snapshotPrompt, err := prompt.LoadOptional(cfg.Prompts.SnapshotPromptPath)
	if err != nil {
		return nil, fmt.Errorf("load snapshot prompt: %w", err)
	}

	snapshots := market.New(cfg.MarketSnapshot, snapshotPrompt, logger)
	assembler := prompt.NewAssembler(cfg.Prompts.AnalysisPromptPath)
	client := llm.New(cfg.LLM, logger)

	analyzer := analyze.New(
		client, snapshots, assembler, registry,
		cfg.LLM.BatchSize, cfg.LLM.MaxBatchParallelism, logger,
	)

	renderer := report.NewRenderer(registry)

	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.BotToken())
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}

	deliverer, err := telegram.NewDeliverer(botAPI, cfg.Telegram, logger)
	if err != nil {
		return nil, fmt.Errorf("telegram deliverer init: %w", err)
	}

	fetchers, err := ingest.Build(cfg.Fetchers, logger)
	if err != nil {
		return nil, fmt.Errorf("build fetchers: %w", err)
	}

	runner := run.New(fetchers, database, analyzer, renderer, deliverer, cfg.Window(), cfg.Retention(), logger)
	controller := control.New(rootCtx, runner, database, cfg.TelegramCommands.ExecutionTimeout(), logger)

	return &App{
		cfg:        cfg,
		proc:       proc,
		database:   database,
		logger:     logger,
		botAPI:     botAPI,
		controller: controller,
	}, nil
}

// RunOnce triggers a single manual run and blocks until it finishes. The
// returned error wraps ErrRunFailed when the run ended in any state other
// than succeeded.
func (a *App) RunOnce(ctx context.Context) error {
	a.logger.Info().Msg("starting single run")

	res, err := a.controller.Trigger(ctx, db.TriggerManual)
	if err != nil {
		return fmt.Errorf("trigger run: %w", err)
	}

	if !res.Accepted {
		return fmt.Errorf("%w: trigger rejected: %s", ErrRunFailed, res.Reason)
	}

	a.controller.Wait()

	rec, err := a.database.LatestRun(ctx)
	if err != nil {
		return fmt.Errorf("read run record: %w", err)
	}

	if rec == nil || rec.RunID != res.RunID {
		return fmt.Errorf("%w: run %d record missing", ErrRunFailed, res.RunID)
	}

	if rec.State != db.RunSucceeded {
		return fmt.Errorf("%w: run %d ended %s: %s", ErrRunFailed, rec.RunID, rec.State, rec.Error)
	}

	a.logger.Info().Int64("run_id", rec.RunID).Msg("run succeeded")

	return nil
}

// RunSchedule runs the scheduler, the command listener when enabled, and the
// health server until the context is cancelled. In-flight runs are waited
// for on shutdown.
func (a *App) RunSchedule(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		srv := observability.NewServer(a.database, a.proc.HealthPort, a.logger)

		if err := srv.Start(gctx); err != nil {
			return fmt.Errorf("health server: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		scheduler := schedule.New(a.controller, a.cfg, a.logger)

		if err := scheduler.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("scheduler: %w", err)
		}

		return nil
	})

	if a.cfg.TelegramCommands.Enabled {
		listener, err := telegram.NewListener(a.botAPI, a.controller, a.cfg.TelegramCommands, a.logger)
		if err != nil {
			return fmt.Errorf("listener init: %w", err)
		}

		g.Go(func() error {
			if err := listener.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("listener: %w", err)
			}

			return nil
		})
	}

	a.logger.Info().
		Dur("interval", a.cfg.Interval()).
		Bool("commands_enabled", a.cfg.TelegramCommands.Enabled).
		Msg("schedule mode started")

	err := g.Wait()

	// Let an in-flight run reach a terminal state before returning.
	a.controller.Wait()

	return err
}
