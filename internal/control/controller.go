// Package control serializes pipeline runs. The scheduler and the Telegram
// command listener both trigger runs through the ExecutionController, which
// admits at most one active run and rejects further triggers without
// blocking.
package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lueurxax/crypto-intel-bot/internal/platform/observability"
	db "github.com/lueurxax/crypto-intel-bot/internal/storage"
)

// RejectReason explains a rejected trigger.
type RejectReason string

const (
	RejectBusy RejectReason = "busy"
)

// TriggerResult is the controller's non-blocking answer to a trigger.
type TriggerResult struct {
	Accepted bool
	RunID    int64
	Reason   RejectReason
}

// Status is a point-in-time view of the controller.
type Status struct {
	Active    bool
	RunID     int64
	Trigger   db.TriggerKind
	StartedAt time.Time
	LastRun   *db.RunRecord
}

// RunOutcome is what one pipeline run produced.
type RunOutcome struct {
	Counts   db.RunCounts
	ReportID string
}

// Runner executes one full pipeline pass.
type Runner interface {
	Run(ctx context.Context, trigger db.TriggerKind) (RunOutcome, error)
}

type runStore interface {
	InsertRun(ctx context.Context, trigger db.TriggerKind, startedAt time.Time) (int64, error)
	UpdateRun(ctx context.Context, rec db.RunRecord) error
	LatestRun(ctx context.Context) (*db.RunRecord, error)
}

// ErrDeliveryPartial marks a run that delivered some but not all report
// chunks. The runner wraps its delivery error with it so the controller can
// flag the run record.
var ErrDeliveryPartial = errors.New("partial delivery")

// Controller admits at most one pipeline run at a time.
type Controller struct {
	runner  Runner
	store   runStore
	timeout time.Duration
	logger  *zerolog.Logger

	// rootCtx outlives the trigger call; runs are bounded by it plus the
	// per-run timeout.
	rootCtx context.Context

	mu        sync.Mutex
	active    bool
	runID     int64
	trigger   db.TriggerKind
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// New builds a controller. rootCtx bounds all run lifetimes; timeout is the
// per-run watchdog.
func New(rootCtx context.Context, runner Runner, store runStore, timeout time.Duration, logger *zerolog.Logger) *Controller {
	return &Controller{
		runner:  runner,
		store:   store,
		timeout: timeout,
		logger:  logger,
		rootCtx: rootCtx,
	}
}

// Trigger starts a run unless one is active. It never blocks on a running
// pipeline: a busy controller answers immediately.
func (c *Controller) Trigger(ctx context.Context, trigger db.TriggerKind) (TriggerResult, error) {
	c.mu.Lock()

	if c.active {
		c.mu.Unlock()

		observability.RunsRejected.WithLabelValues(string(trigger), string(RejectBusy)).Inc()

		return TriggerResult{Reason: RejectBusy}, nil
	}

	startedAt := time.Now().UTC()

	runID, err := c.store.InsertRun(ctx, trigger, startedAt)
	if err != nil {
		c.mu.Unlock()

		return TriggerResult{}, fmt.Errorf("record run: %w", err)
	}

	runCtx, cancel := context.WithTimeout(c.rootCtx, c.timeout)

	c.active = true
	c.runID = runID
	c.trigger = trigger
	c.startedAt = startedAt
	c.cancel = cancel
	c.done = make(chan struct{})

	done := c.done
	c.mu.Unlock()

	go c.execute(runCtx, cancel, runID, trigger, startedAt, done)

	return TriggerResult{Accepted: true, RunID: runID}, nil
}

func (c *Controller) execute(ctx context.Context, cancel context.CancelFunc, runID int64, trigger db.TriggerKind, startedAt time.Time, done chan struct{}) {
	defer close(done)
	defer cancel()

	logger := c.logger.With().Int64("run_id", runID).Str("trigger", string(trigger)).Logger()
	logger.Info().Msg("run started")

	rec := db.RunRecord{
		RunID:     runID,
		Trigger:   trigger,
		StartedAt: startedAt,
		State:     db.RunRunning,
	}
	if err := c.store.UpdateRun(c.rootCtx, rec); err != nil {
		logger.Error().Err(err).Msg("mark run running")
	}

	outcome, runErr := c.runner.Run(ctx, trigger)

	finished := time.Now().UTC()
	rec.FinishedAt = &finished
	rec.Counts = outcome.Counts
	rec.ReportID = outcome.ReportID

	// Classify off the runner's error, not the context: a genuine failure
	// that races the watchdog deadline must still be recorded as failed.
	switch {
	case runErr == nil:
		rec.State = db.RunSucceeded
	case errors.Is(runErr, context.DeadlineExceeded):
		rec.State = db.RunTimedOut
		rec.Error = runErr.Error()
	case errors.Is(runErr, context.Canceled):
		rec.State = db.RunCancelled
		rec.Error = runErr.Error()
	default:
		rec.State = db.RunFailed
		rec.Error = runErr.Error()
	}

	if errors.Is(runErr, ErrDeliveryPartial) {
		rec.Counts.PartialDelivery = true
	}

	// Persist the terminal state with a fresh context; the run context may
	// already be dead.
	updateCtx, updateCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer updateCancel()

	if err := c.store.UpdateRun(updateCtx, rec); err != nil {
		logger.Error().Err(err).Msg("persist run outcome")
	}

	observability.RunsTotal.WithLabelValues(string(trigger), string(rec.State)).Inc()
	observability.RunDurationSeconds.Observe(finished.Sub(startedAt).Seconds())

	logger.Info().
		Str("state", string(rec.State)).
		Dur("elapsed", finished.Sub(startedAt)).
		Int("fetched", rec.Counts.Fetched).
		Int("analyzed", rec.Counts.Analyzed).
		Int("delivered", rec.Counts.Delivered).
		Msg("run finished")

	c.mu.Lock()
	c.active = false
	c.cancel = nil
	c.mu.Unlock()
}

// Cancel aborts the active run, if any. Returns false when idle.
func (c *Controller) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active || c.cancel == nil {
		return false
	}

	c.cancel()

	return true
}

// Wait blocks until the active run finishes. Used for graceful shutdown.
func (c *Controller) Wait() {
	c.mu.Lock()
	done := c.done
	active := c.active
	c.mu.Unlock()

	if active && done != nil {
		<-done
	}
}

// Status reports the controller state and the most recent run record.
func (c *Controller) Status(ctx context.Context) (Status, error) {
	c.mu.Lock()
	st := Status{
		Active:    c.active,
		RunID:     c.runID,
		Trigger:   c.trigger,
		StartedAt: c.startedAt,
	}
	c.mu.Unlock()

	last, err := c.store.LatestRun(ctx)
	if err != nil {
		return st, fmt.Errorf("load latest run: %w", err)
	}

	st.LastRun = last

	return st, nil
}
