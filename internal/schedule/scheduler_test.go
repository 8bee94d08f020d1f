package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lueurxax/crypto-intel-bot/internal/control"
	"github.com/lueurxax/crypto-intel-bot/internal/platform/config"
	db "github.com/lueurxax/crypto-intel-bot/internal/storage"
)

type countingTrigger struct {
	mu       sync.Mutex
	calls    int
	triggers []db.TriggerKind
	accept   bool
}

func (c *countingTrigger) Trigger(_ context.Context, t db.TriggerKind) (control.TriggerResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls++
	c.triggers = append(c.triggers, t)

	if !c.accept {
		return control.TriggerResult{Reason: control.RejectBusy}, nil
	}

	return control.TriggerResult{Accepted: true, RunID: int64(c.calls)}, nil
}

func (c *countingTrigger) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.calls
}

func newTestScheduler(ctrl trigger, intervalSeconds int, runOnStart bool) *Scheduler {
	logger := zerolog.Nop()

	return New(ctrl, &config.Config{
		ExecutionIntervalSeconds: intervalSeconds,
		RunOnStart:               runOnStart,
	}, &logger)
}

func TestSchedulerTicksPeriodically(t *testing.T) {
	ctrl := &countingTrigger{accept: true}

	// Interval() floors at seconds, so drive the loop with a short context
	// and run-on-start plus at least one tick.
	s := newTestScheduler(ctrl, 1, true)

	ctx, cancel := context.WithTimeout(context.Background(), 1200*time.Millisecond)
	defer cancel()

	err := s.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.GreaterOrEqual(t, ctrl.count(), 2)
	assert.Equal(t, db.TriggerScheduled, ctrl.triggers[0])
}

func TestSchedulerRunOnStartDisabled(t *testing.T) {
	ctrl := &countingTrigger{accept: true}
	s := newTestScheduler(ctrl, 3600, false)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_ = s.Run(ctx)

	assert.Equal(t, 0, ctrl.count())
}

func TestSchedulerBusyTickSkipped(t *testing.T) {
	ctrl := &countingTrigger{accept: false}
	s := newTestScheduler(ctrl, 3600, true)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// The rejected start tick does not crash or retry the loop.
	_ = s.Run(ctx)

	assert.Equal(t, 1, ctrl.count())
}
