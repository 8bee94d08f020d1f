package telegram

import (
	"context"
	"fmt"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/lueurxax/crypto-intel-bot/internal/control"
	"github.com/lueurxax/crypto-intel-bot/internal/platform/config"
	db "github.com/lueurxax/crypto-intel-bot/internal/storage"
)

type fakeControl struct {
	triggers  int
	accept    bool
	runID     int64
	status    control.Status
	statusErr error
}

func (f *fakeControl) Trigger(context.Context, db.TriggerKind) (control.TriggerResult, error) {
	f.triggers++

	if !f.accept {
		return control.TriggerResult{Reason: control.RejectBusy}, nil
	}

	f.runID++

	return control.TriggerResult{Accepted: true, RunID: f.runID}, nil
}

func (f *fakeControl) Status(context.Context) (control.Status, error) {
	return f.status, f.statusErr
}

func testCommandsConfig() config.CommandsConfig {
	return config.CommandsConfig{
		Enabled: true,
		AuthorizedUsers: []config.AuthorizedUser{
			{UserID: "100", Username: "ops", Permissions: []string{"run", "status", "help"}},
			{UserID: "200", Username: "viewer", Permissions: []string{"status"}},
		},
		ExecutionTimeoutMinutes: 30,
		MaxConcurrentExecutions: 1,
		CommandRateLimit: config.RateLimitConfig{
			MaxCommandsPerHour: 10,
			CooldownMinutes:    10,
		},
	}
}

func newTestListener(t *testing.T, ctrl runControl) (*Listener, *fakeSender) {
	t.Helper()

	api := &fakeSender{}
	logger := zerolog.Nop()

	l := &Listener{
		api:        listenerAPI{api},
		controller: ctrl,
		cfg:        testCommandsConfig(),
		logger:     &logger,
		users:      make(map[int64]*userState),
		now:        time.Now,
	}
	require.NoError(t, l.loadUsers())

	return l, api
}

// listenerAPI adapts the delivery fake to the listener's API surface.
type listenerAPI struct {
	*fakeSender
}

func (listenerAPI) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return make(chan tgbotapi.Update)
}

func (listenerAPI) StopReceivingUpdates() {}

func commandMessage(userID int64, command string) *tgbotapi.Message {
	text := "/" + command

	return &tgbotapi.Message{
		MessageID: 1,
		From:      &tgbotapi.User{ID: userID, UserName: fmt.Sprintf("user%d", userID)},
		Chat:      &tgbotapi.Chat{ID: userID},
		Text:      text,
		Entities: []tgbotapi.MessageEntity{
			{Type: "bot_command", Offset: 0, Length: len(text)},
		},
	}
}

func lastReply(t *testing.T, api *fakeSender) string {
	t.Helper()
	require.NotEmpty(t, api.sent)

	return api.sent[len(api.sent)-1].Text
}

func TestListenerRunAccepted(t *testing.T) {
	ctrl := &fakeControl{accept: true}
	l, api := newTestListener(t, ctrl)

	l.handleCommand(context.Background(), commandMessage(100, "run"))

	assert.Equal(t, 1, ctrl.triggers)
	assert.Equal(t, "run 1 accepted", lastReply(t, api))
}

func TestListenerRunBusy(t *testing.T) {
	ctrl := &fakeControl{accept: false}
	l, api := newTestListener(t, ctrl)

	l.handleCommand(context.Background(), commandMessage(100, "run"))

	assert.Equal(t, ReplyBusy, lastReply(t, api))
}

func TestListenerUnauthorizedUser(t *testing.T) {
	ctrl := &fakeControl{accept: true}
	l, api := newTestListener(t, ctrl)

	l.handleCommand(context.Background(), commandMessage(999, "run"))

	assert.Equal(t, 0, ctrl.triggers)
	assert.Equal(t, ReplyUnauthorized, lastReply(t, api))
}

func TestListenerMissingPermission(t *testing.T) {
	ctrl := &fakeControl{accept: true}
	l, api := newTestListener(t, ctrl)

	// User 200 may query status but not trigger runs.
	l.handleCommand(context.Background(), commandMessage(200, "run"))

	assert.Equal(t, 0, ctrl.triggers)
	assert.Equal(t, ReplyUnauthorized, lastReply(t, api))
}

func TestListenerUnknownCommand(t *testing.T) {
	ctrl := &fakeControl{accept: true}
	l, api := newTestListener(t, ctrl)

	l.handleCommand(context.Background(), commandMessage(100, "restart"))

	assert.Equal(t, ReplyUnknownCommand, lastReply(t, api))
}

func TestListenerRunCooldown(t *testing.T) {
	ctrl := &fakeControl{accept: true}
	l, api := newTestListener(t, ctrl)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.handleCommand(context.Background(), commandMessage(100, "run"))
	require.Equal(t, 1, ctrl.triggers)

	// Five minutes into a ten-minute cooldown.
	now = now.Add(5 * time.Minute)

	l.handleCommand(context.Background(), commandMessage(100, "run"))
	assert.Equal(t, 1, ctrl.triggers)
	assert.Equal(t, "cooldown 300s", lastReply(t, api))

	// Cooldown elapsed.
	now = now.Add(6 * time.Minute)

	l.handleCommand(context.Background(), commandMessage(100, "run"))
	assert.Equal(t, 2, ctrl.triggers)
}

func TestListenerHourlyBucketExhausted(t *testing.T) {
	ctrl := &fakeControl{status: control.Status{}}
	l, api := newTestListener(t, ctrl)

	// Drain the user's bucket, then the next command is rejected.
	state := l.users[200]
	state.bucket = rate.NewLimiter(rate.Every(time.Hour), 1)

	l.handleCommand(context.Background(), commandMessage(200, "status"))
	l.handleCommand(context.Background(), commandMessage(200, "status"))

	assert.Equal(t, replyRateLimited, lastReply(t, api))
}

func TestListenerStatusReplies(t *testing.T) {
	started := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	ctrl := &fakeControl{status: control.Status{
		Active:    true,
		RunID:     7,
		Trigger:   db.TriggerScheduled,
		StartedAt: started,
	}}

	l, api := newTestListener(t, ctrl)

	l.handleCommand(context.Background(), commandMessage(100, "status"))
	assert.Contains(t, lastReply(t, api), "run 7 active (scheduled)")

	finished := started.Add(time.Minute)
	ctrl.status = control.Status{
		LastRun: &db.RunRecord{
			RunID:      7,
			Trigger:    db.TriggerScheduled,
			State:      db.RunFailed,
			FinishedAt: &finished,
			Error:      "delivery failed",
			Counts:     db.RunCounts{Fetched: 5, Analyzed: 4, Delivered: 0},
		},
	}

	l.handleCommand(context.Background(), commandMessage(100, "status"))
	reply := lastReply(t, api)
	assert.Contains(t, reply, "last run 7 (scheduled) failed")
	assert.Contains(t, reply, "error: delivery failed")
}

// channelAPI feeds a prepared updates channel through the listener loop.
type channelAPI struct {
	*fakeSender
	updates chan tgbotapi.Update
}

func (c channelAPI) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return c.updates
}

func (channelAPI) StopReceivingUpdates() {}

func TestListenerIgnoresMessagesWithoutSender(t *testing.T) {
	ctrl := &fakeControl{accept: true}
	api := &fakeSender{}
	updates := make(chan tgbotapi.Update, 1)
	logger := zerolog.Nop()

	l := &Listener{
		api:        channelAPI{api, updates},
		controller: ctrl,
		cfg:        testCommandsConfig(),
		logger:     &logger,
		users:      make(map[int64]*userState),
		now:        time.Now,
	}
	require.NoError(t, l.loadUsers())

	// Channel-origin posts carry a command entity but no From user.
	msg := commandMessage(100, "run")
	msg.From = nil
	updates <- tgbotapi.Update{Message: msg}
	close(updates)

	require.NoError(t, l.Run(context.Background()))

	assert.Zero(t, ctrl.triggers)
	assert.Empty(t, api.sent)
}

func TestListenerHelp(t *testing.T) {
	ctrl := &fakeControl{}
	l, api := newTestListener(t, ctrl)

	l.handleCommand(context.Background(), commandMessage(100, "help"))
	assert.Contains(t, lastReply(t, api), "/run")
	assert.Contains(t, lastReply(t, api), "/status")
}
