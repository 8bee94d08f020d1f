package telegram

import (
	"context"
	"fmt"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/lueurxax/crypto-intel-bot/internal/control"
	"github.com/lueurxax/crypto-intel-bot/internal/platform/config"
	"github.com/lueurxax/crypto-intel-bot/internal/platform/observability"
	db "github.com/lueurxax/crypto-intel-bot/internal/storage"
)

// Command names.
const (
	CmdRun    = "run"
	CmdStatus = "status"
	CmdHelp   = "help"
)

// Fixed reply texts. Rejections are short and specific.
const (
	ReplyUnauthorized   = "unauthorized"
	ReplyUnknownCommand = "unknown command"
	ReplyBusy           = "busy"
	replyCooldownFormat = "cooldown %ds"
	replyRateLimited    = "rate limited, try later"
	replyAcceptedFormat = "run %d accepted"

	helpText = "/run - trigger an analysis run\n/status - show last run\n/help - this message"
)

const updateTimeoutSeconds = 60

// runControl is the controller surface the listener dispatches to.
type runControl interface {
	Trigger(ctx context.Context, trigger db.TriggerKind) (control.TriggerResult, error)
	Status(ctx context.Context) (control.Status, error)
}

type updatesAPI interface {
	sender
	GetUpdatesChan(cfg tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// userState tracks per-user command budgets. Buckets live in process memory
// only; a restart resets them.
type userState struct {
	permissions map[string]bool
	bucket      *rate.Limiter
	lastRun     time.Time
}

// Listener long-polls Telegram updates and dispatches authorized commands
// to the execution controller.
type Listener struct {
	api        updatesAPI
	controller runControl
	cfg        config.CommandsConfig
	logger     *zerolog.Logger

	mu    sync.Mutex
	users map[int64]*userState

	now func() time.Time
}

// NewListener builds a command listener sharing the deliverer's bot API.
func NewListener(api *tgbotapi.BotAPI, controller runControl, cfg config.CommandsConfig, logger *zerolog.Logger) (*Listener, error) {
	l := &Listener{
		api:        api,
		controller: controller,
		cfg:        cfg,
		logger:     logger,
		users:      make(map[int64]*userState),
		now:        time.Now,
	}

	if err := l.loadUsers(); err != nil {
		return nil, err
	}

	return l, nil
}

func (l *Listener) loadUsers() error {
	perHour := l.cfg.CommandRateLimit.MaxCommandsPerHour

	for _, user := range l.cfg.AuthorizedUsers {
		id, err := user.UserIDInt()
		if err != nil {
			return err
		}

		perms := make(map[string]bool, len(user.Permissions))
		for _, p := range user.Permissions {
			perms[p] = true
		}

		l.users[id] = &userState{
			permissions: perms,
			bucket:      rate.NewLimiter(rate.Every(time.Hour/time.Duration(perHour)), perHour),
		}
	}

	return nil
}

// Run long-polls updates until the context is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = updateTimeoutSeconds

	updates := l.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			l.api.StopReceivingUpdates()

			return fmt.Errorf("listener context canceled: %w", ctx.Err())
		case update, ok := <-updates:
			if !ok {
				return nil
			}

			// From is nil for channel-origin messages; there is no user to
			// authorize or reply to.
			if update.Message == nil || update.Message.From == nil || !update.Message.IsCommand() {
				continue
			}

			l.handleCommand(ctx, update.Message)
		}
	}
}

func (l *Listener) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	userID := msg.From.ID
	command := msg.Command()

	logger := l.logger.With().Int64("user_id", userID).Str("command", command).Logger()

	state := l.userFor(userID)
	if state == nil {
		logger.Warn().Msg("unauthorized command attempt")
		observability.CommandsTotal.WithLabelValues(command, "unauthorized").Inc()
		l.reply(msg, ReplyUnauthorized)

		return
	}

	switch command {
	case CmdRun, CmdStatus, CmdHelp:
	default:
		observability.CommandsTotal.WithLabelValues(command, "unknown").Inc()
		l.reply(msg, ReplyUnknownCommand)

		return
	}

	if !state.permissions[command] {
		logger.Warn().Msg("command not permitted for user")
		observability.CommandsTotal.WithLabelValues(command, "unauthorized").Inc()
		l.reply(msg, ReplyUnauthorized)

		return
	}

	if reply, ok := l.admitCommand(state, command); !ok {
		observability.CommandsTotal.WithLabelValues(command, "rate_limited").Inc()
		l.reply(msg, reply)

		return
	}

	logger.Info().Msg("handling command")
	observability.CommandsTotal.WithLabelValues(command, "accepted").Inc()

	switch command {
	case CmdRun:
		l.handleRun(ctx, msg, state)
	case CmdStatus:
		l.handleStatus(ctx, msg)
	case CmdHelp:
		l.reply(msg, helpText)
	}
}

// admitCommand applies the per-user token bucket and, for /run, the
// cooldown between accepted runs.
func (l *Listener) admitCommand(state *userState, command string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if command == CmdRun {
		cooldown := l.cfg.CommandRateLimit.Cooldown()
		if elapsed := l.now().Sub(state.lastRun); elapsed < cooldown {
			remaining := int((cooldown - elapsed).Round(time.Second).Seconds())

			return fmt.Sprintf(replyCooldownFormat, remaining), false
		}
	}

	if !state.bucket.Allow() {
		return replyRateLimited, false
	}

	return "", true
}

func (l *Listener) handleRun(ctx context.Context, msg *tgbotapi.Message, state *userState) {
	res, err := l.controller.Trigger(ctx, db.TriggerCommand)
	if err != nil {
		l.logger.Error().Err(err).Msg("trigger failed")
		l.reply(msg, "internal error")

		return
	}

	if !res.Accepted {
		l.reply(msg, ReplyBusy)

		return
	}

	l.mu.Lock()
	state.lastRun = l.now()
	l.mu.Unlock()

	l.reply(msg, fmt.Sprintf(replyAcceptedFormat, res.RunID))
}

func (l *Listener) handleStatus(ctx context.Context, msg *tgbotapi.Message) {
	st, err := l.controller.Status(ctx)
	if err != nil {
		l.logger.Error().Err(err).Msg("status failed")
		l.reply(msg, "internal error")

		return
	}

	l.reply(msg, formatStatus(st))
}

func formatStatus(st control.Status) string {
	if st.Active {
		return fmt.Sprintf("run %d active (%s) since %s",
			st.RunID, st.Trigger, st.StartedAt.UTC().Format("2006-01-02 15:04:05"))
	}

	if st.LastRun == nil {
		return "idle, no runs yet"
	}

	last := st.LastRun
	text := fmt.Sprintf("idle, last run %d (%s) %s: fetched %d, analyzed %d, delivered %d",
		last.RunID, last.Trigger, last.State,
		last.Counts.Fetched, last.Counts.Analyzed, last.Counts.Delivered)

	if last.Error != "" {
		text += "\nerror: " + last.Error
	}

	return text
}

func (l *Listener) userFor(id int64) *userState {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.users[id]
}

func (l *Listener) reply(msg *tgbotapi.Message, text string) {
	reply := tgbotapi.NewMessage(msg.Chat.ID, text)
	reply.ReplyToMessageID = msg.MessageID

	if _, err := l.api.Send(reply); err != nil {
		l.logger.Error().Err(err).Msg("send reply failed")
	}
}
