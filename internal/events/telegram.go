package events

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/schedulercore/internal/runstate"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramNotifier is a Sink that posts a chat message for every terminal
// run.state transition (succeeded, failed, cancelled). It never reacts to
// node-level or streaming events; those stay on the log sink.
type TelegramNotifier struct {
	token     string
	chatIDs   []int64
	logger    *slog.Logger
	bus       *Bus
	bot       *tgbotapi.BotAPI
	reconnect time.Duration
}

// NewTelegramNotifier creates a notifier that posts run completions to
// every chat in chatIDs.
func NewTelegramNotifier(token string, chatIDs []int64, bus *Bus, logger *slog.Logger) *TelegramNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramNotifier{
		token:     token,
		chatIDs:   chatIDs,
		bus:       bus,
		logger:    logger,
		reconnect: time.Second,
	}
}

func (n *TelegramNotifier) Name() string { return "telegram" }

// Run dials the bot once and then consumes run.state events from the bus
// until ctx is cancelled. Send failures are logged and swallowed, matching
// the emitter's fire-and-forget contract; Telegram has no inbound
// dependency on scheduler state so there is nothing to reconnect.
func (n *TelegramNotifier) Run(ctx context.Context) {
	bot, err := tgbotapi.NewBotAPI(n.token)
	if err != nil {
		n.logger.Error("telegram notifier: init failed", "error", err)
		return
	}
	n.bot = bot
	n.logger.Info("telegram notifier started", "user", bot.Self.UserName)

	sub := n.bus.Subscribe("run.state")
	defer n.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			n.handle(ev)
		}
	}
}

func (n *TelegramNotifier) handle(ev Event) {
	pub, ok := ev.Payload.(runstate.Publication)
	if !ok {
		return
	}
	stateEv, ok := pub.Data.(runstate.RunStateEvent)
	if !ok || !stateEv.Status.IsTerminal() {
		return
	}

	text := n.formatMessage(stateEv)
	for _, chatID := range n.chatIDs {
		msg := tgbotapi.NewMessage(chatID, text)
		if _, err := n.bot.Send(msg); err != nil {
			n.logger.Warn("telegram notifier: send failed", "run", stateEv.RunID, "chat", chatID, "error", err)
		}
	}
}

func (n *TelegramNotifier) formatMessage(ev runstate.RunStateEvent) string {
	var b strings.Builder
	switch ev.Status {
	case runstate.StatusSucceeded:
		fmt.Fprintf(&b, "Run %s succeeded", ev.RunID)
	case runstate.StatusFailed:
		fmt.Fprintf(&b, "Run %s failed", ev.RunID)
		if ev.Error != nil {
			fmt.Fprintf(&b, ": %s (%s)", ev.Error.Message, ev.Error.Code)
		}
	case runstate.StatusCancelled:
		fmt.Fprintf(&b, "Run %s cancelled", ev.RunID)
	default:
		fmt.Fprintf(&b, "Run %s finished with status %s", ev.RunID, ev.Status)
	}
	return b.String()
}
