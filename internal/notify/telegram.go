// Package notify bridges the bot's notification and command channels to
// Telegram. Outgoing notifications are drained into the configured chat;
// incoming slash-commands are mapped onto the trader's command channel.
//
// When no bot token is configured the engine uses LogSink instead, which
// drains notifications into the log so the trading loop never blocks on a
// missing transport.
package notify

import (
	"context"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"autocoin/internal/config"
	"autocoin/pkg/types"
)

// Telegram is the notification/command transport.
type Telegram struct {
	bot      *tgbotapi.BotAPI
	chatID   int64
	notifyCh <-chan string
	cmdCh    chan<- types.Command
	logger   *slog.Logger
}

// NewTelegram authenticates the bot against the Telegram API.
func NewTelegram(cfg config.TelegramConfig, notifyCh <-chan string, cmdCh chan<- types.Command, logger *slog.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, err
	}
	l := logger.With("component", "telegram")
	l.Info("telegram bot authorized", "username", bot.Self.UserName)

	return &Telegram{
		bot:      bot,
		chatID:   cfg.ChatID,
		notifyCh: notifyCh,
		cmdCh:    cmdCh,
		logger:   l,
	}, nil
}

// Run drives both directions until ctx is cancelled.
func (t *Telegram) Run(ctx context.Context) {
	go t.sendLoop(ctx)
	t.commandLoop(ctx)
}

func (t *Telegram) sendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-t.notifyCh:
			if _, err := t.bot.Send(tgbotapi.NewMessage(t.chatID, msg)); err != nil {
				t.logger.Warn("telegram send failed", "error", err)
			}
		}
	}
}

func (t *Telegram) commandLoop(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			t.bot.StopReceivingUpdates()
			return
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if t.chatID != 0 && update.Message.Chat.ID != t.chatID {
				t.logger.Warn("command from unauthorized chat", "chat", update.Message.Chat.ID)
				continue
			}
			t.handleCommand(ctx, update.Message.Command())
		}
	}
}

func (t *Telegram) handleCommand(ctx context.Context, command string) {
	var cmd types.Command
	switch command {
	case "pause":
		cmd = types.Command{Type: types.CmdPause}
	case "resume":
		cmd = types.Command{Type: types.CmdResume}
	case "status":
		cmd = types.Command{Type: types.CmdPortfolio}
	case "performance":
		cmd = types.Command{Type: types.CmdPerformance}
	case "shutdown":
		cmd = types.Command{Type: types.CmdShutdown}
	default:
		t.reply("unknown command: /" + command)
		return
	}

	select {
	case t.cmdCh <- cmd:
		t.logger.Info("command forwarded", "command", command)
	case <-ctx.Done():
	}
}

func (t *Telegram) reply(msg string) {
	if _, err := t.bot.Send(tgbotapi.NewMessage(t.chatID, msg)); err != nil {
		t.logger.Warn("telegram reply failed", "error", err)
	}
}

// LogSink drains notifications into the log. Used when Telegram is not
// configured so notification producers never block.
type LogSink struct {
	notifyCh <-chan string
	logger   *slog.Logger
}

// NewLogSink creates the fallback sink.
func NewLogSink(notifyCh <-chan string, logger *slog.Logger) *LogSink {
	return &LogSink{notifyCh: notifyCh, logger: logger.With("component", "notify")}
}

// Run drains until ctx is cancelled.
func (s *LogSink) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.notifyCh:
			s.logger.Info("notification", "message", msg)
		}
	}
}
