// Package telegram is the manager bot: it announces pending requests to the
// admin chats and turns button presses into dashboard decisions.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"ticket-portal/internal/config"
	"ticket-portal/internal/notify"
)

// Bot represents the Telegram bot
type Bot struct {
	api       *tgbotapi.BotAPI
	notifier  *Notifier
	store     notify.Store
	whitelist *Whitelist
	cfg       config.TelegramConfig
	logger    *slog.Logger

	// Track active update processing
	activeRequests sync.WaitGroup
}

// NewBot connects to the Bot API. The returned bot's Notifier can be wired
// as a dashboard publisher before Run is called.
func NewBot(cfg config.TelegramConfig, store notify.Store, logger *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}

	logger = logger.With("component", "telegram")
	whitelist := NewWhitelist(cfg.AdminChatIDs, logger)

	return &Bot{
		api:       api,
		notifier:  NewNotifier(api, store, cfg.AdminChatIDs, logger),
		store:     store,
		whitelist: whitelist,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// Notifier returns the publisher that announces new requests
func (b *Bot) Notifier() *Notifier {
	return b.notifier
}

// Run starts the bot and blocks until ctx is cancelled
func (b *Bot) Run(ctx context.Context, dash Dashboard) error {
	handler := NewHandler(b.api, dash, b.notifier, b.store, b.whitelist, b.logger)

	notifyDone := make(chan struct{})
	go func() {
		defer close(notifyDone)
		b.notifier.Run(ctx)
	}()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.cfg.PollingTimeout

	updates := b.api.GetUpdatesChan(u)

	b.logger.Info("bot started", "username", b.api.Self.UserName, "admin_chats", len(b.cfg.AdminChatIDs))

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("stopping bot, waiting for active updates")

			b.api.StopReceivingUpdates()

			done := make(chan struct{})
			go func() {
				b.activeRequests.Wait()
				<-notifyDone
				close(done)
			}()

			select {
			case <-done:
				b.logger.Info("all active updates completed")
			case <-time.After(25 * time.Second):
				b.logger.Warn("some updates may not have completed")
			}

			return ctx.Err()

		case update, ok := <-updates:
			if !ok {
				return nil
			}

			b.activeRequests.Add(1)
			go func(upd tgbotapi.Update) {
				defer b.activeRequests.Done()

				reqCtx, cancel := context.WithTimeout(ctx, b.cfg.RequestTimeout)
				defer cancel()

				handler.HandleUpdate(reqCtx, upd)
			}(update)
		}
	}
}
