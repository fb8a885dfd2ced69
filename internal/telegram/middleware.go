package telegram

import (
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Whitelist manages the admin chats allowed to drive the dashboard
type Whitelist struct {
	allowed map[int64]struct{}
	logger  *slog.Logger
}

// NewWhitelist creates a whitelist from a slice of chat IDs
func NewWhitelist(chatIDs []int64, logger *slog.Logger) *Whitelist {
	allowed := make(map[int64]struct{}, len(chatIDs))
	for _, id := range chatIDs {
		allowed[id] = struct{}{}
	}
	return &Whitelist{
		allowed: allowed,
		logger:  logger,
	}
}

// IsAllowed checks if a chat is an admin chat
func (w *Whitelist) IsAllowed(chatID int64) bool {
	_, ok := w.allowed[chatID]
	return ok
}

// ChatIDs returns the admin chats
func (w *Whitelist) ChatIDs() []int64 {
	ids := make([]int64, 0, len(w.allowed))
	for id := range w.allowed {
		ids = append(ids, id)
	}
	return ids
}

// CheckAccess validates an update's chat and returns who sent it.
// Returns (chatID, username, allowed).
func (w *Whitelist) CheckAccess(update tgbotapi.Update) (chatID int64, username string, allowed bool) {
	var userID int64

	if update.Message != nil {
		if update.Message.From != nil {
			userID = update.Message.From.ID
			username = update.Message.From.UserName
		}
		chatID = update.Message.Chat.ID
	} else if update.CallbackQuery != nil && update.CallbackQuery.From != nil {
		userID = update.CallbackQuery.From.ID
		username = update.CallbackQuery.From.UserName
		if update.CallbackQuery.Message != nil {
			chatID = update.CallbackQuery.Message.Chat.ID
		}
	} else {
		return 0, "", false
	}

	if !w.IsAllowed(chatID) {
		w.logger.Warn("unauthorized access attempt",
			"chat_id", chatID,
			"user_id", userID,
			"username", username,
		)
		return chatID, username, false
	}

	return chatID, username, true
}
