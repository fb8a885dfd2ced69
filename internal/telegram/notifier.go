package telegram

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"ticket-portal/internal/backend"
	"ticket-portal/internal/dashboard"
	"ticket-portal/internal/notify"
)

// Sender is the part of the Bot API client used to talk to chats.
// *tgbotapi.BotAPI satisfies it.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// resolvedRetention is the minimum time a decided request is remembered.
// It is forgotten only after that and once a snapshot no longer lists it.
const resolvedRetention = 10 * time.Minute

// Notifier announces new pending requests to the admin chats. It consumes
// dashboard snapshots; Publish never blocks, and only the newest unread
// snapshot is kept.
type Notifier struct {
	sender Sender
	store  notify.Store
	chats  []int64
	logger *slog.Logger
	now    func() time.Time

	views chan dashboard.View

	// requests being decided through the bot; reconcile leaves them alone
	mu   sync.Mutex
	held map[string]struct{}
}

// NewNotifier creates a notifier for the given admin chats
func NewNotifier(sender Sender, store notify.Store, chats []int64, logger *slog.Logger) *Notifier {
	chats = slices.Clone(chats)
	slices.Sort(chats)
	return &Notifier{
		sender: sender,
		store:  store,
		chats:  chats,
		logger: logger.With("component", "notifier"),
		now:    time.Now,
		views:  make(chan dashboard.View, 1),
		held:   make(map[string]struct{}),
	}
}

// Publish accepts dashboard snapshots; other topics are ignored
func (n *Notifier) Publish(topic string, v any) {
	if topic != dashboard.Topic {
		return
	}
	view, ok := v.(dashboard.View)
	if !ok {
		return
	}

	for {
		select {
		case n.views <- view:
			return
		default:
		}
		select {
		case <-n.views:
		default:
		}
	}
}

// Run syncs announcements with each received snapshot until ctx is done
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case view := <-n.views:
			if view.RequestsOK {
				n.Sync(ctx, view.PendingRequests)
			}
		}
	}
}

// Sync announces every request in reqs that a chat has not seen yet, and
// closes out announcements of requests that are no longer pending.
// Requests already decided are never announced again, even if a stale
// snapshot still lists them.
func (n *Notifier) Sync(ctx context.Context, reqs map[string]backend.PendingRequest) {
	for _, id := range slices.Sorted(maps.Keys(reqs)) {
		if ctx.Err() != nil {
			return
		}
		n.announce(reqs[id])
	}
	n.reconcile(reqs)
	n.expire(reqs)
}

func (n *Notifier) announce(req backend.PendingRequest) {
	if n.isHeld(req.ID) {
		return
	}
	resolved, err := n.store.IsResolved(req.ID)
	if err != nil {
		n.logger.Error("failed to check resolved request", "error", err, "request_id", req.ID)
		return
	}
	if resolved {
		return
	}

	for _, chatID := range n.chats {
		prefs, err := n.store.Prefs(chatID)
		if err != nil {
			n.logger.Error("failed to load chat prefs", "error", err, "chat_id", chatID)
			continue
		}
		if prefs.Muted {
			continue
		}

		seen, err := n.store.IsAnnounced(req.ID, chatID)
		if err != nil {
			n.logger.Error("failed to check announcement", "error", err, "request_id", req.ID)
			continue
		}
		if seen {
			continue
		}

		msg := tgbotapi.NewMessage(chatID, announcementText(req))
		msg.ReplyMarkup = decisionKeyboard(req.ID)
		sent, err := n.sender.Send(msg)
		if err != nil {
			n.logger.Error("failed to announce request", "error", err, "request_id", req.ID, "chat_id", chatID)
			continue
		}

		if err := n.store.MarkAnnounced(notify.Announcement{
			RequestID: req.ID,
			ChatID:    chatID,
			MessageID: sent.MessageID,
		}); err != nil {
			n.logger.Error("failed to record announcement", "error", err, "request_id", req.ID)
			continue
		}
		n.logger.Info("request announced", "request_id", req.ID, "chat_id", chatID)
	}
}

func (n *Notifier) reconcile(reqs map[string]backend.PendingRequest) {
	ids, err := n.store.RequestIDs()
	if err != nil {
		n.logger.Error("failed to list announced requests", "error", err)
		return
	}

	for _, id := range ids {
		if _, pending := reqs[id]; pending || n.isHeld(id) {
			continue
		}
		n.Resolve(id, "procesada", "")
	}
}

// expire forgets decided requests that are old enough and no longer
// pending
func (n *Notifier) expire(reqs map[string]backend.PendingRequest) {
	ids, err := n.store.ResolvedBefore(n.now().Add(-resolvedRetention))
	if err != nil {
		n.logger.Error("failed to list resolved requests", "error", err)
		return
	}

	for _, id := range ids {
		if _, pending := reqs[id]; pending {
			continue
		}
		if err := n.store.Forget(id); err != nil {
			n.logger.Error("failed to forget request", "error", err, "request_id", id)
		}
	}
}

// Resolve rewrites every announcement of requestID with its outcome,
// dropping the buttons, and marks it resolved
func (n *Notifier) Resolve(requestID, outcome, by string) {
	list, err := n.store.Announcements(requestID)
	if err != nil {
		n.logger.Error("failed to load announcements", "error", err, "request_id", requestID)
		return
	}

	text := resolvedText(requestID, outcome, by)
	for _, a := range list {
		edit := tgbotapi.NewEditMessageText(a.ChatID, a.MessageID, text)
		if _, err := n.sender.Send(edit); err != nil {
			n.logger.Warn("failed to update announcement", "error", err, "request_id", requestID, "chat_id", a.ChatID)
		}
	}

	if err := n.store.MarkResolved(requestID); err != nil {
		n.logger.Error("failed to mark request resolved", "error", err, "request_id", requestID)
	}
}

// hold keeps reconcile away from requestID until release
func (n *Notifier) hold(requestID string) {
	n.mu.Lock()
	n.held[requestID] = struct{}{}
	n.mu.Unlock()
}

func (n *Notifier) release(requestID string) {
	n.mu.Lock()
	delete(n.held, requestID)
	n.mu.Unlock()
}

func (n *Notifier) isHeld(requestID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.held[requestID]
	return ok
}

func decisionKeyboard(requestID string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Aprobar", callbackApprove+":"+requestID),
			tgbotapi.NewInlineKeyboardButtonData("❌ Rechazar", callbackReject+":"+requestID),
		),
	)
}
