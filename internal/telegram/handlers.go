package telegram

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"ticket-portal/internal/backend"
	"ticket-portal/internal/dashboard"
	apperrors "ticket-portal/internal/errors"
	"ticket-portal/internal/notify"
)

// Dashboard is the part of the admin controller the bot drives
type Dashboard interface {
	Approve(ctx context.Context, requestID string) error
	Reject(ctx context.Context, requestID string) error
	RefreshRequests(ctx context.Context)
	RefreshActiveUsers(ctx context.Context)
	RefreshSystemLogs(ctx context.Context)
	Snapshot() dashboard.View
}

// Handler processes Telegram updates
type Handler struct {
	bot       Sender
	dash      Dashboard
	notifier  *Notifier
	store     notify.Store
	whitelist *Whitelist
	logger    *slog.Logger
}

// NewHandler creates a new update handler
func NewHandler(
	bot Sender,
	dash Dashboard,
	notifier *Notifier,
	store notify.Store,
	whitelist *Whitelist,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		bot:       bot,
		dash:      dash,
		notifier:  notifier,
		store:     store,
		whitelist: whitelist,
		logger:    logger,
	}
}

// HandleUpdate processes a single update
func (h *Handler) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	chatID, username, allowed := h.whitelist.CheckAccess(update)
	if !allowed {
		if update.Message != nil {
			h.sendText(update.Message.Chat.ID, apperrors.ErrUnauthorized.UserMsg)
		}
		if update.CallbackQuery != nil {
			h.answer(update.CallbackQuery.ID, apperrors.ErrUnauthorized.UserMsg, true)
		}
		return
	}

	if update.CallbackQuery != nil {
		h.handleCallback(ctx, update.CallbackQuery, username)
		return
	}

	if update.Message != nil && update.Message.IsCommand() {
		h.handleCommand(ctx, chatID, update.Message)
	}
}

func (h *Handler) handleCommand(ctx context.Context, chatID int64, msg *tgbotapi.Message) {
	switch msg.Command() {
	case "start", "help":
		h.sendText(chatID,
			"Panel de administración\n\n"+
				"Las solicitudes nuevas llegan a este chat con botones para aprobar o rechazar.\n\n"+
				"Comandos:\n"+
				"/pending - Solicitudes pendientes\n"+
				"/users - Usuarios activos\n"+
				"/logs - Registros del sistema\n"+
				"/mute - Silenciar avisos en este chat\n"+
				"/unmute - Reactivar avisos")

	case "pending":
		h.dash.RefreshRequests(ctx)
		view := h.dash.Snapshot()
		if !view.RequestsOK {
			h.sendText(chatID, "No se pudieron cargar las solicitudes")
			return
		}
		reqs := make([]backend.PendingRequest, 0, len(view.PendingRequests))
		for _, id := range slices.Sorted(maps.Keys(view.PendingRequests)) {
			reqs = append(reqs, view.PendingRequests[id])
		}
		h.sendText(chatID, pendingText(reqs))

	case "users":
		h.dash.RefreshActiveUsers(ctx)
		h.sendText(chatID, usersText(h.dash.Snapshot().ActiveUsers))

	case "logs":
		h.dash.RefreshSystemLogs(ctx)
		view := h.dash.Snapshot()
		h.sendText(chatID, logsText("Bot de clientes", view.ClientBotLogs))
		h.sendText(chatID, logsText("Bot de gestión", view.ManagerLogs))
		h.sendText(chatID, logsText("Servidor", view.ServerLogs))

	case "mute", "unmute":
		h.setMuted(chatID, msg.Command() == "mute")

	default:
		h.sendText(chatID, "Comando desconocido. Usa /help para ver los comandos disponibles.")
	}
}

func (h *Handler) setMuted(chatID int64, muted bool) {
	prefs, err := h.store.Prefs(chatID)
	if err != nil {
		h.logger.Error("failed to load chat prefs", "error", err, "chat_id", chatID)
		h.sendText(chatID, "No se pudo guardar la preferencia")
		return
	}
	prefs.Muted = muted
	if err := h.store.SavePrefs(prefs); err != nil {
		h.logger.Error("failed to save chat prefs", "error", err, "chat_id", chatID)
		h.sendText(chatID, "No se pudo guardar la preferencia")
		return
	}

	if muted {
		h.sendText(chatID, "Avisos silenciados en este chat")
	} else {
		h.sendText(chatID, "Avisos reactivados en este chat")
	}
}

func (h *Handler) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery, username string) {
	action, requestID, ok := strings.Cut(cb.Data, ":")
	if !ok || requestID == "" {
		h.answer(cb.ID, "Acción no válida", false)
		return
	}

	h.notifier.hold(requestID)
	defer h.notifier.release(requestID)

	var (
		err     error
		outcome string
	)
	switch action {
	case callbackApprove:
		err = h.dash.Approve(ctx, requestID)
		outcome = "aprobada"
	case callbackReject:
		err = h.dash.Reject(ctx, requestID)
		outcome = "rechazada"
	default:
		h.answer(cb.ID, "Acción no válida", false)
		return
	}

	if err != nil {
		h.logger.Error("decision failed", "error", err, "action", action, "request_id", requestID)
		h.answer(cb.ID, apperrors.Describe(err, "Error al procesar la solicitud"), true)
		return
	}

	h.logger.Info("request decided via bot", "action", action, "request_id", requestID, "by", username)
	h.answer(cb.ID, "Solicitud "+outcome, false)
	h.notifier.Resolve(requestID, outcome, username)
}

func (h *Handler) answer(callbackID, text string, alert bool) {
	cfg := tgbotapi.NewCallback(callbackID, text)
	if alert {
		cfg = tgbotapi.NewCallbackWithAlert(callbackID, text)
	}
	if _, err := h.bot.Request(cfg); err != nil {
		h.logger.Error("failed to answer callback", "error", err)
	}
}

func (h *Handler) sendText(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := h.bot.Send(msg); err != nil {
		h.logger.Error("failed to send message", "error", err, "chat_id", chatID)
	}
}
