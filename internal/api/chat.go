package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/connexi/connexi-chat/internal/domain"
	"github.com/connexi/connexi-chat/internal/identity"
	"github.com/connexi/connexi-chat/internal/relay"
	"github.com/go-chi/chi/v5"
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

const (
	// MaxMessageLength bounds a single message in characters.
	MaxMessageLength = 4000
	// HistoryLimit caps the rows returned by the history endpoint.
	HistoryLimit = 500
)

// Response texts returned to the widget.
const (
	msgFieldsRequired = "Требуются поля message и chatId"
	msgSaveFailed     = "Ошибка сохранения сообщения"
	msgForwardFailed  = "Ошибка отправки в n8n"
	msgRateLimited    = "Слишком много запросов, попробуйте позже"
	msgSent           = "Сообщение отправлено в обработку"
	msgReceived       = "Ответ получен и сохранен"
)

// messageRequest is the body of both relay functions.
type messageRequest struct {
	Message string `json:"message"`
	ChatID  string `json:"chatId"`
}

// Validate implements validation.Validatable.
func (r messageRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Message, validation.Required, validation.RuneLength(1, MaxMessageLength)),
		validation.Field(&r.ChatID, validation.Required, validation.By(isChatID)),
	)
}

func isChatID(value interface{}) error {
	s, _ := value.(string)
	if identity.SanitizeChatID(s) == "" {
		return errors.New("must be a valid chat id")
	}
	return nil
}

// ChatHandler serves the relay functions and chat history.
type ChatHandler struct {
	*Handler
}

// NewChatHandler creates a chat handler.
func NewChatHandler(base *Handler) *ChatHandler {
	return &ChatHandler{Handler: base}
}

// RegisterRoutes registers the relay routes.
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Route("/functions", func(r chi.Router) {
		r.Post("/chat-handler", h.Send)
		r.Post("/receive-response", h.Receive)
		// Path used by existing n8n workflows.
		r.Post("/receive-n8n-response", h.Receive)
	})
	r.Get("/api/chats/{chatID}/messages", h.History)
}

// Send stores a user message and forwards it to the assistant workflow.
func (h *ChatHandler) Send(w http.ResponseWriter, r *http.Request) {
	req, ok := h.readMessage(w, r)
	if !ok {
		return
	}

	if h.limiter != nil && !h.limiter.Allow(req.ChatID) {
		h.logger.Warn("Rate limit exceeded", "chat_id", req.ChatID, "ip", identity.IPFromRequest(r))
		Error(w, http.StatusTooManyRequests, msgRateLimited)
		return
	}

	if _, err := h.svc.Submit(r.Context(), req.ChatID, req.Message); err != nil {
		if errors.Is(err, relay.ErrForward) {
			h.logger.Error("Failed to forward message", "error", err, "chat_id", req.ChatID)
			Error(w, http.StatusBadGateway, msgForwardFailed)
			return
		}
		h.logger.Error("Failed to store user message", "error", err, "chat_id", req.ChatID)
		Error(w, http.StatusInternalServerError, msgSaveFailed)
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": msgSent,
	})
}

// Receive stores an assistant reply and pushes it to the chat's subscribers.
func (h *ChatHandler) Receive(w http.ResponseWriter, r *http.Request) {
	req, ok := h.readMessage(w, r)
	if !ok {
		return
	}

	row, err := h.svc.Receive(r.Context(), req.ChatID, req.Message)
	if err != nil {
		if row == nil {
			h.logger.Error("Failed to store assistant message", "error", err, "chat_id", req.ChatID)
			Error(w, http.StatusInternalServerError, msgSaveFailed)
			return
		}
		// Stored but not pushed: subscribers pick it up from history or replay.
		h.logger.Warn("Assistant message stored but not published", "error", err, "chat_id", req.ChatID, "id", row.ID)
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": msgReceived,
		"data":    []*domain.StoredMessage{row},
	})
}

// History returns the stored messages of a chat in insertion order.
func (h *ChatHandler) History(w http.ResponseWriter, r *http.Request) {
	chatID := identity.SanitizeChatID(chi.URLParam(r, "chatID"))
	if chatID == "" {
		Error(w, http.StatusBadRequest, "invalid chat id")
		return
	}

	rows, err := h.svc.History(r.Context(), chatID, HistoryLimit)
	if err != nil {
		h.logger.Error("Failed to load history", "error", err, "chat_id", chatID)
		Error(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	if rows == nil {
		rows = []*domain.StoredMessage{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"messages": rows})
}

func (h *ChatHandler) readMessage(w http.ResponseWriter, r *http.Request) (messageRequest, bool) {
	var req messageRequest
	if err := h.decode(w, r, &req); err != nil {
		h.logger.Warn("Rejected relay request", "error", err, "path", r.URL.Path)
		Error(w, http.StatusBadRequest, msgFieldsRequired)
		return req, false
	}
	req.Message = strings.TrimSpace(req.Message)
	req.ChatID = strings.TrimSpace(req.ChatID)

	if err := req.Validate(); err != nil {
		h.logger.Warn("Invalid relay request", "error", err, "path", r.URL.Path)
		Error(w, http.StatusBadRequest, msgFieldsRequired)
		return req, false
	}
	return req, true
}
