package chat

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"go-tgchat/internal/httpjson"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	service *Service
	logger  *slog.Logger
}

func NewHandler(s *Service, logger *slog.Logger) *Handler {
	return &Handler{service: s, logger: logger}
}

// Routes mounts the chat and message resources on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/chats", h.ListChats)
	r.Post("/chats", h.CreateChat)
	r.Get("/messages", h.ListMessages)
	r.Post("/messages", h.CreateMessage)
	r.Patch("/messages/{id}", h.EditMessage)
	r.Delete("/messages/{id}", h.DeleteMessage)
}

func (h *Handler) ListChats(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		httpjson.Error(w, http.StatusBadRequest, "User ID is required")
		return
	}

	chats, err := h.service.ListChats(r.Context(), userID)
	if err != nil {
		h.fail(w, err, "Failed to fetch chats")
		return
	}
	httpjson.Write(w, http.StatusOK, chats)
}

func (h *Handler) CreateChat(w http.ResponseWriter, r *http.Request) {
	var req CreateChatRequest
	if err := httpjson.Decode(w, r, &req); err != nil {
		httpjson.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	c, err := h.service.CreateChat(r.Context(), req)
	if err != nil {
		h.fail(w, err, "Failed to create chat")
		return
	}
	httpjson.Write(w, http.StatusOK, c)
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	chatID := q.Get("chatId")
	if chatID == "" {
		httpjson.Error(w, http.StatusBadRequest, "Chat ID is required")
		return
	}

	limit, err := intParam(q.Get("limit"), DefaultMessageLimit)
	if err != nil || limit <= 0 {
		httpjson.Error(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	offset, err := intParam(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		httpjson.Error(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	messages, err := h.service.ListMessages(r.Context(), ListMessagesParams{
		ChatID: chatID,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		h.fail(w, err, "Failed to fetch messages")
		return
	}
	httpjson.Write(w, http.StatusOK, messages)
}

func (h *Handler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	var req CreateMessageRequest
	if err := httpjson.Decode(w, r, &req); err != nil {
		httpjson.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := h.service.CreateMessage(r.Context(), req)
	if err != nil {
		h.fail(w, err, "Failed to create message")
		return
	}
	httpjson.Write(w, http.StatusOK, msg)
}

func (h *Handler) EditMessage(w http.ResponseWriter, r *http.Request) {
	var req EditMessageRequest
	if err := httpjson.Decode(w, r, &req); err != nil {
		httpjson.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := h.service.EditMessage(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		h.fail(w, err, "Failed to edit message")
		return
	}
	httpjson.Write(w, http.StatusOK, msg)
}

func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := h.service.DeleteMessage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err, "Failed to delete message")
		return
	}
	httpjson.Write(w, http.StatusOK, msg)
}

// fail maps service errors onto status codes. Store failures are logged and
// answered with the generic message only.
func (h *Handler) fail(w http.ResponseWriter, err error, generic string) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		httpjson.Error(w, http.StatusBadRequest, verr.Msg)
	case errors.Is(err, ErrNotFound):
		httpjson.Error(w, http.StatusNotFound, "Not found")
	default:
		h.logger.Error(generic, "error", err)
		httpjson.Error(w, http.StatusInternalServerError, generic)
	}
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
