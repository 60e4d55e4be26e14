package user

import (
	"errors"
	"log/slog"
	"net/http"

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

func (h *Handler) Routes(r chi.Router) {
	r.Post("/users", h.Upsert)
	r.Get("/users/search", h.Search)
	r.Get("/users/{id}", h.Get)
}

func (h *Handler) Upsert(w http.ResponseWriter, r *http.Request) {
	var req UpsertRequest
	if err := httpjson.Decode(w, r, &req); err != nil {
		httpjson.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	u, err := h.service.Upsert(r.Context(), req)
	if err != nil {
		h.fail(w, err, "Failed to save user")
		return
	}
	httpjson.Write(w, http.StatusOK, u)
}

func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	users, err := h.service.Search(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		h.fail(w, err, "Failed to search users")
		return
	}
	httpjson.Write(w, http.StatusOK, users)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	u, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err, "Failed to fetch user")
		return
	}
	httpjson.Write(w, http.StatusOK, u)
}

func (h *Handler) fail(w http.ResponseWriter, err error, generic string) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		httpjson.Error(w, http.StatusBadRequest, verr.Msg)
	case errors.Is(err, ErrNotFound):
		httpjson.Error(w, http.StatusNotFound, "User not found")
	default:
		h.logger.Error(generic, "error", err)
		httpjson.Error(w, http.StatusInternalServerError, generic)
	}
}
