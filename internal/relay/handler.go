package relay

import (
	"log/slog"
	"net/http"

	"go-tgchat/internal/middleware"

	"github.com/gorilla/websocket"
)

type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandler serves the relay endpoint. Cross-origin upgrades are admitted
// only from allowedOrigins.
func NewHandler(hub *Hub, allowedOrigins []string, logger *slog.Logger) *Handler {
	return &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || middleware.OriginAllowed(allowedOrigins, origin)
			},
		},
		logger: logger,
	}
}

// ServeWs upgrades the request and starts the client's pumps. When the
// request carried a verified token the connection starts out bound to that
// user.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := newClient(h.hub, conn)
	if !h.hub.registerClient(client) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		conn.Close()
		return
	}

	if userID, ok := middleware.UserIDFromContext(r.Context()); ok {
		client.verified = userID
		client.bind(userID)
	}

	go client.writePump()
	go client.readPump()
}
