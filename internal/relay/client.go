package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go-tgchat/internal/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Must be less than pongWait.
	maxMessageSize = 64 << 10            // Largest inbound frame; upload_file carries whole descriptors.
	sendBuffer     = 256
	opTimeout      = 5 * time.Second // Store and presence calls made from the read loop.
)

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// rooms is owned by the hub goroutine.
	rooms map[string]struct{}

	// The rest is owned by readPump.
	userID   string
	verified string          // user id from a verified token, if any
	hidden   bool            // update_presence(false) released the presence count
	allowed  map[string]bool // chats the membership checker admitted
	logger   *slog.Logger
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	id := uuid.NewString()
	return &Client{
		id:      id,
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		rooms:   make(map[string]struct{}),
		allowed: make(map[string]bool),
		logger:  h.logger.With("conn_id", id),
	}
}

// readPump decodes frames and handles them in arrival order, so one
// connection's events reach the hub in the order they were sent.
func (c *Client) readPump() {
	defer c.disconnect()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("relay read failed", "error", err)
			}
			return
		}
		c.handleFrame(frame)
	}
}

// writePump is the only writer on the connection. Each queued frame goes out
// as its own text message.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) disconnect() {
	c.hub.unregisterClient(c)
	c.conn.Close()

	if c.userID != "" {
		c.release(c.userID)
	}
}

// release gives up this connection's presence count for userID and, when it
// was the user's last one, announces user_offline server-wide. A hidden
// connection already released its count.
func (c *Client) release(userID string) {
	if c.hidden {
		return
	}
	if !c.markOffline(userID) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	err := c.hub.publish(ctx, "", c.id, protocol.EventUserOffline, protocol.PresenceEvent{UserID: userID})
	if err != nil && !errors.Is(err, ErrBrokerClosed) {
		c.logger.Warn("user_offline publish failed", "user_id", userID, "error", err)
	}
}

func (c *Client) handleFrame(frame []byte) {
	ev, err := protocol.Decode(frame)
	if err == nil {
		err = c.handle(ev)
	}
	if err != nil {
		c.reject(err)
	}
}

func (c *Client) handle(ev protocol.Inbound) error {
	switch p := ev.(type) {
	case *protocol.AuthenticatePayload:
		return c.authenticate(p.UserID)

	case *protocol.JoinChatPayload:
		if err := c.authorize(p.ChatID); err != nil {
			return err
		}
		c.hub.join(c, chatRoom(p.ChatID))
		return nil

	case *protocol.LeaveChatPayload:
		c.hub.leave(c, chatRoom(p.ChatID))
		return nil

	case *protocol.SendMessagePayload:
		return c.sendMessage(p)

	case *protocol.TypingPayload:
		if err := c.requireUser(); err != nil {
			return err
		}
		if err := c.authorize(p.ChatID); err != nil {
			return err
		}
		return c.toChat(p.ChatID, protocol.EventUserTyping, protocol.TypingEvent{
			UserID:   c.userID,
			ChatID:   p.ChatID,
			IsTyping: *p.IsTyping,
		})

	case *protocol.UpdatePresencePayload:
		if err := c.requireUser(); err != nil {
			return err
		}
		return c.updatePresence(*p.IsOnline)

	case *protocol.InitiateCallPayload:
		if err := c.requireUser(); err != nil {
			return err
		}
		if err := c.authorize(p.ChatID); err != nil {
			return err
		}
		call := protocol.CallEvent{
			CallID:   "call_" + uuid.NewString(),
			CallerID: c.userID,
			ChatID:   p.ChatID,
			CallType: p.CallType,
		}
		if err := c.toChat(p.ChatID, protocol.EventIncomingCall, call); err != nil {
			return err
		}
		c.reply(protocol.EventCallInitiated, call)
		return nil

	case *protocol.AnswerCallPayload:
		if err := c.requireUser(); err != nil {
			return err
		}
		return c.toEveryone(protocol.EventCallAnswered, protocol.CallEvent{CallID: p.CallID, UserID: c.userID})

	case *protocol.EndCallPayload:
		if err := c.requireUser(); err != nil {
			return err
		}
		return c.toEveryone(protocol.EventCallEnded, protocol.CallEvent{CallID: p.CallID, UserID: c.userID})

	case *protocol.UploadFilePayload:
		if err := c.authorize(p.ChatID); err != nil {
			return err
		}
		return c.toChat(p.ChatID, protocol.EventFileUploaded, p.File)

	default:
		return protocol.NewError(protocol.CodeUnknownEvent, "unsupported event "+string(ev.Kind()))
	}
}

// authenticate binds userID to the connection, replacing any earlier
// binding. A connection that arrived with a verified token may only bind to
// that token's user.
func (c *Client) authenticate(userID string) error {
	if c.verified != "" && userID != c.verified {
		return protocol.NewError(protocol.CodeUnauthorized, "userId does not match the authenticated token")
	}
	if userID == c.userID {
		return nil
	}

	prev := c.userID
	if prev != "" {
		c.hub.leave(c, userRoom(prev))
		c.release(prev)
	}
	c.bind(userID)
	return nil
}

func (c *Client) bind(userID string) {
	c.userID = userID
	c.hidden = false
	clear(c.allowed)
	c.hub.join(c, userRoom(userID))
	c.markOnline(userID)
	c.logger.Debug("client authenticated", "user_id", userID)
}

// updatePresence broadcasts the user's chosen state to every other
// connection and moves this connection's presence count with it, at most
// once per transition.
func (c *Client) updatePresence(online bool) error {
	switch {
	case online && c.hidden:
		c.hidden = false
		c.markOnline(c.userID)
	case !online && !c.hidden:
		c.markOffline(c.userID)
		c.hidden = true
	}

	event := protocol.EventUserOnline
	if !online {
		event = protocol.EventUserOffline
	}
	return c.toEveryone(event, protocol.PresenceEvent{UserID: c.userID, IsOnline: online})
}

func (c *Client) requireUser() error {
	if c.userID == "" {
		return protocol.NewError(protocol.CodeUnauthorized, "authenticate first")
	}
	return nil
}

// authorize admits chat-scoped events. Without a membership checker every
// connection may use every chat.
func (c *Client) authorize(chatID string) error {
	checker := c.hub.membershipChecker
	if checker == nil {
		return nil
	}
	if err := c.requireUser(); err != nil {
		return err
	}
	if c.allowed[chatID] {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	ok, err := checker.IsParticipant(ctx, chatID, c.userID)
	if err != nil {
		return err
	}
	if !ok {
		return protocol.NewError(protocol.CodeAccessDenied, "not a participant of chat "+chatID)
	}
	c.allowed[chatID] = true
	return nil
}

// sendMessage forwards the raw message when no sink is configured. With a
// sink the message is stored first, the stored copy is broadcast unless it
// was already stored, and the sender gets message_saved.
func (c *Client) sendMessage(p *protocol.SendMessagePayload) error {
	if err := c.authorize(p.ChatID); err != nil {
		return err
	}

	sink := c.hub.sink
	if sink == nil {
		return c.toChat(p.ChatID, protocol.EventMessageReceived, p.Message)
	}
	if err := c.requireUser(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	stored, created, err := sink.SaveRelayMessage(ctx, p.ChatID, c.userID, p.Message)
	if err != nil {
		return err
	}
	if created {
		if err := c.toChat(p.ChatID, protocol.EventMessageReceived, stored); err != nil {
			c.logger.Warn("stored message not broadcast", "chat_id", p.ChatID, "error", err)
		}
	}
	c.reply(protocol.EventMessageSaved, stored)
	return nil
}

func (c *Client) toChat(chatID string, event protocol.Event, data any) error {
	return c.publish(chatRoom(chatID), event, data)
}

func (c *Client) toEveryone(event protocol.Event, data any) error {
	return c.publish("", event, data)
}

// publish fans out to room with this connection excluded.
func (c *Client) publish(room string, event protocol.Event, data any) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	return c.hub.publish(ctx, room, c.id, event, data)
}

func (c *Client) reply(event protocol.Event, data any) {
	frame, err := protocol.Encode(event, data)
	if err != nil {
		c.logger.Error("encode reply failed", "event", event, "error", err)
		return
	}
	c.hub.sendDirect(c, frame)
}

// reject answers the sender with an error event; the connection stays open.
func (c *Client) reject(err error) {
	pe := protocol.AsError(err)
	if pe.Code == protocol.CodeInternal {
		c.logger.Error("relay event failed", "user_id", c.userID, "error", err)
	} else {
		c.logger.Debug("relay event rejected", "code", pe.Code, "error", err)
	}
	c.reply(protocol.EventError, pe.Event())
}

func (c *Client) markOnline(userID string) {
	if c.hub.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := c.hub.presence.MarkOnline(ctx, userID); err != nil {
		c.logger.Warn("presence online failed", "user_id", userID, "error", err)
	}
}

// markOffline reports whether userID has no connections left. Without a
// presence tracker every disconnect counts as the last.
func (c *Client) markOffline(userID string) bool {
	if c.hub.presence == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	last, err := c.hub.presence.MarkOffline(ctx, userID)
	if err != nil {
		c.logger.Warn("presence offline failed", "user_id", userID, "error", err)
		return true
	}
	return last
}
