// Package relayclient is a Go client for the chat relay: one method per
// event a client may send and one registration per event the relay emits.
//
// A relay backed by the store persists every send_message. Messages already
// created over REST must either not be sent again here or carry the same
// "id" in the message object, which the relay then acknowledges with
// message_saved without storing or broadcasting a second copy.
package relayclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sync"

	"go-tgchat/internal/protocol"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

var ErrNotConnected = errors.New("relayclient: not connected")

const readLimit = 1 << 20

// Client holds at most one relay connection.
type Client struct {
	cfg        Config
	logger     *slog.Logger
	dispatcher Dispatcher

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
}

func New(cfg Config) *Client {
	return &Client{
		cfg:    cfg,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func (c *Client) SetLogger(l *slog.Logger) {
	if l != nil {
		c.logger = l
	}
}

// Connect dials the relay. It is a no-op while a connection is open.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}

	target, err := c.dialURL()
	if err != nil {
		return err
	}

	dialCtx := ctx
	if c.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
		defer cancel()
	}

	ws, _, err := websocket.Dial(dialCtx, target, nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	ws.SetReadLimit(readLimit)

	runCtx, cancel := context.WithCancel(context.Background())
	c.conn = ws
	c.cancel = cancel
	go c.readLoop(runCtx, ws)
	c.logger.Debug("relay connected", "url", c.cfg.URL)
	return nil
}

// Connected reports whether a connection is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close closes the connection; registered callbacks are kept.
func (c *Client) Close() error {
	c.mu.Lock()
	ws, cancel := c.conn, c.cancel
	c.conn, c.cancel = nil, nil
	c.mu.Unlock()

	if ws == nil {
		return nil
	}
	err := ws.Close(websocket.StatusNormalClosure, "client close")
	cancel()
	return err
}

func (c *Client) dialURL() (string, error) {
	if c.cfg.URL == "" {
		return "", errors.New("relayclient: empty URL")
	}
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("relayclient: parse URL: %w", err)
	}
	if c.cfg.Token != "" {
		q := u.Query()
		q.Set("token", c.cfg.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Client) readLoop(ctx context.Context, ws *websocket.Conn) {
	defer func() {
		c.mu.Lock()
		if c.conn == ws {
			c.conn = nil
			c.cancel()
			c.cancel = nil
		}
		c.mu.Unlock()
	}()

	for {
		var env protocol.Envelope
		if err := wsjson.Read(ctx, ws, &env); err != nil {
			if !c.closedByUs(ws) && !isExpectedDisconnect(ctx, err) {
				c.logger.Warn("relay read loop exit", "error", err)
				c.dispatcher.fireError(fmt.Errorf("relay connection lost: %w", err))
			}
			return
		}
		c.dispatcher.Dispatch(env)
	}
}

// closedByUs reports whether Close already detached ws.
func (c *Client) closedByUs(ws *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != ws
}

func isExpectedDisconnect(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	default:
		return false
	}
}

// send validates payload the way the relay will and writes one envelope.
func (c *Client) send(ctx context.Context, event protocol.Event, payload any) error {
	c.mu.Lock()
	ws := c.conn
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}

	if err := protocol.ValidateStruct(payload); err != nil {
		return protocol.WrapError(protocol.CodeBadRequest, fmt.Sprintf("invalid %s payload", event), err)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}

	if c.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.WriteTimeout)
		defer cancel()
	}
	return wsjson.Write(ctx, ws, protocol.Envelope{Event: event, Data: data})
}

func rawObject(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

// Client -> relay.

func (c *Client) Authenticate(ctx context.Context, userID string) error {
	return c.send(ctx, protocol.EventAuthenticate, &protocol.AuthenticatePayload{UserID: userID})
}

func (c *Client) JoinChat(ctx context.Context, chatID string) error {
	return c.send(ctx, protocol.EventJoinChat, &protocol.JoinChatPayload{ChatID: chatID})
}

func (c *Client) LeaveChat(ctx context.Context, chatID string) error {
	return c.send(ctx, protocol.EventLeaveChat, &protocol.LeaveChatPayload{ChatID: chatID})
}

// SendMessage sends message, which must encode to a JSON object. A relay
// backed by the store expects {id?, content, type, replyTo?, attachments?}.
func (c *Client) SendMessage(ctx context.Context, chatID string, message any) error {
	raw, err := rawObject(message)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return c.send(ctx, protocol.EventSendMessage, &protocol.SendMessagePayload{ChatID: chatID, Message: raw})
}

func (c *Client) SendTyping(ctx context.Context, chatID string, isTyping bool) error {
	return c.send(ctx, protocol.EventTyping, &protocol.TypingPayload{ChatID: chatID, IsTyping: &isTyping})
}

func (c *Client) UpdatePresence(ctx context.Context, isOnline bool) error {
	return c.send(ctx, protocol.EventUpdatePresence, &protocol.UpdatePresencePayload{IsOnline: &isOnline})
}

// InitiateCall starts a call; the relay answers with call_initiated carrying
// the call id.
func (c *Client) InitiateCall(ctx context.Context, chatID, callType string) error {
	return c.send(ctx, protocol.EventInitiateCall, &protocol.InitiateCallPayload{ChatID: chatID, CallType: callType})
}

func (c *Client) AnswerCall(ctx context.Context, callID string) error {
	return c.send(ctx, protocol.EventAnswerCall, &protocol.AnswerCallPayload{CallID: callID})
}

func (c *Client) EndCall(ctx context.Context, callID string) error {
	return c.send(ctx, protocol.EventEndCall, &protocol.EndCallPayload{CallID: callID})
}

// UploadFile announces a file descriptor to the chat; the bytes live elsewhere.
func (c *Client) UploadFile(ctx context.Context, chatID string, file any) error {
	raw, err := rawObject(file)
	if err != nil {
		return fmt.Errorf("encode file: %w", err)
	}
	return c.send(ctx, protocol.EventUploadFile, &protocol.UploadFilePayload{ChatID: chatID, File: raw})
}

// Relay -> client. Passing nil removes the callback.

func (c *Client) OnMessageReceived(fn func(json.RawMessage)) {
	on(&c.dispatcher, protocol.EventMessageReceived, fn)
}

func (c *Client) OnMessageSaved(fn func(json.RawMessage)) {
	on(&c.dispatcher, protocol.EventMessageSaved, fn)
}

func (c *Client) OnMessageUpdated(fn func(json.RawMessage)) {
	on(&c.dispatcher, protocol.EventMessageUpdated, fn)
}

func (c *Client) OnMessageDeleted(fn func(MessageDeletedEvent)) {
	on(&c.dispatcher, protocol.EventMessageDeleted, fn)
}

func (c *Client) OnTyping(fn func(TypingEvent)) { on(&c.dispatcher, protocol.EventUserTyping, fn) }

func (c *Client) OnUserOnline(fn func(PresenceEvent)) { on(&c.dispatcher, protocol.EventUserOnline, fn) }

func (c *Client) OnUserOffline(fn func(PresenceEvent)) {
	on(&c.dispatcher, protocol.EventUserOffline, fn)
}

func (c *Client) OnIncomingCall(fn func(CallEvent)) { on(&c.dispatcher, protocol.EventIncomingCall, fn) }

func (c *Client) OnCallInitiated(fn func(CallEvent)) {
	on(&c.dispatcher, protocol.EventCallInitiated, fn)
}

func (c *Client) OnCallAnswered(fn func(CallEvent)) { on(&c.dispatcher, protocol.EventCallAnswered, fn) }

func (c *Client) OnCallEnded(fn func(CallEvent)) { on(&c.dispatcher, protocol.EventCallEnded, fn) }

func (c *Client) OnFileUploaded(fn func(json.RawMessage)) {
	on(&c.dispatcher, protocol.EventFileUploaded, fn)
}

func (c *Client) OnChatUpdated(fn func(json.RawMessage)) {
	on(&c.dispatcher, protocol.EventChatUpdated, fn)
}

func (c *Client) OnNotification(fn func(json.RawMessage)) {
	on(&c.dispatcher, protocol.EventNotification, fn)
}

// OnError receives relay error events as *Error and connection failures.
func (c *Client) OnError(fn func(error)) { c.dispatcher.SetOnError(fn) }

// RemoveAllListeners drops every registered callback.
func (c *Client) RemoveAllListeners() { c.dispatcher.Reset() }
