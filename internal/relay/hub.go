// Package relay is the real-time side of the chat server: a hub goroutine
// that owns every connection and room, fed by per-connection read loops.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"go-tgchat/internal/protocol"
)

// MessageSink persists a send_message draft and returns the stored message.
// created is false when the draft repeats an already stored message, which
// is then acknowledged but not broadcast again. Returned *protocol.Error
// values are reported to the sender as-is.
type MessageSink interface {
	SaveRelayMessage(ctx context.Context, chatID, senderID string, draft json.RawMessage) (stored any, created bool, err error)
}

// MembershipChecker gates joining and chat-scoped events on the stored
// participant list.
type MembershipChecker interface {
	IsParticipant(ctx context.Context, chatID, userID string) (bool, error)
}

// Presence is told about user bindings. MarkOffline reports whether the
// user has no connections left.
type Presence interface {
	MarkOnline(ctx context.Context, userID string) error
	MarkOffline(ctx context.Context, userID string) (bool, error)
}

// Options configures a Hub. Every field is optional; a nil Broker means a
// LocalBroker.
type Options struct {
	Broker     Broker
	Sink       MessageSink
	Membership MembershipChecker
	Presence   Presence
	Logger     *slog.Logger
}

type membershipChange struct {
	client *Client
	room   string
	join   bool
}

type directFrame struct {
	client *Client
	frame  []byte
}

// Hub maintains the set of active clients and their rooms. All of it is
// touched only by the Run goroutine.
type Hub struct {
	clients map[*Client]struct{}
	rooms   map[string]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	membership chan membershipChange
	direct     chan directFrame
	deliveries chan Delivery
	queries    chan func()
	done       chan struct{}

	broker            Broker
	sink              MessageSink
	membershipChecker MembershipChecker
	presence          Presence
	logger            *slog.Logger
}

func NewHub(opts Options) *Hub {
	if opts.Broker == nil {
		opts.Broker = NewLocalBroker()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Hub{
		clients:           make(map[*Client]struct{}),
		rooms:             make(map[string]map[*Client]struct{}),
		register:          make(chan *Client),
		unregister:        make(chan *Client),
		membership:        make(chan membershipChange),
		direct:            make(chan directFrame),
		deliveries:        make(chan Delivery),
		queries:           make(chan func()),
		done:              make(chan struct{}),
		broker:            opts.Broker,
		sink:              opts.Sink,
		membershipChecker: opts.Membership,
		presence:          opts.Presence,
		logger:            opts.Logger,
	}
}

func chatRoom(chatID string) string { return "chat_" + chatID }
func userRoom(userID string) string { return "user_" + userID }

// Run processes hub commands until ctx is cancelled, then closes every
// connection. It also drives the broker subscription.
func (h *Hub) Run(ctx context.Context) {
	subCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		h.shutdown()
	}()

	go func() {
		err := h.broker.Subscribe(subCtx, h.deliver)
		if err != nil && !errors.Is(err, context.Canceled) {
			h.logger.Error("relay broker subscription ended", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.logger.Debug("client registered", "conn_id", c.id, "clients", len(h.clients))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.remove(c)
				h.logger.Debug("client unregistered", "conn_id", c.id, "clients", len(h.clients))
			}

		case m := <-h.membership:
			if _, ok := h.clients[m.client]; !ok {
				continue
			}
			if m.join {
				h.joinRoom(m.client, m.room)
			} else {
				h.leaveRoom(m.client, m.room)
			}

		case d := <-h.direct:
			if _, ok := h.clients[d.client]; ok {
				h.enqueue(d.client, d.frame)
			}

		case d := <-h.deliveries:
			h.fanOut(d)

		case q := <-h.queries:
			q()
		}
	}
}

func (h *Hub) joinRoom(c *Client, room string) {
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
}

func (h *Hub) leaveRoom(c *Client, room string) {
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, c)
	delete(c.rooms, room)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

func (h *Hub) fanOut(d Delivery) {
	targets := h.clients
	if d.Room != "" {
		targets = h.rooms[d.Room]
	}
	frame := []byte(d.Frame)
	for c := range targets {
		if c.id == d.Exclude {
			continue
		}
		h.enqueue(c, frame)
	}
}

// enqueue never blocks the hub: a client whose buffer is full is dropped.
func (h *Hub) enqueue(c *Client, frame []byte) {
	select {
	case c.send <- frame:
	default:
		h.logger.Warn("dropping slow client", "conn_id", c.id)
		h.remove(c)
	}
}

func (h *Hub) remove(c *Client) {
	for room := range c.rooms {
		h.leaveRoom(c, room)
	}
	delete(h.clients, c)
	close(c.send)
}

func (h *Hub) shutdown() {
	close(h.done)
	for c := range h.clients {
		h.remove(c)
	}
	h.logger.Info("relay hub stopped")
}

func submit[T any](h *Hub, ch chan<- T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) registerClient(c *Client) bool   { return submit(h, h.register, c) }
func (h *Hub) unregisterClient(c *Client) bool { return submit(h, h.unregister, c) }

func (h *Hub) join(c *Client, room string) bool {
	return submit(h, h.membership, membershipChange{client: c, room: room, join: true})
}

func (h *Hub) leave(c *Client, room string) bool {
	return submit(h, h.membership, membershipChange{client: c, room: room})
}

func (h *Hub) sendDirect(c *Client, frame []byte) bool {
	return submit(h, h.direct, directFrame{client: c, frame: frame})
}

func (h *Hub) deliver(d Delivery) {
	submit(h, h.deliveries, d)
}

// query runs f on the hub goroutine and waits for it.
func (h *Hub) query(f func()) bool {
	finished := make(chan struct{})
	if !submit(h, h.queries, func() {
		f()
		close(finished)
	}) {
		return false
	}
	<-finished
	return true
}

func (h *Hub) publish(ctx context.Context, room, exclude string, event protocol.Event, data any) error {
	frame, err := protocol.Encode(event, data)
	if err != nil {
		return err
	}
	if err := h.broker.Publish(ctx, Delivery{Room: room, Exclude: exclude, Frame: frame}); err != nil {
		return fmt.Errorf("publish %s: %w", event, err)
	}
	return nil
}

// BroadcastToChat sends event to every connection that joined chatID, on
// every instance.
func (h *Hub) BroadcastToChat(ctx context.Context, chatID string, event protocol.Event, data any) error {
	return h.publish(ctx, chatRoom(chatID), "", event, data)
}

// NotifyUser sends event to every connection bound to userID.
func (h *Hub) NotifyUser(ctx context.Context, userID string, event protocol.Event, data any) error {
	return h.publish(ctx, userRoom(userID), "", event, data)
}

// ClientCount is the number of live connections on this instance.
func (h *Hub) ClientCount() int {
	var n int
	h.query(func() { n = len(h.clients) })
	return n
}

// ChatMembers is the number of local connections in chatID's room.
func (h *Hub) ChatMembers(chatID string) int {
	var n int
	h.query(func() { n = len(h.rooms[chatRoom(chatID)]) })
	return n
}

func (h *Hub) roomSize(room string) int {
	var n int
	h.query(func() { n = len(h.rooms[room]) })
	return n
}
