package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go-tgchat/internal/protocol"

	"github.com/google/uuid"
)

// Broadcaster pushes stored changes to live relay rooms. The relay hub
// implements it; a nil Broadcaster keeps the service store-only.
type Broadcaster interface {
	BroadcastToChat(ctx context.Context, chatID string, event protocol.Event, data any) error
	NotifyUser(ctx context.Context, userID string, event protocol.Event, data any) error
}

type Service struct {
	repo        Repository
	broadcaster Broadcaster
	logger      *slog.Logger
	now         func() time.Time
}

func NewService(repo Repository, logger *slog.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger,
		now:    time.Now,
	}
}

// SetBroadcaster wires the relay in after construction; the hub itself
// depends on the service as its message sink.
func (s *Service) SetBroadcaster(b Broadcaster) {
	s.broadcaster = b
}

func (s *Service) CreateChat(ctx context.Context, req CreateChatRequest) (*Chat, error) {
	if err := protocol.ValidateStruct(&req); err != nil {
		return nil, &ValidationError{Msg: err.Error()}
	}

	now := s.timestamp()
	c := &Chat{
		ID:           "chat_" + uuid.NewString(),
		Name:         req.Name,
		Type:         req.Type,
		Description:  req.Description,
		Avatar:       req.Avatar,
		Participants: withCreator(req.Participants, req.CreatedBy),
		Admins:       []string{req.CreatedBy},
		CreatedBy:    req.CreatedBy,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.repo.CreateChat(ctx, c); err != nil {
		return nil, err
	}
	s.logger.Info("chat created", "chat_id", c.ID, "type", c.Type, "created_by", c.CreatedBy)
	s.notifyParticipants(ctx, c)
	return c, nil
}

func (s *Service) ListChats(ctx context.Context, userID string) ([]Chat, error) {
	if userID == "" {
		return nil, &ValidationError{Msg: "User ID is required"}
	}
	return s.repo.ListChatsForUser(ctx, userID)
}

// IsParticipant lets the relay gate room joins on the stored participant list.
func (s *Service) IsParticipant(ctx context.Context, chatID, userID string) (bool, error) {
	c, err := s.repo.GetChat(ctx, chatID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return c.HasParticipant(userID), nil
}

// CreateMessage persists and then publishes message_received to the chat room.
// A repeated client id returns the stored message and publishes nothing.
func (s *Service) CreateMessage(ctx context.Context, req CreateMessageRequest) (*Message, error) {
	msg, created, err := s.createMessage(ctx, req)
	if err != nil {
		return nil, err
	}
	if created {
		s.broadcast(ctx, msg.ChatID, protocol.EventMessageReceived, msg)
	}
	return msg, nil
}

// createMessage reports created=false when req.ID names a message this
// sender already stored in this chat.
func (s *Service) createMessage(ctx context.Context, req CreateMessageRequest) (*Message, bool, error) {
	if err := protocol.ValidateStruct(&req); err != nil {
		return nil, false, &ValidationError{Msg: err.Error()}
	}

	id := req.ID
	if id == "" {
		id = "msg_" + uuid.NewString()
	}
	msg := &Message{
		ID:          id,
		ChatID:      req.ChatID,
		SenderID:    req.SenderID,
		Content:     req.Content,
		Type:        req.Type,
		Timestamp:   s.timestamp(),
		ReplyTo:     req.ReplyTo,
		Attachments: req.Attachments,
	}
	err := s.repo.AppendMessage(ctx, msg)
	switch {
	case err == nil:
		return msg, true, nil
	case errors.Is(err, ErrDuplicate) && req.ID != "":
		stored, getErr := s.repo.GetMessage(ctx, req.ID)
		if getErr != nil {
			return nil, false, getErr
		}
		if stored.ChatID != req.ChatID || stored.SenderID != req.SenderID {
			return nil, false, &ValidationError{Msg: "message id is already in use"}
		}
		return stored, false, nil
	default:
		return nil, false, err
	}
}

// SaveRelayMessage is the relay's persist-then-broadcast hook: it stores a
// send_message draft and returns the stored Message for the relay to fan out.
// created is false when the draft's id was already stored, e.g. by an earlier
// POST /messages, and the relay must not fan it out again.
func (s *Service) SaveRelayMessage(ctx context.Context, chatID, senderID string, draft json.RawMessage) (any, bool, error) {
	var d MessageDraft
	if err := json.Unmarshal(draft, &d); err != nil {
		return nil, false, protocol.WrapError(protocol.CodeBadRequest, "malformed message", err)
	}

	msg, created, err := s.createMessage(ctx, CreateMessageRequest{
		ID:          d.ID,
		ChatID:      chatID,
		SenderID:    senderID,
		Content:     d.Content,
		Type:        d.Type,
		ReplyTo:     d.ReplyTo,
		Attachments: d.Attachments,
	})
	if err != nil {
		var verr *ValidationError
		switch {
		case errors.As(err, &verr):
			return nil, false, protocol.NewError(protocol.CodeBadRequest, verr.Msg)
		case errors.Is(err, ErrNotFound):
			return nil, false, protocol.NewError(protocol.CodeBadRequest, "chat not found")
		default:
			return nil, false, fmt.Errorf("save relay message: %w", err)
		}
	}
	return msg, created, nil
}

// ListMessages returns one page in chronological order: the store reads the
// newest window first and the page is reversed here.
func (s *Service) ListMessages(ctx context.Context, p ListMessagesParams) ([]Message, error) {
	if p.ChatID == "" {
		return nil, &ValidationError{Msg: "Chat ID is required"}
	}
	if p.Offset < 0 {
		return nil, &ValidationError{Msg: "offset must not be negative"}
	}
	switch {
	case p.Limit <= 0:
		p.Limit = DefaultMessageLimit
	case p.Limit > MaxMessageLimit:
		p.Limit = MaxMessageLimit
	}

	messages, err := s.repo.ListMessages(ctx, p.ChatID, p.Limit, p.Offset)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *Service) EditMessage(ctx context.Context, id string, req EditMessageRequest) (*Message, error) {
	if err := protocol.ValidateStruct(&req); err != nil {
		return nil, &ValidationError{Msg: err.Error()}
	}
	msg, err := s.repo.UpdateMessageContent(ctx, id, req.Content, s.timestamp())
	if err != nil {
		return nil, err
	}
	s.broadcast(ctx, msg.ChatID, protocol.EventMessageUpdated, msg)
	return msg, nil
}

func (s *Service) DeleteMessage(ctx context.Context, id string) (*Message, error) {
	msg, err := s.repo.SoftDeleteMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	s.broadcast(ctx, msg.ChatID, protocol.EventMessageDeleted, protocol.MessageDeletedEvent{ID: msg.ID, ChatID: msg.ChatID})
	return msg, nil
}

// broadcast runs after the store commit; a failed publish leaves the stored
// state as the source of truth and is only logged.
func (s *Service) broadcast(ctx context.Context, chatID string, event protocol.Event, data any) {
	if s.broadcaster == nil {
		return
	}
	if err := s.broadcaster.BroadcastToChat(ctx, chatID, event, data); err != nil {
		s.logger.Warn("relay broadcast failed", "chat_id", chatID, "event", event, "error", err)
	}
}

// notifyParticipants tells every participant's open sessions about a new
// chat so chat lists refresh without polling.
func (s *Service) notifyParticipants(ctx context.Context, c *Chat) {
	if s.broadcaster == nil {
		return
	}
	for _, p := range c.Participants {
		if err := s.broadcaster.NotifyUser(ctx, p, protocol.EventChatUpdated, c); err != nil {
			s.logger.Warn("relay notify failed", "user_id", p, "chat_id", c.ID, "error", err)
		}
	}
}

// timestamp is truncated to microseconds, the precision Postgres keeps.
func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func withCreator(participants []string, creator string) []string {
	seen := make(map[string]bool, len(participants)+1)
	out := make([]string, 0, len(participants)+1)
	for _, p := range participants {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	if !seen[creator] {
		out = append(out, creator)
	}
	return out
}
