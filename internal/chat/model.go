package chat

import (
	"errors"
	"time"
)

// ---------------------------------------------
// Database & API Models
// ---------------------------------------------

type ChatType string

const (
	ChatPrivate ChatType = "private"
	ChatGroup   ChatType = "group"
	ChatChannel ChatType = "channel"
)

type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageFile  MessageType = "file"
	MessageVoice MessageType = "voice"
	MessageVideo MessageType = "video"
)

type Chat struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Type         ChatType  `json:"type"`
	Description  string    `json:"description,omitempty"`
	Avatar       string    `json:"avatar,omitempty"`
	Participants []string  `json:"participants"`
	Admins       []string  `json:"admins"`
	CreatedBy    string    `json:"createdBy"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// HasParticipant reports whether userID is listed in the chat.
func (c *Chat) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

type Attachment struct {
	ID       string `json:"id" validate:"required"`
	Filename string `json:"filename" validate:"required"`
	URL      string `json:"url" validate:"required"`
	Type     string `json:"type" validate:"required"`
	Size     int64  `json:"size" validate:"gte=0"`
}

type Message struct {
	ID          string       `json:"id"`
	ChatID      string       `json:"chatId"`
	SenderID    string       `json:"senderId"`
	Content     string       `json:"content"`
	Type        MessageType  `json:"type"`
	Timestamp   time.Time    `json:"timestamp"`
	EditedAt    *time.Time   `json:"editedAt,omitempty"`
	ReplyTo     string       `json:"replyTo,omitempty"`
	IsDeleted   bool         `json:"isDeleted"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// ---------------------------------------------
// Requests
// ---------------------------------------------

type CreateChatRequest struct {
	Name         string   `json:"name" validate:"required,max=256"`
	Type         ChatType `json:"type" validate:"required,oneof=private group channel"`
	Participants []string `json:"participants" validate:"required,min=1,dive,required,max=128"`
	CreatedBy    string   `json:"createdBy" validate:"required,max=128"`
	Description  string   `json:"description,omitempty" validate:"max=2048"`
	Avatar       string   `json:"avatar,omitempty" validate:"max=2048"`
}

// CreateMessageRequest.ID and MessageDraft.ID are optional client-chosen
// message ids. Sending the same id again, over either REST or the relay,
// returns the stored message instead of creating a second one.
type CreateMessageRequest struct {
	ID          string       `json:"id,omitempty" validate:"omitempty,max=128"`
	ChatID      string       `json:"chatId" validate:"required,max=128"`
	SenderID    string       `json:"senderId" validate:"required,max=128"`
	Content     string       `json:"content" validate:"required,max=65536"`
	Type        MessageType  `json:"type" validate:"required,oneof=text image file voice video"`
	ReplyTo     string       `json:"replyTo,omitempty" validate:"max=128"`
	Attachments []Attachment `json:"attachments,omitempty" validate:"dive"`
}

// MessageDraft is the message object a client sends over the relay. Chat and
// sender come from the envelope and the connection, never from the draft.
type MessageDraft struct {
	ID          string       `json:"id,omitempty" validate:"omitempty,max=128"`
	Content     string       `json:"content" validate:"required,max=65536"`
	Type        MessageType  `json:"type" validate:"required,oneof=text image file voice video"`
	ReplyTo     string       `json:"replyTo,omitempty" validate:"max=128"`
	Attachments []Attachment `json:"attachments,omitempty" validate:"dive"`
}

type EditMessageRequest struct {
	Content string `json:"content" validate:"required,max=65536"`
}

type ListMessagesParams struct {
	ChatID string
	Limit  int
	Offset int
}

const (
	DefaultMessageLimit = 50
	MaxMessageLimit     = 200
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("message id already exists")
)

// ValidationError marks input the caller must fix.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}
