package protocol

import "encoding/json"

// Event names one kind of relay envelope.
type Event string

// Client -> relay.
const (
	EventAuthenticate   Event = "authenticate"
	EventJoinChat       Event = "join_chat"
	EventLeaveChat      Event = "leave_chat"
	EventSendMessage    Event = "send_message"
	EventTyping         Event = "typing"
	EventUpdatePresence Event = "update_presence"
	EventInitiateCall   Event = "initiate_call"
	EventAnswerCall     Event = "answer_call"
	EventEndCall        Event = "end_call"
	EventUploadFile     Event = "upload_file"
)

// Relay -> client.
const (
	EventMessageReceived Event = "message_received"
	EventMessageSaved    Event = "message_saved"
	EventMessageUpdated  Event = "message_updated"
	EventMessageDeleted  Event = "message_deleted"
	EventUserTyping      Event = "user_typing"
	EventUserOnline      Event = "user_online"
	EventUserOffline     Event = "user_offline"
	EventIncomingCall    Event = "incoming_call"
	EventCallInitiated   Event = "call_initiated"
	EventCallAnswered    Event = "call_answered"
	EventCallEnded       Event = "call_ended"
	EventFileUploaded    Event = "file_uploaded"
	EventChatUpdated     Event = "chat_updated"
	EventNotification    Event = "notification"
	EventError           Event = "error"
)

// Envelope is the wire frame in both directions.
type Envelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound is the closed set of payloads a client may send.
type Inbound interface {
	Kind() Event
}

type AuthenticatePayload struct {
	UserID string `json:"userId" validate:"required,max=128"`
}

type JoinChatPayload struct {
	ChatID string `json:"chatId" validate:"required,max=128"`
}

type LeaveChatPayload struct {
	ChatID string `json:"chatId" validate:"required,max=128"`
}

// SendMessagePayload carries the message object untouched; its shape is
// owned by whoever persists it.
type SendMessagePayload struct {
	ChatID  string          `json:"chatId" validate:"required,max=128"`
	Message json.RawMessage `json:"message" validate:"jsonobject"`
}

type TypingPayload struct {
	ChatID   string `json:"chatId" validate:"required,max=128"`
	IsTyping *bool  `json:"isTyping" validate:"required"`
}

type UpdatePresencePayload struct {
	IsOnline *bool `json:"isOnline" validate:"required"`
}

type InitiateCallPayload struct {
	ChatID   string `json:"chatId" validate:"required,max=128"`
	CallType string `json:"callType" validate:"required,oneof=voice video"`
}

type AnswerCallPayload struct {
	CallID string `json:"callId" validate:"required,max=128"`
}

type EndCallPayload struct {
	CallID string `json:"callId" validate:"required,max=128"`
}

type UploadFilePayload struct {
	ChatID string          `json:"chatId" validate:"required,max=128"`
	File   json.RawMessage `json:"file" validate:"jsonobject"`
}

func (*AuthenticatePayload) Kind() Event   { return EventAuthenticate }
func (*JoinChatPayload) Kind() Event       { return EventJoinChat }
func (*LeaveChatPayload) Kind() Event      { return EventLeaveChat }
func (*SendMessagePayload) Kind() Event    { return EventSendMessage }
func (*TypingPayload) Kind() Event         { return EventTyping }
func (*UpdatePresencePayload) Kind() Event { return EventUpdatePresence }
func (*InitiateCallPayload) Kind() Event   { return EventInitiateCall }
func (*AnswerCallPayload) Kind() Event     { return EventAnswerCall }
func (*EndCallPayload) Kind() Event        { return EventEndCall }
func (*UploadFilePayload) Kind() Event     { return EventUploadFile }

// Outbound payloads.

type TypingEvent struct {
	UserID   string `json:"userId"`
	ChatID   string `json:"chatId"`
	IsTyping bool   `json:"isTyping"`
}

type PresenceEvent struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
}

type CallEvent struct {
	CallID   string `json:"callId"`
	CallerID string `json:"callerId,omitempty"`
	ChatID   string `json:"chatId,omitempty"`
	CallType string `json:"callType,omitempty"`
	UserID   string `json:"userId,omitempty"`
}

type MessageDeletedEvent struct {
	ID     string `json:"id"`
	ChatID string `json:"chatId"`
}

type ErrorEvent struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}
