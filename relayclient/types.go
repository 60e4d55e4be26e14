package relayclient

import "go-tgchat/internal/protocol"

// Payload and error types shared with the relay.
type (
	Event               = protocol.Event
	ErrorCode           = protocol.ErrorCode
	Error               = protocol.Error
	TypingEvent         = protocol.TypingEvent
	PresenceEvent       = protocol.PresenceEvent
	CallEvent           = protocol.CallEvent
	MessageDeletedEvent = protocol.MessageDeletedEvent
)
