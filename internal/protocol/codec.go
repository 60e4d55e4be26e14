package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var inboundKinds = map[Event]func() Inbound{
	EventAuthenticate:   func() Inbound { return &AuthenticatePayload{} },
	EventJoinChat:       func() Inbound { return &JoinChatPayload{} },
	EventLeaveChat:      func() Inbound { return &LeaveChatPayload{} },
	EventSendMessage:    func() Inbound { return &SendMessagePayload{} },
	EventTyping:         func() Inbound { return &TypingPayload{} },
	EventUpdatePresence: func() Inbound { return &UpdatePresencePayload{} },
	EventInitiateCall:   func() Inbound { return &InitiateCallPayload{} },
	EventAnswerCall:     func() Inbound { return &AnswerCallPayload{} },
	EventEndCall:        func() Inbound { return &EndCallPayload{} },
	EventUploadFile:     func() Inbound { return &UploadFilePayload{} },
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validator returns the shared validator with the json field naming and the
// jsonobject rule registered. Other packages reuse it for request bodies.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		_ = v.RegisterValidation("jsonobject", func(fl validator.FieldLevel) bool {
			field := fl.Field()
			if field.Kind() != reflect.Slice {
				return false
			}
			return IsJSONObject(field.Bytes())
		})
		validate = v
	})
	return validate
}

// IsJSONObject reports whether raw is a well formed JSON object.
func IsJSONObject(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed)
}

// Decode parses one inbound frame into its typed payload. Any failure is a
// *Error so the caller can answer the sender without inspecting it further.
func Decode(frame []byte) (Inbound, error) {
	var env Envelope
	if err := strictUnmarshal(frame, &env); err != nil {
		return nil, WrapError(CodeInvalidMessage, "malformed envelope", err)
	}
	if env.Event == "" {
		return nil, NewError(CodeInvalidMessage, "missing event")
	}

	newPayload, ok := inboundKinds[env.Event]
	if !ok {
		return nil, NewError(CodeUnknownEvent, fmt.Sprintf("unknown event %q", env.Event))
	}

	data := env.Data
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		data = []byte("{}")
	}

	payload := newPayload()
	if err := strictUnmarshal(data, payload); err != nil {
		return nil, WrapError(CodeBadRequest, fmt.Sprintf("malformed %s payload", env.Event), err)
	}
	if err := ValidateStruct(payload); err != nil {
		return nil, WrapError(CodeBadRequest, fmt.Sprintf("invalid %s payload: %s", env.Event, err.Error()), err)
	}
	return payload, nil
}

// Encode builds an outbound frame.
func Encode(event Event, data any) ([]byte, error) {
	var raw json.RawMessage
	switch d := data.(type) {
	case nil:
	case json.RawMessage:
		raw = d
	default:
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", event, err)
		}
		raw = b
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// ValidateStruct runs the shared validator and flattens the result into a
// readable message such as "chatId is required".
func ValidateStruct(v any) error {
	err := Validator().Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param())
	case "jsonobject":
		return fe.Field() + " must be a JSON object"
	case "max":
		return fmt.Sprintf("%s must be at most %s long", fe.Field(), fe.Param())
	case "min":
		return fmt.Sprintf("%s must have at least %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after JSON value")
	}
	return nil
}
