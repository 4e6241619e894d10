package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is stamped on every envelope.
const ProtocolVersion = "1.0"

// Kind is the envelope message type.
type Kind string

const (
	KindRequest      Kind = "request"
	KindResponse     Kind = "response"
	KindNotification Kind = "notification"
)

// ActionError is the payload action of a failed response.
const ActionError = "error"

// Payload is the action name plus its structured data.
type Payload struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the payload data into v.
func (p Payload) Decode(v any) error {
	if len(p.Data) == 0 {
		return fmt.Errorf("%w: payload %q has no data", ErrProtocol, p.Action)
	}
	if err := json.Unmarshal(p.Data, v); err != nil {
		return fmt.Errorf("%w: decode payload %q: %v", ErrProtocol, p.Action, err)
	}
	return nil
}

// NewPayload encodes data under action.
func NewPayload(action string, data any) (Payload, error) {
	if data == nil {
		return Payload{Action: action}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Payload{}, fmt.Errorf("encode payload %q: %w", action, err)
	}
	return Payload{Action: action, Data: raw}, nil
}

// Envelope is a single message exchanged between components.
type Envelope struct {
	ProtocolVersion string    `json:"protocol_version"`
	MessageID       string    `json:"message_id"`
	Timestamp       time.Time `json:"timestamp"`
	Sender          string    `json:"sender"`
	Recipient       string    `json:"recipient"`
	Kind            Kind      `json:"message_type"`
	Payload         Payload   `json:"payload"`
	ConversationID  string    `json:"conversation_id"`
	CorrelationID   string    `json:"correlation_id"`
}

// NewRequest builds a request envelope. A request correlates to itself; the
// matching response carries the same correlation id.
func NewRequest(sender, recipient, conversationID, action string, data any) (Envelope, error) {
	payload, err := NewPayload(action, data)
	if err != nil {
		return Envelope{}, err
	}
	id := uuid.NewString()
	return Envelope{
		ProtocolVersion: ProtocolVersion,
		MessageID:       id,
		Timestamp:       time.Now().UTC(),
		Sender:          sender,
		Recipient:       recipient,
		Kind:            KindRequest,
		Payload:         payload,
		ConversationID:  conversationID,
		CorrelationID:   id,
	}, nil
}

// NewNotification builds a one-way envelope that expects no response.
func NewNotification(sender, recipient, conversationID, action string, data any) (Envelope, error) {
	env, err := NewRequest(sender, recipient, conversationID, action, data)
	if err != nil {
		return Envelope{}, err
	}
	env.Kind = KindNotification
	return env, nil
}

// Reply builds the response to e.
func (e Envelope) Reply(sender, action string, data any) (Envelope, error) {
	payload, err := NewPayload(action, data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		ProtocolVersion: ProtocolVersion,
		MessageID:       uuid.NewString(),
		Timestamp:       time.Now().UTC(),
		Sender:          sender,
		Recipient:       e.Sender,
		Kind:            KindResponse,
		Payload:         payload,
		ConversationID:  e.ConversationID,
		CorrelationID:   e.CorrelationID,
	}, nil
}

// ReplyError builds an error response to e classified by err.
func (e Envelope) ReplyError(sender string, err error) Envelope {
	data := ErrorData{Code: ErrorCode(err), Error: err.Error()}
	var ve *ValidationError
	if errors.As(err, &ve) {
		data.Field = ve.Field
		data.Constraint = ve.Constraint
	}
	raw, _ := json.Marshal(data)
	return Envelope{
		ProtocolVersion: ProtocolVersion,
		MessageID:       uuid.NewString(),
		Timestamp:       time.Now().UTC(),
		Sender:          sender,
		Recipient:       e.Sender,
		Kind:            KindResponse,
		Payload:         Payload{Action: ActionError, Data: raw},
		ConversationID:  e.ConversationID,
		CorrelationID:   e.CorrelationID,
	}
}

// IsError reports whether e carries an error payload.
func (e Envelope) IsError() bool {
	return e.Payload.Action == ActionError
}

// Err returns the classified error carried by an error payload, or nil.
func (e Envelope) Err() error {
	if !e.IsError() {
		return nil
	}
	var data ErrorData
	if err := json.Unmarshal(e.Payload.Data, &data); err != nil {
		return fmt.Errorf("%w: malformed error payload from %s", ErrProtocol, e.Sender)
	}
	return data.Err()
}

// ErrorData is the data of an error payload.
type ErrorData struct {
	Code       string `json:"code"`
	Error      string `json:"error"`
	Field      string `json:"field,omitempty"`
	Constraint string `json:"constraint,omitempty"`
}

// Err converts the payload back into a classified error.
func (d ErrorData) Err() error {
	if d.Code == CodeValidation && d.Field != "" {
		return NewValidationError(d.Field, d.Constraint)
	}
	return ErrorFromCode(d.Code, d.Error)
}

// Validate checks the required envelope fields.
func (e Envelope) Validate() error {
	missing := func(field string) error {
		return fmt.Errorf("%w: envelope missing %s", ErrProtocol, field)
	}
	switch {
	case e.ProtocolVersion == "":
		return missing("protocol_version")
	case e.MessageID == "":
		return missing("message_id")
	case e.Timestamp.IsZero():
		return missing("timestamp")
	case e.Sender == "":
		return missing("sender")
	case e.Recipient == "":
		return missing("recipient")
	case e.Kind == "":
		return missing("message_type")
	case e.Payload.Action == "":
		return missing("payload.action")
	case e.ConversationID == "":
		return missing("conversation_id")
	case e.CorrelationID == "":
		return missing("correlation_id")
	}
	switch e.Kind {
	case KindRequest, KindResponse, KindNotification:
	default:
		return fmt.Errorf("%w: unknown message_type %q", ErrProtocol, e.Kind)
	}
	if e.ProtocolVersion != ProtocolVersion {
		return fmt.Errorf("%w: unsupported protocol_version %q", ErrProtocol, e.ProtocolVersion)
	}
	return nil
}
