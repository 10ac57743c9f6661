package webhook

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"chatrelay/internal/constants"
	apperrors "chatrelay/internal/errors"
	"chatrelay/internal/models"
)

// EventType names a webhook event.
type EventType string

const (
	EventMessage      EventType = "message"
	EventAIToggle     EventType = "ai_toggle"
	EventPhoneAdded   EventType = "phone_added"
	EventPhoneDeleted EventType = "phone_deleted"
)

// Event is a typed webhook body. Its fields are flattened into the envelope.
type Event interface {
	Type() EventType
}

// MessageEvent is emitted for every outbound message.
type MessageEvent struct {
	Message           string  `json:"message"`
	MessageType       string  `json:"message_type"`
	AIActive          bool    `json:"ai_active"`
	AttachmentURL     *string `json:"attachment_url"`
	AttachmentFullURL *string `json:"attachment_full_url"`
	AttachmentName    *string `json:"attachment_name"`
	AttachmentType    *string `json:"attachment_type"`
	AttachmentSize    *int64  `json:"attachment_size"`
	MessageID         int64   `json:"message_id"`
	SentBy            string  `json:"sent_by"`
	TestMode          bool    `json:"test_mode,omitempty"`
}

func (MessageEvent) Type() EventType { return EventMessage }

// NewMessageEvent builds the event for a stored message.
func NewMessageEvent(msg *models.Message, aiActive bool, sentBy string) MessageEvent {
	ev := MessageEvent{
		Message:     msg.Content,
		MessageType: string(msg.Kind),
		AIActive:    aiActive,
		MessageID:   msg.ID,
		SentBy:      sentBy,
	}
	if a := msg.Attachment; a != nil {
		attType := string(a.Type)
		ev.AttachmentURL = &a.URL
		ev.AttachmentFullURL = &a.FullURL
		ev.AttachmentName = &a.Name
		ev.AttachmentType = &attType
		if a.SizeBytes > 0 {
			size := a.SizeBytes
			ev.AttachmentSize = &size
		}
	}
	return ev
}

// AIToggleEvent is emitted when a conversation's automation flag flips.
type AIToggleEvent struct {
	PreviousStatus bool   `json:"previous_status"`
	NewStatus      bool   `json:"new_status"`
	PhoneID        int64  `json:"phone_id"`
	ChangedBy      string `json:"changed_by"`
}

func (AIToggleEvent) Type() EventType { return EventAIToggle }

// PhoneAddedEvent is emitted when a conversation is created by an operator.
type PhoneAddedEvent struct {
	PhoneID  int64  `json:"phone_id"`
	AIActive bool   `json:"ai_active"`
	AddedBy  string `json:"added_by"`
}

func (PhoneAddedEvent) Type() EventType { return EventPhoneAdded }

// PhoneDeletedEvent is emitted when a conversation and its messages are removed.
type PhoneDeletedEvent struct {
	PhoneID         int64  `json:"phone_id"`
	DeletedBy       string `json:"deleted_by"`
	MessagesDeleted int64  `json:"messages_deleted"`
}

func (PhoneDeletedEvent) Type() EventType { return EventPhoneDeleted }

// Envelope header keys.
const (
	FieldEventType   = "event_type"
	FieldPhoneNumber = "phone_number"
	FieldTimestamp   = "timestamp"
)

var requiredFields = []string{FieldEventType, FieldPhoneNumber, FieldTimestamp}

// BuildPayload flattens fields under the envelope header. Header keys
// override any same-named field.
func BuildPayload(eventType EventType, phoneNumber string, fields any, at time.Time) (map[string]any, error) {
	payload := map[string]any{}

	if fields != nil {
		raw, err := json.Marshal(fields)
		if err != nil {
			return nil, fmt.Errorf("event is not serializable: %w", err)
		}
		if string(raw) != "null" {
			if err := json.Unmarshal(raw, &payload); err != nil {
				return nil, fmt.Errorf("event must serialize to an object: %w", err)
			}
		}
	}

	payload[FieldEventType] = string(eventType)
	payload[FieldPhoneNumber] = phoneNumber
	payload[FieldTimestamp] = at.Format(time.RFC3339Nano)
	return payload, nil
}

// ValidatePayload checks the header fields and that the payload encodes.
// It returns the encoded body.
func ValidatePayload(payload map[string]any) ([]byte, error) {
	for _, field := range requiredFields {
		v, ok := payload[field]
		if !ok || v == nil {
			return nil, apperrors.NewValidationError(field, fmt.Sprintf("missing required field: %s", field))
		}
		if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
			return nil, apperrors.NewValidationError(field, fmt.Sprintf("missing required field: %s", field))
		}
	}

	phone, _ := payload[FieldPhoneNumber].(string)
	if utf8.RuneCountInString(strings.TrimSpace(phone)) < constants.MinWebhookPhoneLength {
		return nil, apperrors.NewValidationError(FieldPhoneNumber, "invalid phone number")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, apperrors.NewValidationError("payload", fmt.Sprintf("payload is not serializable: %v", err))
	}
	return body, nil
}
