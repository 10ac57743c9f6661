package models

import (
	"encoding/json"
	"time"
)

// MessageKind tags who produced a message.
type MessageKind string

const (
	// KindLead is a message received from outside.
	KindLead MessageKind = "lead"
	// KindUser is a human-sent message while automation is off.
	KindUser MessageKind = "user"
	// KindAI is an automation-sent message while automation is on.
	KindAI MessageKind = "ai"
)

// Valid reports whether k is one of the known kinds.
func (k MessageKind) Valid() bool {
	switch k {
	case KindLead, KindUser, KindAI:
		return true
	}
	return false
}

// Direction is the flow of a message relative to this system.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// Conversation is a phone-number-addressed thread with an automation flag.
type Conversation struct {
	ID        int64     `json:"id"`
	Number    string    `json:"number"`
	AIActive  bool      `json:"ai_active"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is one stored chat message. Attachment is nil when the message
// carries none.
type Message struct {
	ID             int64
	ConversationID int64
	Content        string
	Kind           MessageKind
	CreatedAt      time.Time
	Attachment     *Attachment
}

// HasAttachment reports whether the message carries an attachment.
func (m *Message) HasAttachment() bool {
	return m.Attachment != nil
}

type messageJSON struct {
	ID                int64       `json:"id"`
	PhoneNumberID     int64       `json:"phone_number_id"`
	Content           string      `json:"content"`
	Type              MessageKind `json:"type"`
	CreatedAt         *time.Time  `json:"created_at"`
	AttachmentURL     *string     `json:"attachment_url"`
	AttachmentFullURL *string     `json:"attachment_full_url"`
	AttachmentName    *string     `json:"attachment_name"`
	AttachmentType    *string     `json:"attachment_type"`
	AttachmentSize    *int64      `json:"attachment_size"`
}

// MarshalJSON renders the message with flat attachment_* fields, null when absent.
func (m Message) MarshalJSON() ([]byte, error) {
	out := messageJSON{
		ID:            m.ID,
		PhoneNumberID: m.ConversationID,
		Content:       m.Content,
		Type:          m.Kind,
	}
	if !m.CreatedAt.IsZero() {
		created := m.CreatedAt.UTC()
		out.CreatedAt = &created
	}
	if a := m.Attachment; a != nil {
		attType := string(a.Type)
		out.AttachmentURL = &a.URL
		out.AttachmentFullURL = &a.FullURL
		out.AttachmentName = &a.Name
		out.AttachmentType = &attType
		if a.SizeBytes > 0 {
			size := a.SizeBytes
			out.AttachmentSize = &size
		}
	}
	return json.Marshal(out)
}
