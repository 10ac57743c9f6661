package database

import (
	"context"
	"time"

	"chatrelay/internal/models"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Store is the conversation and message persistence contract. Lookups that
// find nothing return a nil value and a nil error.
type Store interface {
	GetConversation(ctx context.Context, number string) (*models.Conversation, error)
	GetConversationByID(ctx context.Context, id int64) (*models.Conversation, error)
	// CreateConversation is idempotent under concurrent calls for the same
	// number. created reports whether this call inserted the row.
	CreateConversation(ctx context.Context, number string) (conv *models.Conversation, created bool, err error)
	ListConversations(ctx context.Context) ([]models.Conversation, error)
	// ToggleAutomation flips the flag in a single statement and returns the
	// updated conversation, or nil when id is unknown.
	ToggleAutomation(ctx context.Context, id int64) (*models.Conversation, error)
	DeleteConversation(ctx context.Context, id int64) (deleted bool, messagesDeleted int, err error)

	CreateMessage(ctx context.Context, conversationID int64, content string, kind models.MessageKind, att *models.Attachment) (*models.Message, error)
	// RecordInbound creates the conversation if needed and stores a lead
	// message in one transaction.
	RecordInbound(ctx context.Context, number, content string, att *models.Attachment) (conv *models.Conversation, msg *models.Message, created bool, err error)
	// ListMessages returns up to limit messages, oldest first.
	ListMessages(ctx context.Context, conversationID int64, limit int) ([]models.Message, error)
	CountMessagesBetween(ctx context.Context, start, end time.Time) (total, ai int, err error)

	Migrate(ctx context.Context) ([]int, error)
	Ping(ctx context.Context) error
	Driver() string
	Close() error
}

// Clock supplies message timestamps.
type Clock func() time.Time

func utcNow() time.Time {
	return time.Now().UTC()
}

// nextTimestamp keeps created_at non-decreasing within a conversation even
// when the wall clock steps backwards.
func nextTimestamp(now, latest time.Time) time.Time {
	if !latest.IsZero() && now.Before(latest) {
		return latest
	}
	return now
}

func validateMessage(content string, kind models.MessageKind, att *models.Attachment) error {
	if !kind.Valid() {
		return errInvalidKind(kind)
	}
	if content == "" && att == nil {
		return errEmptyMessage()
	}
	if att != nil {
		if _, ok := models.ParseAttachmentType(string(att.Type)); !ok {
			att.Type = models.AttachmentFile
		}
		if att.SizeBytes < 0 {
			att.SizeBytes = 0
		}
	}
	return nil
}
