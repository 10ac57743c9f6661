package service

import (
	"context"
	"strings"

	"chatrelay/internal/models"
	"chatrelay/internal/privacy"

	"github.com/sirupsen/logrus"
)

// ContextKey is a package-local type to prevent context key collisions
// See staticcheck SA1029 guidance
type ContextKey string

// VerboseContextKey is the strongly-typed context key for verbose logging flag
const VerboseContextKey ContextKey = "verbose"

// WithVerbose marks ctx for verbose (unmasked) logging.
func WithVerbose(ctx context.Context, verbose bool) context.Context {
	return context.WithValue(ctx, VerboseContextKey, verbose)
}

// IsVerboseLogging checks if verbose logging is enabled from context
func IsVerboseLogging(ctx context.Context) bool {
	if verbose, ok := ctx.Value(VerboseContextKey).(bool); ok {
		return verbose
	}
	return false
}

// LogPhone returns the phone as it should appear in logs for ctx.
func LogPhone(ctx context.Context, phone string) string {
	if IsVerboseLogging(ctx) {
		return phone
	}
	return privacy.MaskPhoneNumber(phone)
}

// SanitizeContent completely hides message content for privacy
func SanitizeContent(content string) string {
	if content == "" {
		return ""
	}
	return "[hidden]"
}

// Preview shortens content for verbose logs.
func Preview(content string, max int) string {
	content = strings.TrimSpace(content)
	r := []rune(content)
	if len(r) <= max {
		return content
	}
	return string(r[:max]) + "..."
}

// LogMessageStored logs a persisted message with privacy controls.
func LogMessageStored(ctx context.Context, logger logrus.FieldLogger, phone string, msg *models.Message) {
	fields := logrus.Fields{
		LogFieldPhone:          LogPhone(ctx, phone),
		LogFieldConversationID: msg.ConversationID,
		LogFieldMessageID:      msg.ID,
		LogFieldMessageKind:    msg.Kind,
	}
	if msg.Attachment != nil {
		fields[LogFieldAttachmentType] = msg.Attachment.Type
	}
	if IsVerboseLogging(ctx) {
		fields["content"] = Preview(msg.Content, 80)
	} else {
		fields["content"] = SanitizeContent(msg.Content)
	}
	logger.WithFields(fields).Info("Message stored")
}
