package service

// Logging standards for chatrelay.
//
// Field names below are shared by every package that logs so that log
// queries work across the relay, the webhook engine and the HTTP layer.

// Standard Field Names
const (
	// Core identifiers
	LogFieldPhone          = "phone"
	LogFieldConversationID = "conversation_id"
	LogFieldMessageID      = "message_id"
	LogFieldRequestID      = "request_id"
	LogFieldTraceID        = "trace_id"

	// Service and operation fields
	LogFieldService   = "service"
	LogFieldOperation = "operation"
	LogFieldComponent = "component"
	LogFieldMethod    = "method"

	// Message and event fields
	LogFieldEvent       = "event"
	LogFieldEventType   = "event_type"
	LogFieldMessageKind = "message_kind"
	LogFieldDirection   = "direction" // "inbound" or "outbound"
	LogFieldStatus      = "status"

	// Performance and metrics
	LogFieldDuration = "duration_ms"
	LogFieldCount    = "count"
	LogFieldSize     = "size_bytes"

	// Network and external services
	LogFieldURL        = "url"
	LogFieldPath       = "path"
	LogFieldEndpoint   = "endpoint"
	LogFieldStatusCode = "status_code"
	LogFieldRemoteIP   = "remote_ip"
	LogFieldUserAgent  = "user_agent"

	// Attachments
	LogFieldFileName       = "file_name"
	LogFieldAttachmentType = "attachment_type"

	// Error and debugging
	LogFieldErrorCode  = "error_code"
	LogFieldRetryCount = "retry_count"
	LogFieldAttempt    = "attempt"
)

// Log Level Usage
//
// DEBUG: payload details and per-attempt webhook results, verbose mode only.
// INFO: startup/shutdown, messages stored, conversations created or toggled.
// WARN: webhook failures, circuit opened, attachment fetch fallbacks.
// ERROR: storage failures and anything returned to a client as a 5xx.
// FATAL: configuration or storage unavailable at startup.
//
// Message patterns: "Starting [operation]", "Failed to [operation]",
// "Skipping [operation]: [reason]".
