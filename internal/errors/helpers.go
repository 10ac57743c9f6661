package errors

import (
	"fmt"
	"net/http"
)

// NewValidationError creates a validation error with field context
func NewValidationError(field, message string) *AppError {
	return New(ErrCodeValidationFailed, message).
		WithContext("field", field).
		WithUserMessage(message)
}

// NewConfigError creates a configuration error
func NewConfigError(key, message string) *AppError {
	return New(ErrCodeInvalidConfig, message).
		WithContext("config_key", key).
		WithUserMessage("Configuration error")
}

// NewDatabaseError creates a database error with operation context
func NewDatabaseError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeDatabaseQuery, fmt.Sprintf("database %s failed", operation)).
		WithContext("operation", operation).
		WithUserMessage("Database operation failed")
}

// NewNotFoundError creates a not found error with resource context
func NewNotFoundError(resource, identifier string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource)).
		WithContext("resource", resource).
		WithContext("identifier", identifier).
		WithUserMessage(fmt.Sprintf("%s not found", resource))
}

// NewAttachmentError creates an attachment processing error
func NewAttachmentError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeAttachment, fmt.Sprintf("attachment %s failed", operation)).
		WithContext("operation", operation).
		WithUserMessage("Attachment processing failed")
}

// NewTooLargeError reports a payload over the configured ceiling.
func NewTooLargeError(size, limit int64) *AppError {
	return New(ErrCodeTooLarge, fmt.Sprintf("file too large: %d bytes (max: %d)", size, limit)).
		WithContext("size", size).
		WithContext("limit", limit).
		WithUserMessage(fmt.Sprintf("File too large. Maximum: %dMB", limit/(1024*1024)))
}

// NewAuthError creates an authentication error
func NewAuthError(reason string) *AppError {
	return New(ErrCodeAuthentication, "authentication failed").
		WithContext("reason", reason).
		WithUserMessage("Authentication failed")
}

// HTTPStatusCode maps error codes to HTTP status codes
func HTTPStatusCode(err error) int {
	switch GetCode(err) {
	case ErrCodeValidationFailed, ErrCodeInvalidInput, ErrCodeInvalidConfig:
		return http.StatusBadRequest
	case ErrCodeTooLarge:
		return http.StatusRequestEntityTooLarge
	case ErrCodeAuthentication:
		return http.StatusUnauthorized
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case ErrCodeWebhook, ErrCodeAttachment:
		if IsRetryable(err) {
			return http.StatusBadGateway
		}
		return http.StatusInternalServerError
	case ErrCodeDatabaseConnection, ErrCodeDatabaseQuery, ErrCodeDatabaseMigration:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HTTPErrorResponse is the failure body rendered by handlers.
type HTTPErrorResponse struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	Code      ErrorCode `json:"code"`
	RequestID string    `json:"request_id,omitempty"`
}

// ToHTTPResponse converts an error to the failure body
func ToHTTPResponse(err error, requestID string) HTTPErrorResponse {
	return HTTPErrorResponse{
		Success:   false,
		Message:   GetUserMessage(err),
		Code:      GetCode(err),
		RequestID: requestID,
	}
}
