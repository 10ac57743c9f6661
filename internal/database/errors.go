package database

import (
	stderrors "errors"
	"fmt"

	"chatrelay/internal/errors"
	"chatrelay/internal/models"
)

// ErrInvalidConfig marks database settings that no retry can fix.
var ErrInvalidConfig = stderrors.New("invalid database configuration")

// IsRetryableOpenError reports whether opening the store may succeed later.
func IsRetryableOpenError(err error) bool {
	return err != nil && !stderrors.Is(err, ErrInvalidConfig)
}

func errEmptyMessage() error {
	return errors.NewValidationError("content", "message must have either content or attachment")
}

func errInvalidKind(kind models.MessageKind) error {
	return errors.NewValidationError("type", fmt.Sprintf("invalid message type %q", kind))
}
