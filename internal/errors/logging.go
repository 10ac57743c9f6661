package errors

import (
	"github.com/sirupsen/logrus"
)

// Fields returns the structured fields carried by an AppError in err's chain.
func Fields(err error) logrus.Fields {
	fields := logrus.Fields{}
	appErr, ok := asAppError(err)
	if !ok {
		return fields
	}
	fields["error_code"] = appErr.Code
	fields["retryable"] = appErr.Retryable
	for k, v := range appErr.Context {
		fields[k] = v
	}
	return fields
}

// LogError logs err at error level, or warn level when it is retryable.
func LogError(logger logrus.FieldLogger, err error, message string) {
	entry := logger.WithError(err).WithFields(Fields(err))
	if IsRetryable(err) {
		entry.Warn(message)
		return
	}
	entry.Error(message)
}
