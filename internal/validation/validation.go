package validation

import (
	stderrors "errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"unicode"

	"chatrelay/internal/errors"

	"github.com/go-playground/validator/v10"
)

const maxPhoneNumberLength = 32

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func instance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("phone", func(fl validator.FieldLevel) bool {
			return ValidatePhoneNumber(fl.Field().String()) == nil
		})
	})
	return validate
}

// Struct validates v against its `validate` tags and reports the first
// failing field as a validation error.
func Struct(v interface{}) error {
	err := instance().Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if stderrors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return errors.NewValidationError(fe.Namespace(), describe(fe))
	}
	return errors.Wrap(err, errors.ErrCodeValidationFailed, "validation failed")
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return fmt.Sprintf("%s is required", fe.Field())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", fe.Field())
	case "phone":
		return fmt.Sprintf("%s is not a valid phone number", fe.Field())
	case "gte", "min":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "lte", "max":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}

// ValidatePhoneNumber accepts the loose formats senders use: digits with an
// optional leading plus and common separators.
func ValidatePhoneNumber(phone string) error {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return errors.New(errors.ErrCodeInvalidInput, "phone number cannot be empty")
	}
	if len(phone) > maxPhoneNumberLength {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("phone number too long (max %d characters)", maxPhoneNumberLength))
	}
	digits := 0
	for i, char := range phone {
		switch {
		case unicode.IsDigit(char):
			digits++
		case char == '+' && i == 0:
		case char == ' ' || char == '-' || char == '(' || char == ')' || char == '.':
		default:
			return errors.New(errors.ErrCodeInvalidInput, "phone number contains invalid characters")
		}
	}
	if digits == 0 {
		return errors.New(errors.ErrCodeInvalidInput, "phone number must contain digits")
	}
	return nil
}

// ValidateWebhookURL requires an absolute http(s) URL with a host.
func ValidateWebhookURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.NewValidationError("webhook_url", "Webhook URL is required")
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return errors.NewValidationError("webhook_url", "URL must start with http:// or https://")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return errors.NewValidationError("webhook_url", "URL is not valid")
	}
	return nil
}

// ValidateTimeout validates timeout values
func ValidateTimeout(timeoutSec int, fieldName string) error {
	if timeoutSec <= 0 {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s must be positive", fieldName))
	}
	if timeoutSec > 3600 {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too large (max 3600 seconds)", fieldName))
	}
	return nil
}
