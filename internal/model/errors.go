package model

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every component. Codes travel on the wire in
// error payloads and are mapped back with ErrorFromCode.
var (
	ErrProtocol               = errors.New("protocol error")
	ErrUnknownRecipient       = errors.New("unknown recipient")
	ErrInterpreterUnavailable = errors.New("interpreter unavailable")
	ErrInterpreterTimeout     = errors.New("interpreter timeout")
	ErrCalendarWrite          = errors.New("calendar write failure")
	ErrCalendarRead           = errors.New("calendar read failure")
	ErrValidation             = errors.New("validation error")
	ErrSessionBusy            = errors.New("session busy")
)

// Wire error codes.
const (
	CodeProtocol               = "protocol_error"
	CodeUnknownRecipient       = "unknown_recipient"
	CodeInterpreterUnavailable = "interpreter_unavailable"
	CodeInterpreterTimeout     = "interpreter_timeout"
	CodeCalendarWrite          = "calendar_write_failure"
	CodeCalendarRead           = "calendar_read_failure"
	CodeValidation             = "validation_error"
	CodeInternal               = "internal_error"
)

// ValidationError names the violated constraint.
type ValidationError struct {
	Field      string `json:"field"`
	Constraint string `json:"constraint"`
}

// NewValidationError creates a validation error for field.
func NewValidationError(field, constraint string) *ValidationError {
	return &ValidationError{Field: field, Constraint: constraint}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Constraint)
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// ErrorCode returns the wire code for err.
func ErrorCode(err error) string {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve), errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrUnknownRecipient):
		return CodeUnknownRecipient
	case errors.Is(err, ErrProtocol):
		return CodeProtocol
	case errors.Is(err, ErrInterpreterTimeout):
		return CodeInterpreterTimeout
	case errors.Is(err, ErrInterpreterUnavailable):
		return CodeInterpreterUnavailable
	case errors.Is(err, ErrCalendarWrite):
		return CodeCalendarWrite
	case errors.Is(err, ErrCalendarRead):
		return CodeCalendarRead
	default:
		return CodeInternal
	}
}

// ErrorFromCode rebuilds a classified error from a wire error payload.
func ErrorFromCode(code, message string) error {
	var base error
	switch code {
	case CodeValidation:
		base = ErrValidation
	case CodeUnknownRecipient:
		base = ErrUnknownRecipient
	case CodeProtocol:
		base = ErrProtocol
	case CodeInterpreterTimeout:
		base = ErrInterpreterTimeout
	case CodeInterpreterUnavailable:
		base = ErrInterpreterUnavailable
	case CodeCalendarWrite:
		base = ErrCalendarWrite
	case CodeCalendarRead:
		base = ErrCalendarRead
	default:
		return errors.New(message)
	}
	return fmt.Errorf("%w: %s", base, message)
}
