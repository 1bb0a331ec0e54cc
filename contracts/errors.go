package contracts

import (
	"errors"
	"fmt"
)

var (
	ErrValidation       = errors.New("validation failed")
	ErrAccessDenied     = errors.New("access denied")
	ErrInvalidToken     = errors.New("invalid token")
	ErrNotSignedIn      = errors.New(NotSignedInMessage)
	ErrNotFound         = errors.New("not found")
	ErrUpstream         = errors.New("upstream failure")
	ErrMalformedMessage = errors.New("malformed message")
)

// ValidationError reports a missing or invalid argument. The message is
// returned to the caller verbatim.
type ValidationError struct {
	Field   string
	Message string
}

// Validation creates a ValidationError with a formatted message.
func Validation(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// Mandatory is shorthand for "<field> is mandatory".
func Mandatory(field string) *ValidationError {
	return &ValidationError{Field: field, Message: field + " is mandatory"}
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// AccessDeniedError reports a failed authorization check.
type AccessDeniedError struct {
	Message string
}

// AccessDenied creates an AccessDeniedError. Without arguments the message is
// the generic "Access denied".
func AccessDenied(format string, args ...any) *AccessDeniedError {
	if format == "" {
		return &AccessDeniedError{Message: "Access denied"}
	}
	return &AccessDeniedError{Message: fmt.Sprintf(format, args...)}
}

func (e *AccessDeniedError) Error() string { return e.Message }

func (e *AccessDeniedError) Is(target error) bool { return target == ErrAccessDenied }

// NotFoundError reports a missing entity.
type NotFoundError struct {
	Message string
}

// NotFound creates a NotFoundError with a formatted message.
func NotFound(format string, args ...any) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

func (e *NotFoundError) Error() string { return e.Message }

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// UpstreamError wraps a failure of the store, broker or another external
// collaborator.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	if e.Err == nil {
		return e.Op
	}
	return e.Err.Error()
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func (e *UpstreamError) Is(target error) bool { return target == ErrUpstream }

// Upstream wraps err unless it already carries a domain classification.
func Upstream(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrAccessDenied) ||
		errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidToken) || errors.Is(err, ErrUpstream) {
		return err
	}
	return &UpstreamError{Op: op, Err: err}
}

// MalformedMessageError reports an undecodable envelope or payload.
type MalformedMessageError struct {
	Reason string
}

func (e *MalformedMessageError) Error() string {
	return "malformed message: " + e.Reason
}

func (e *MalformedMessageError) Is(target error) bool { return target == ErrMalformedMessage }

// ErrorSetter is implemented by reply payloads that carry an error field.
type ErrorSetter interface {
	SetError(message string)
}

// ReplyError is embedded in command payloads to report failures.
type ReplyError struct {
	Error string `json:"error,omitempty"`
}

// SetError records message as the reply error.
func (r *ReplyError) SetError(message string) { r.Error = message }
