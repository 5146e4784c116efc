package core

import (
	"fmt"
)

// Error is the engine's typed error. Every failure that crosses a package
// boundary is one of these so callers can branch on Type without string
// matching.
type Error struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	Param      string    `json:"param,omitempty"`
	Code       string    `json:"code,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	Underlying error     `json:"-"`
	RetryAfter *int      `json:"retry_after,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrNotFound       ErrorType = "not_found_error"
	ErrBusy           ErrorType = "busy_error"
	ErrRateLimit      ErrorType = "rate_limit_error"
	ErrAPI            ErrorType = "api_error"
	ErrProvider       ErrorType = "provider_error"
	ErrConfig         ErrorType = "config_error"
)

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{
		Type:    ErrInvalidRequest,
		Message: message,
	}
}

// NewInvalidRequestErrorWithParam creates an invalid request error tied to
// one request parameter.
func NewInvalidRequestErrorWithParam(message, param string) *Error {
	return &Error{
		Type:    ErrInvalidRequest,
		Message: message,
		Param:   param,
	}
}

// NewNotFoundError creates a not found error.
func NewNotFoundError(message string) *Error {
	return &Error{
		Type:    ErrNotFound,
		Message: message,
	}
}

// NewBusyError creates a busy error. Returned when a session already has a
// turn in flight.
func NewBusyError(message string) *Error {
	return &Error{
		Type:    ErrBusy,
		Message: message,
	}
}

// NewRateLimitError creates a rate limit error.
func NewRateLimitError(message string, retryAfter int) *Error {
	return &Error{
		Type:       ErrRateLimit,
		Message:    message,
		RetryAfter: &retryAfter,
	}
}

// NewAPIError creates a generic API error.
func NewAPIError(message string) *Error {
	return &Error{
		Type:    ErrAPI,
		Message: message,
	}
}

// NewProviderError wraps a failure from an external collaborator (model,
// embedding, or live channel).
func NewProviderError(provider string, underlying error) *Error {
	return &Error{
		Type:       ErrProvider,
		Message:    fmt.Sprintf("%s: %v", provider, underlying),
		Underlying: underlying,
	}
}

// NewConfigError creates a configuration error. Configuration failures are
// hard errors for the affected call path and are never retried.
func NewConfigError(message string) *Error {
	return &Error{
		Type:    ErrConfig,
		Message: message,
	}
}

// IsRetryable reports whether the same call may succeed later. The engine
// itself never retries; this is for callers deciding what to do with a
// failed turn.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrBusy, ErrRateLimit, ErrProvider:
		return true
	default:
		return false
	}
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	return e.Underlying
}
