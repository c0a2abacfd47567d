// Package errors provides typed errors for the trade gateway.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common error cases.
var (
	// ErrNotFound indicates a resource was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrValidation indicates a validation error.
	ErrValidation = errors.New("validation error")

	// ErrInternal indicates an internal server error.
	ErrInternal = errors.New("internal error")

	// ErrRateLimit indicates too many requests.
	ErrRateLimit = errors.New("rate limit exceeded")

	// ErrInvalidCredential indicates a credential failed broker-specific
	// validation at registration or was rejected before any upstream call.
	ErrInvalidCredential = errors.New("invalid credential")

	// ErrUnknownBroker indicates an unsupported broker identifier.
	ErrUnknownBroker = errors.New("unknown broker")

	// ErrStateMismatch indicates the anti-forgery state echoed by an OAuth
	// callback did not match the state issued at login start.
	ErrStateMismatch = errors.New("state mismatch")

	// ErrUpstreamUnavailable indicates the broker API could not be reached
	// or returned a non-auth failure.
	ErrUpstreamUnavailable = errors.New("broker upstream unavailable")

	// ErrAuthRejected indicates the broker rejected the supplied
	// credentials or tokens during a login exchange.
	ErrAuthRejected = errors.New("authentication rejected by broker")

	// ErrReauthRequired indicates the session cannot be healed
	// automatically and the user must log in again.
	ErrReauthRequired = errors.New("re-authentication required")

	// ErrSessionNotFound indicates no session exists for the requested
	// broker and user.
	ErrSessionNotFound = errors.New("session not found")

	// ErrLoginInProgress indicates another login attempt for the same
	// broker and user is already underway.
	ErrLoginInProgress = errors.New("login already in progress")
)

// AppError is a structured application error.
type AppError struct {
	// Type is the error type (sentinel error).
	Type error
	// Message is the user-facing error message.
	Message string
	// Details contains additional error details.
	Details map[string]any
	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error type.
func (e *AppError) Unwrap() error {
	return e.Type
}

// Is checks if this error matches the target.
func (e *AppError) Is(target error) bool {
	return errors.Is(e.Type, target)
}

// New creates a new AppError.
func New(errType error, message string) *AppError {
	return &AppError{
		Type:    errType,
		Message: message,
	}
}

// Wrap wraps an error with additional context.
func Wrap(errType error, message string, cause error) *AppError {
	return &AppError{
		Type:    errType,
		Message: message,
		Cause:   cause,
	}
}

// WithDetails adds details to an AppError.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	e.Details = details
	return e
}

// NotFound creates a not found error.
func NotFound(resource string) *AppError {
	return &AppError{
		Type:    ErrNotFound,
		Message: fmt.Sprintf("%s not found", resource),
	}
}

// Validation creates a validation error.
func Validation(message string) *AppError {
	return &AppError{
		Type:    ErrValidation,
		Message: message,
	}
}

// ValidationField creates a validation error for a specific field.
func ValidationField(field, message string) *AppError {
	return &AppError{
		Type:    ErrValidation,
		Message: message,
		Details: map[string]any{"field": field},
	}
}

// InvalidCredential creates an invalid credential error.
func InvalidCredential(message string) *AppError {
	return &AppError{
		Type:    ErrInvalidCredential,
		Message: message,
	}
}

// UnknownBroker creates an unknown broker error.
func UnknownBroker(broker string) *AppError {
	return &AppError{
		Type:    ErrUnknownBroker,
		Message: fmt.Sprintf("unknown broker %q", broker),
	}
}

// Upstream wraps a transport or non-auth upstream failure.
func Upstream(message string, cause error) *AppError {
	return &AppError{
		Type:    ErrUpstreamUnavailable,
		Message: message,
		Cause:   cause,
	}
}

// AuthRejected creates an authentication rejected error.
func AuthRejected(message string) *AppError {
	return &AppError{
		Type:    ErrAuthRejected,
		Message: message,
	}
}

// ReauthRequired creates a re-authentication required error. loginURL may
// be empty when the broker has no redirect flow.
func ReauthRequired(broker, loginURL string) *AppError {
	e := &AppError{
		Type:    ErrReauthRequired,
		Message: fmt.Sprintf("session for %s expired, please log in again", broker),
	}
	if loginURL != "" {
		e.Details = map[string]any{"login_url": loginURL}
	}
	return e
}

// Internal creates an internal error.
func Internal(message string, cause error) *AppError {
	return &AppError{
		Type:    ErrInternal,
		Message: message,
		Cause:   cause,
	}
}

// IsNotFound checks if an error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation checks if an error is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsReauthRequired checks if an error requires a fresh user login.
func IsReauthRequired(err error) bool {
	return errors.Is(err, ErrReauthRequired)
}

// IsStateMismatch checks if an error is a callback state mismatch.
func IsStateMismatch(err error) bool {
	return errors.Is(err, ErrStateMismatch)
}

// IsUpstream checks if an error is an upstream availability error.
func IsUpstream(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable)
}

// HTTPStatus returns the appropriate HTTP status code for an error.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrSessionNotFound):
		return 404
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidCredential),
		errors.Is(err, ErrUnknownBroker), errors.Is(err, ErrStateMismatch):
		return 400
	case errors.Is(err, ErrAuthRejected), errors.Is(err, ErrReauthRequired):
		return 401
	case errors.Is(err, ErrLoginInProgress):
		return 409
	case errors.Is(err, ErrRateLimit):
		return 429
	case errors.Is(err, ErrUpstreamUnavailable):
		return 502
	default:
		return 500
	}
}
