// Package apierr provides the control plane's tagged-variant error type.
// Errors cross component boundaries as a Kind, not a bare string; the HTTP
// layer (internal/orchestrator/api) is the single place that maps a Kind to
// a status code, per the "framework-bound endpoints -> tagged variants"
// design note.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind tags an Error with its caller-facing category.
type Kind string

const (
	KindValidation       Kind = "VALIDATION_ERROR"
	KindAuth             Kind = "AUTH_ERROR"
	KindPermission       Kind = "PERMISSION_ERROR"
	KindNotFound         Kind = "NOT_FOUND"
	KindConflict         Kind = "CONFLICT"
	KindQueueFull        Kind = "QUEUE_FULL"
	KindAgentNotReachable Kind = "AGENT_NOT_REACHABLE"
	KindAgentBusy        Kind = "AGENT_BUSY"
	KindQueueUnavailable Kind = "QUEUE_UNAVAILABLE"
	KindQueueTimeout     Kind = "QUEUE_TIMEOUT"
	KindInternal         Kind = "INTERNAL"
)

// Error is the control plane's tagged variant error.
type Error struct {
	Kind    Kind
	Message string
	Cause   error

	// RetryAfterSeconds is attached to QueueFull errors so the HTTP layer
	// can set the Retry-After header from the running execution's
	// remaining TTL.
	RetryAfterSeconds int

	// Details carries Kind-specific metadata the HTTP layer serializes
	// alongside the error body -- e.g. AgentBusy attaches the execution
	// that's currently occupying the agent.
	Details any
}

// WithDetails attaches Kind-specific metadata and returns e for chaining.
func (e *Error) WithDetails(details any) *Error {
	e.Details = details
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause for use with errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error of the given kind around cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// NotFound creates a NotFound error for a resource.
func NotFound(resource, id string) *Error {
	return New(KindNotFound, fmt.Sprintf("%s '%s' not found", resource, id))
}

// Validation creates a ValidationError.
func Validation(message string) *Error {
	return New(KindValidation, message)
}

// Conflict creates a Conflict error.
func Conflict(message string) *Error {
	return New(KindConflict, message)
}

// Permission creates a PermissionError.
func Permission(message string) *Error {
	return New(KindPermission, message)
}

// Auth creates an AuthError.
func Auth(message string) *Error {
	return New(KindAuth, message)
}

// QueueFull creates a QueueFullError carrying the queue length and the
// Retry-After hint derived from the running execution's remaining TTL.
func QueueFull(queueLength, retryAfterSeconds int) *Error {
	return &Error{
		Kind:              KindQueueFull,
		Message:           fmt.Sprintf("queue full (%d waiting)", queueLength),
		RetryAfterSeconds: retryAfterSeconds,
	}
}

// AgentBusy creates an AgentBusy error.
func AgentBusy(message string) *Error {
	return New(KindAgentBusy, message)
}

// AgentNotReachable creates an AgentNotReachable error.
func AgentNotReachable(agentName string, cause error) *Error {
	return Wrap(KindAgentNotReachable, fmt.Sprintf("agent '%s' not reachable", agentName), cause)
}

// Internal creates an Internal error. The caller-facing message is message
// alone; cause is kept for errors.Is/As and is not written to the response.
// The HTTP layer attaches no correlation ID and does not log the cause.
func Internal(message string, cause error) *Error {
	return Wrap(KindInternal, message, cause)
}

// As extracts an *Error from err, if any is present in its chain.
func As(err error) (*Error, bool) {
	var apiErr *Error
	ok := errors.As(err, &apiErr)
	return apiErr, ok
}

// KindOf returns the Kind of err, or KindInternal if err is not an *Error.
func KindOf(err error) Kind {
	if apiErr, ok := As(err); ok {
		return apiErr.Kind
	}
	return KindInternal
}

// HTTPStatus maps err's Kind to an HTTP status code. This is the only
// function in the codebase allowed to know this mapping.
func HTTPStatus(err error) int {
	apiErr, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}

	switch apiErr.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindPermission:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindQueueFull, KindQueueTimeout:
		return http.StatusTooManyRequests
	case KindAgentNotReachable, KindQueueUnavailable:
		return http.StatusServiceUnavailable
	case KindAgentBusy:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
