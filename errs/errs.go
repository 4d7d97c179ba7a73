// Package errs provides structured error types and helpers for Courier services.
package errs

import (
	"strconv"
	"strings"
)

// Code identifies a failure category within the federation pipeline.
type Code string

const (
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
	// CodeStore indicates a durable storage failure.
	CodeStore Code = "store"
	// CodeResolver indicates a room-state or interest resolution failure.
	CodeResolver Code = "resolver"
	// CodeUnavailable indicates the component is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeConflict indicates a concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeRateLimited indicates the remote rejected us for exceeding limits.
	CodeRateLimited Code = "rate_limited"
)

// E captures structured error information produced across the Courier stack.
type E struct {
	Component   string
	Code        Code
	Message     string
	Destination string
	RoomID      string
	EventID     string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component:   strings.TrimSpace(component),
		Code:        code,
		Message:     "",
		Destination: "",
		RoomID:      "",
		EventID:     "",
		cause:       nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithDestination records the remote server the operation targeted.
func WithDestination(destination string) Option {
	trimmed := strings.TrimSpace(destination)
	return func(e *E) {
		e.Destination = trimmed
	}
}

// WithRoom records the room the operation concerned.
func WithRoom(roomID string) Option {
	trimmed := strings.TrimSpace(roomID)
	return func(e *E) {
		e.RoomID = trimmed
	}
}

// WithEvent records the event the operation concerned.
func WithEvent(eventID string) Option {
	trimmed := strings.TrimSpace(eventID)
	return func(e *E) {
		e.EventID = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Destination != "" {
		parts = append(parts, "destination="+e.Destination)
	}
	if e.RoomID != "" {
		parts = append(parts, "room="+e.RoomID)
	}
	if e.EventID != "" {
		parts = append(parts, "event="+e.EventID)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is reports whether target is an *E with the same component and code.
func (e *E) Is(target error) bool {
	other, ok := target.(*E)
	if !ok {
		return false
	}
	if other.Code != "" && other.Code != e.Code {
		return false
	}
	if other.Component != "" && other.Component != e.Component {
		return false
	}
	return true
}
