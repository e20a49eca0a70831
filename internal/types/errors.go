package types

import (
	"errors"
	"fmt"
	"time"
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds a consistent API error payload.
// details can be string, map, struct, etc.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

var (
	ErrConfiguration = errors.New("configuration error")
	ErrTimeout       = errors.New("timeout")
	ErrUnmappedState = errors.New("unmapped device state")
	ErrTransport     = errors.New("transport error")
	ErrNotBound      = errors.New("role not bound")
)

// ConfigurationError reports a missing or invalid role/binding. The affected
// axis stays inert; startup continues.
type ConfigurationError struct {
	Component string
	Role      Role
	Reason    string
}

func (e *ConfigurationError) Error() string {
	if e.Role != "" {
		return fmt.Sprintf("%s: role %s: %s", e.Component, e.Role, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Component, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// TimeoutError is returned when a wait for motion or for a phase change
// exceeds its budget.
type TimeoutError struct {
	Operation string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out after %s", e.Operation, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

type UnmappedStateError struct {
	Token string
}

func (e *UnmappedStateError) Error() string {
	return fmt.Sprintf("unmapped device state %q", e.Token)
}

func (e *UnmappedStateError) Unwrap() error { return ErrUnmappedState }

// TransportError wraps a channel read or write failure.
type TransportError struct {
	Channel string
	Op      string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Channel, e.Op, e.Err)
}

func (e *TransportError) Unwrap() []error { return []error{ErrTransport, e.Err} }
