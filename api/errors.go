// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types and fault taxonomy for the hioload transport.

package api

import (
	"errors"
	"fmt"
)

// Common errors used across the library.
var (
	ErrTransportClosed  = errors.New("transport is closed")
	ErrListenerClosed   = errors.New("listener is closed")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrOperationTimeout = errors.New("operation timeout")
	ErrNotSupported     = errors.New("operation not supported")
	ErrLoopStopping     = errors.New("event loop is stopping")
)

// ErrorCode represents specific error conditions in the library.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeInvalidArgument
	ErrCodeTimeout
	ErrCodeNotSupported
	ErrCodeAddressInUse
	ErrCodeInternal
)

// Error represents a structured error with code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Context) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s (context: %+v)", e.Message, e.Context)
}

// Is lets errors.Is match an *Error against the sentinel of its code.
func (e *Error) Is(target error) bool {
	switch e.Code {
	case ErrCodeInvalidArgument:
		return target == ErrInvalidArgument
	case ErrCodeTimeout:
		return target == ErrOperationTimeout
	case ErrCodeNotSupported:
		return target == ErrNotSupported
	}
	return false
}

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// ConnectionResetError reports that the peer forcibly closed the connection.
type ConnectionResetError struct {
	Err error
}

func (e *ConnectionResetError) Error() string {
	if e.Err == nil {
		return "connection reset by peer"
	}
	return "connection reset by peer: " + e.Err.Error()
}

func (e *ConnectionResetError) Unwrap() error { return e.Err }

// ConnectionAbortedError reports that the connection was canceled locally.
type ConnectionAbortedError struct {
	Reason string
	Err    error
}

// NewConnectionAborted builds an abort fault with the given reason.
func NewConnectionAborted(reason string) *ConnectionAbortedError {
	return &ConnectionAbortedError{Reason: reason}
}

func (e *ConnectionAbortedError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "the connection was aborted"
	}
	if e.Err != nil {
		return reason + ": " + e.Err.Error()
	}
	return reason
}

func (e *ConnectionAbortedError) Unwrap() error { return e.Err }

// IOError is an unexpected I/O fault on a connection or listener.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *IOError) Unwrap() error { return e.Err }

// AddressInUseError is returned by Bind when the endpoint is already taken.
type AddressInUseError struct {
	Endpoint Endpoint
	Err      error
}

func (e *AddressInUseError) Error() string {
	return fmt.Sprintf("address %s is already in use", e.Endpoint)
}

func (e *AddressInUseError) Unwrap() error { return e.Err }

// IsConnectionReset reports whether err is or wraps a reset fault.
func IsConnectionReset(err error) bool {
	var r *ConnectionResetError
	return errors.As(err, &r)
}

// IsConnectionAborted reports whether err is or wraps a local abort.
func IsConnectionAborted(err error) bool {
	var a *ConnectionAbortedError
	return errors.As(err, &a)
}
