package rpc

import (
	"errors"
	"fmt"

	"apphost/packet"
)

var (
	// ErrNoSuchMethod matches a RemoteError whose server had no handler for the method.
	ErrNoSuchMethod = errors.New("rpc: no such method")
	// ErrServiceTerminated fails calls whose remote process went away before answering.
	ErrServiceTerminated = errors.New("rpc: service terminated")
	// ErrClientClosed is returned for calls on a closed client.
	ErrClientClosed = errors.New("rpc: client closed")
)

// RemoteError is an error reported by the remote handler.
type RemoteError struct {
	Method  string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("rpc: %s: %s", e.Method, e.Message)
	}
	return fmt.Sprintf("rpc: %s: %s (%s)", e.Method, e.Message, e.Code)
}

// Is lets errors.Is(err, ErrNoSuchMethod) see through a remote error.
func (e *RemoteError) Is(target error) bool {
	return target == ErrNoSuchMethod && e.Code == packet.CodeNoMethod
}

// Error makes a handler error carry a specific code to the caller.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

// Errorf builds a coded handler error.
func Errorf(code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}
