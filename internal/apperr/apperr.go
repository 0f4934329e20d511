// Package apperr defines the stable error kinds that cross component
// boundaries, per the propagation policy: components return typed errors
// to their immediate caller, and the gateway maps them to HTTP status.
package apperr

import "fmt"

// Kind is a stable error category surfaced to callers; never a stack trace.
type Kind string

const (
	KindBadRequest Kind = "bad_request"
	KindForbidden  Kind = "forbidden"
	KindStorage    Kind = "storage"
	KindAllocator  Kind = "allocator"
	KindDriver     Kind = "driver"
	KindConfig     Kind = "config"
)

// Error is a typed application error carrying a stable kind and message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func BadRequest(message string) *Error { return New(KindBadRequest, message) }
func Forbidden(message string) *Error  { return New(KindForbidden, message) }

func Storage(message string, err error) *Error   { return Wrap(KindStorage, message, err) }
func Allocator(message string, err error) *Error { return Wrap(KindAllocator, message, err) }
func Driver(message string, err error) *Error    { return Wrap(KindDriver, message, err) }

// ErrOutOfPorts is the specific allocator error used by the port-exhaustion scenario.
var ErrOutOfPorts = New(KindAllocator, "out of ports")

// ErrInvalidPort signals extend() called on a port that is not in-use.
var ErrInvalidPort = New(KindAllocator, "invalid port")
