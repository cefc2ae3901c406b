package api

import (
	"errors"
	"fmt"
)

// ErrorKind is the wire tag of an error response.
type ErrorKind string

const (
	KindGeneric            ErrorKind = "generic"
	KindInvalidRequest     ErrorKind = "invalid_request"
	KindPluginNotFound     ErrorKind = "plugin_not_found"
	KindDebuggerNotPresent ErrorKind = "debugger_not_present"
	KindTimedOut           ErrorKind = "timed_out"
	KindMissingField       ErrorKind = "missing_field"
	KindTooManyPending     ErrorKind = "too_many_pending"
)

var kindCodes = map[ErrorKind]int{
	KindGeneric:            0x1000,
	KindInvalidRequest:     0x1001,
	KindPluginNotFound:     0x1002,
	KindDebuggerNotPresent: 0x1004,
	KindTimedOut:           0x1005,
	KindMissingField:       0x1007,
	KindTooManyPending:     0x1008,
}

var kindMessages = map[ErrorKind]string{
	KindGeneric:            "an error occurred",
	KindInvalidRequest:     "invalid request",
	KindPluginNotFound:     "plugin not found",
	KindDebuggerNotPresent: "no debugger host attached",
	KindTimedOut:           "request timed out",
	KindMissingField:       "missing field",
	KindTooManyPending:     "too many pending wait requests",
}

// Code returns the numeric wire code for k. Unknown kinds map to the generic code.
func (k ErrorKind) Code() int {
	if code, ok := kindCodes[k]; ok {
		return code
	}
	return kindCodes[KindGeneric]
}

// DefaultMessage is the message used when an error response is built without one.
func (k ErrorKind) DefaultMessage() string {
	if msg, ok := kindMessages[k]; ok {
		return msg
	}
	return kindMessages[KindGeneric]
}

var (
	ErrInvalidRequest  = errors.New("api: invalid request envelope")
	ErrInvalidResponse = errors.New("api: invalid response envelope")
	ErrErrorResponse   = errors.New("api: response is an error")
)

// MissingFieldError reports a required request field that was absent.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing field %q", e.Field)
}

// KindError lets a handler choose the error kind surfaced on the wire.
// Anything else a handler returns becomes KindGeneric.
type KindError struct {
	Kind    ErrorKind
	Message string
}

func (e *KindError) Error() string {
	if e.Message == "" {
		return e.Kind.DefaultMessage()
	}
	return e.Message
}

// NewKindError builds a KindError with a formatted message.
func NewKindError(kind ErrorKind, format string, args ...any) *KindError {
	return &KindError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
