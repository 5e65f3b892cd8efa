package protocol

import (
	"errors"
	"fmt"
)

// Protocol error classes. Callers match them with errors.Is.
var (
	ErrMalformedMessage     = errors.New("protocol: malformed message")
	ErrRegistrationRequired = errors.New("protocol: registration required")
	ErrDuplicateInvocation  = errors.New("protocol: duplicate invocation")
	ErrChunkOverflow        = errors.New("protocol: chunk overflow")
	ErrUnknownInvocation    = errors.New("protocol: unknown invocation")
	ErrTransport            = errors.New("protocol: transport error")
)

// Error describes a rejected frame. It unwraps to one of the protocol error classes.
type Error struct {
	Kind         Kind
	InvocationID string
	Description  string
	Err          error
}

func (e *Error) Error() string {
	var prefix string
	switch {
	case e.Kind != "" && e.InvocationID != "":
		prefix = fmt.Sprintf("%s %s: ", e.Kind, e.InvocationID)
	case e.Kind != "":
		prefix = fmt.Sprintf("%s: ", e.Kind)
	case e.InvocationID != "":
		prefix = fmt.Sprintf("%s: ", e.InvocationID)
	}
	if e.Description == "" {
		return prefix + e.Err.Error()
	}
	return fmt.Sprintf("%s%v: %s", prefix, e.Err, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf returns an *Error of class err for the given frame kind and invocation id.
func Errorf(err error, kind Kind, id string, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, InvocationID: id, Description: fmt.Sprintf(format, args...), Err: err}
}

// Class returns a short label for the protocol error class of err, or "other".
func Class(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMalformedMessage):
		return "malformed_message"
	case errors.Is(err, ErrRegistrationRequired):
		return "registration_required"
	case errors.Is(err, ErrDuplicateInvocation):
		return "duplicate_invocation"
	case errors.Is(err, ErrChunkOverflow):
		return "chunk_overflow"
	case errors.Is(err, ErrUnknownInvocation):
		return "unknown_invocation"
	case errors.Is(err, ErrTransport):
		return "transport_error"
	default:
		return "other"
	}
}
