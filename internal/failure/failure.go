// Package failure classifies errors raised while resolving fields against
// backends. Every error that reaches a client response carries one Kind.
package failure

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind is the machine-readable class of a field failure.
type Kind string

const (
	// BackendUnavailable means the backend connection is down or reconnecting.
	BackendUnavailable Kind = "BackendUnavailable"
	// BackendCallFailed means the backend answered with an explicit failure.
	BackendCallFailed Kind = "BackendCallFailed"
	// Timeout means a deadline expired before the call completed.
	Timeout Kind = "Timeout"
	// DependencyFailed means a field this field depends on failed.
	DependencyFailed Kind = "DependencyFailed"
	// ProtocolViolation means a backend returned data inconsistent with its contract.
	ProtocolViolation Kind = "ProtocolViolation"
	// DuplicateDelivery marks a redelivered log message. It is never surfaced to clients.
	DuplicateDelivery Kind = "DuplicateDelivery"
	// InvalidArgument means an argument could not be mapped onto a backend request.
	InvalidArgument Kind = "InvalidArgument"
)

func (k Kind) String() string { return string(k) }

// Error is a classified failure. Backend is empty for gateway-local failures.
type Error struct {
	Kind    Kind
	Backend string
	Message string
	Err     error
	// Fixed messages are reported exactly as written, without the backend.
	Fixed   bool
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Backend != "" && !e.Fixed {
		return fmt.Sprintf("%s: %s", e.Backend, msg)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind, so callers can write
// errors.Is(err, &failure.Error{Kind: failure.Timeout}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Backend == "" || t.Backend == e.Backend)
}

// New returns a classified error with the given message.
func New(kind Kind, backend, message string) *Error {
	return &Error{Kind: kind, Backend: backend, Message: message}
}

// Wrap classifies err. The message defaults to err's text.
func Wrap(kind Kind, backend string, err error, message string) *Error {
	return &Error{Kind: kind, Backend: backend, Message: message, Err: err}
}

// Fixed classifies err under a fixed client-facing message. The backend is
// still attached for BackendOf but is not part of the message.
func Fixed(kind Kind, backend string, err error, message string) *Error {
	return &Error{Kind: kind, Backend: backend, Message: message, Err: err, Fixed: true}
}

// Newf is New with formatting.
func Newf(kind Kind, backend, format string, args ...any) *Error {
	return New(kind, backend, fmt.Sprintf(format, args...))
}

// KindOf classifies any error. Unclassified errors are BackendCallFailed
// unless they are context or gRPC status errors with a more specific class.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Timeout
	}
	if s, ok := status.FromError(err); ok {
		return kindOfCode(s.Code())
	}
	return BackendCallFailed
}

// BackendOf returns the backend identity attached to err, if any.
func BackendOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Backend
	}
	return ""
}

// FromStatus converts an error returned by a gRPC call into a classified
// error. ctx is the call's context and decides whether a cancellation was a
// deadline.
func FromStatus(ctx context.Context, backend string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	if ctx != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Wrap(Timeout, backend, err, "deadline exceeded")
	}
	s, ok := status.FromError(err)
	if !ok {
		if errors.Is(err, context.DeadlineExceeded) {
			return Wrap(Timeout, backend, err, "deadline exceeded")
		}
		return Wrap(BackendCallFailed, backend, err, err.Error())
	}
	if s.Code() == codes.Canceled {
		// Client went away; keep the cancellation visible to callers.
		return err
	}
	return Wrap(kindOfCode(s.Code()), backend, err, s.Message())
}

func kindOfCode(c codes.Code) Kind {
	switch c {
	case codes.Unavailable:
		return BackendUnavailable
	case codes.DeadlineExceeded, codes.Canceled:
		return Timeout
	case codes.DataLoss, codes.Unimplemented:
		return ProtocolViolation
	default:
		return BackendCallFailed
	}
}
