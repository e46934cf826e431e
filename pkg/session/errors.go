package session

import (
	"errors"
	"fmt"
)

// ErrWouldBlock is the retry signal shared by the session API and the
// transport callback contract. It is not a failure: the caller should wait
// for I/O readiness in the reported direction and invoke the operation
// again. Transports signal it from Push/Pull when they cannot make progress
// without blocking.
var ErrWouldBlock = errors.New("operation would block")

// ErrPrematureClose is reported by an engine when the transport reached
// end-of-stream without the peer sending an orderly shutdown. Read treats
// it as EOF only when the caller opted into graceful termination.
var ErrPrematureClose = errors.New("connection closed without orderly shutdown")

// ErrorType classifies session errors.
type ErrorType string

const (
	// ErrorTypeConfig covers bad credentials, role mismatches and
	// unparsable priority strings detected at session construction.
	ErrorTypeConfig ErrorType = "configuration"

	// ErrorTypeUnsupportedCredential marks a credential variant the
	// dispatcher does not recognize.
	ErrorTypeUnsupportedCredential ErrorType = "unsupported_credential"

	// ErrorTypeTransport carries the caller callback's own failure detail,
	// preserved verbatim as the cause.
	ErrorTypeTransport ErrorType = "transport"

	// ErrorTypeProtocol is an engine-reported handshake or record failure.
	ErrorTypeProtocol ErrorType = "protocol"

	// ErrorTypeVerification is a peer certificate check failure: chain,
	// validity window, hostname or authorization.
	ErrorTypeVerification ErrorType = "verification"
)

// Error is the structured error returned by session operations.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func newError(t ErrorType, format string, args ...any) *Error {
	return &Error{Type: t, Message: fmt.Sprintf(format, args...)}
}

func wrapError(t ErrorType, cause error, format string, args ...any) *Error {
	return &Error{Type: t, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// IsConfigError reports whether err is a construction-time configuration
// failure (including unsupported credential variants).
func IsConfigError(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Type == ErrorTypeConfig || se.Type == ErrorTypeUnsupportedCredential
	}
	return false
}

// IsTransportError reports whether err carries detail captured from a
// caller-supplied transport callback.
func IsTransportError(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Type == ErrorTypeTransport
}

// IsVerificationError reports whether err was produced by the peer
// credential checks.
func IsVerificationError(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Type == ErrorTypeVerification
}
