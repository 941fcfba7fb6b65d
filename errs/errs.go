// Package errs implements the broker's error taxonomy (spec.md §7): a
// ServerError carrying an errno, a broker error code, a category and an
// "isExpected" flag that controls log noise and watchdog counters, wrapping
// the originating cause.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a ServerError into one of the five propagation-policy
// buckets of spec.md §7.
type Kind int

const (
	// Protocol errors: malformed frame, disallowed transition, oversized
	// payload. Close the connection; do not affect other peers.
	Protocol Kind = iota
	// Authorization errors: missing/invalid/expired token, principal-peer
	// mismatch. Surface 401 to HTTP callers; close the connection on the
	// broker.
	Authorization
	// Routing errors: target not found, target queue full. Surface as an
	// acknowledgment to the sender; the broker stays healthy.
	Routing
	// TransientIO errors: connection reset, timeout. Retried by the
	// conversation layer up to its budget.
	TransientIO
	// Internal errors: bug, bad state. Close the one connection; the
	// broker continues.
	Internal
)

func (k Kind) String() string {
	switch k {
	case Protocol:
		return "Protocol"
	case Authorization:
		return "Authorization"
	case Routing:
		return "Routing"
	case TransientIO:
		return "TransientIO"
	case Internal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// Broker error codes (BrokerErrorCodes in spec.md §4.C3/§4.C6).
const (
	CodeAuthorizationFailed     = "AuthorizationFailed"
	CodeTargetPeerNotFound      = "TargetPeerNotFound"
	CodeTargetPeerQueueFull     = "TargetPeerQueueFull"
	CodeProtocolValidationFailed = "ProtocolValidationFailed"
	CodeArgumentError           = "ArgumentError"
	CodeNoSuchFile              = "no_such_file_or_directory"
	CodeNotSupported            = "operation_not_supported"
	CodeNotPermitted            = "operation_not_permitted"
	CodeInternal                = "InternalError"
)

// kindByCode is the canonical mapping from broker error code to propagation
// Kind, used by Wrap and KindOf so that call sites do not have to restate it.
var kindByCode = map[string]Kind{
	CodeAuthorizationFailed:      Authorization,
	CodeTargetPeerNotFound:       Routing,
	CodeTargetPeerQueueFull:      Routing,
	CodeProtocolValidationFailed: Protocol,
	CodeArgumentError:            Protocol,
	CodeNoSuchFile:               Internal,
	CodeNotSupported:             Internal,
	CodeNotPermitted:             Authorization,
	CodeInternal:                 Internal,
}

// ServerError is the concrete error type every layer wraps foreign failures
// into, per spec.md §7's propagation policy.
type ServerError struct {
	Errno            int
	ErrorCode        string
	ErrorCodeMessage string
	CategoryName     string
	IsExpected       bool
	VerifyFailed     bool
	VerifyError      bool
	Cause            error
}

func (e *ServerError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.CategoryName, e.ErrorCodeMessage, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.CategoryName, e.ErrorCodeMessage)
}

// Unwrap exposes the original cause for errors.Is/errors.As.
func (e *ServerError) Unwrap() error {
	return e.Cause
}

// New constructs a ServerError for code with a formatted message, with no
// underlying cause.
func New(code string, format string, args ...interface{}) *ServerError {
	return Wrap(nil, code, format, args...)
}

// Wrap constructs a ServerError for code, remembering cause (if any) and
// attaching a stack trace via github.com/pkg/errors so that log.Error call
// sites can render exceptionFullDump with %+v.
func Wrap(cause error, code string, format string, args ...interface{}) *ServerError {
	kind := kindByCode[code]
	msg := fmt.Sprintf(format, args...)
	var wrapped error
	if cause != nil {
		wrapped = errors.Wrap(cause, msg)
	} else {
		wrapped = errors.New(msg)
	}
	return &ServerError{
		ErrorCode:        code,
		ErrorCodeMessage: msg,
		CategoryName:     kind.String(),
		IsExpected:       kind != Internal,
		Cause:            wrapped,
	}
}

// KindOf returns the propagation Kind for a broker error code.
func KindOf(code string) Kind {
	return kindByCode[code]
}

// AsServerError reports whether err is (or wraps) a *ServerError.
func AsServerError(err error) (*ServerError, bool) {
	var se *ServerError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsExpectedTransient reports whether err is a ServerError whose kind is
// TransientIO or a routing queue-full, i.e. the set of failures spec.md
// §4.C8 says the conversation engine should retry.
func IsExpectedTransient(err error) bool {
	se, ok := AsServerError(err)
	if !ok {
		return false
	}
	kind := KindOf(se.ErrorCode)
	return kind == TransientIO || se.ErrorCode == CodeTargetPeerQueueFull
}

// HTTPStatus maps a broker/generic error code to the HTTP status spec.md
// §4.C9's closed table prescribes.
func HTTPStatus(code string) int {
	switch code {
	case CodeAuthorizationFailed:
		return 401
	case CodeTargetPeerNotFound:
		return 503
	case CodeTargetPeerQueueFull, CodeProtocolValidationFailed:
		return 500
	case CodeNoSuchFile:
		return 404
	case CodeNotSupported:
		return 501
	case CodeNotPermitted:
		return 403
	default:
		return 500
	}
}
