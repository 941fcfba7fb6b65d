// Package transport implements the TLS block transport of spec.md §4.C3:
// length-prefixed framed I/O over TLS, the authentication handshake,
// heartbeats and per-direction timeouts.
package transport

import (
	"errors"
	"io"
	"net"
)

// IsExpectedAtClose reports whether err is one of the I/O failures spec.md
// §4.C3 classifies as "expected at close" — operation-aborted,
// connection-reset, bad-file-descriptor and the like — which do not raise
// fatal alarms, as opposed to unexpected errors which are logged at error
// level. The platform-specific errno set lives in expected_errors_unix.go /
// expected_errors_other.go; this file covers the portable net/io cases
// common to every platform.
func IsExpectedAtClose(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Err != nil && isExpectedErrno(opErr.Err) {
			return true
		}
	}
	return isExpectedErrno(err)
}
