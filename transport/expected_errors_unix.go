//go:build linux || darwin || freebsd || openbsd || netbsd
// +build linux darwin freebsd openbsd netbsd

package transport

import (
	"errors"

	"golang.org/x/sys/unix"
)

// expectedErrno is the "expected at close" errno set resolved in
// SPEC_FULL.md §9 (Open Questions): connection reset, broken pipe,
// connection aborted, bad file descriptor.
var expectedErrno = map[error]bool{
	unix.ECONNRESET:   true,
	unix.EPIPE:        true,
	unix.ECONNABORTED: true,
	unix.EBADF:        true,
}

func isExpectedErrno(err error) bool {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return expectedErrno[errno]
	}
	return false
}
