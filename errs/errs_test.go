package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatusTable(t *testing.T) {
	cases := map[string]int{
		CodeAuthorizationFailed:      401,
		CodeTargetPeerNotFound:       503,
		CodeTargetPeerQueueFull:      500,
		CodeProtocolValidationFailed: 500,
		CodeNoSuchFile:               404,
		CodeNotSupported:             501,
		CodeNotPermitted:             403,
		"something_else":             500,
	}
	for code, want := range cases {
		assert.Equal(t, want, HTTPStatus(code), code)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("boom")
	se := Wrap(cause, CodeTargetPeerQueueFull, "queue full for %s", "peerA")

	assert.True(t, se.IsExpected)
	assert.Equal(t, Routing, KindOf(se.ErrorCode))
	assert.ErrorIs(t, se, cause)
}

func TestIsExpectedTransient(t *testing.T) {
	assert.True(t, IsExpectedTransient(New(CodeTargetPeerQueueFull, "full")))
	assert.False(t, IsExpectedTransient(New(CodeAuthorizationFailed, "nope")))
	assert.False(t, IsExpectedTransient(errors.New("plain")))
}

func TestAsServerError(t *testing.T) {
	err := New(CodeInternal, "bad state")
	se, ok := AsServerError(err)
	assert.True(t, ok)
	assert.False(t, se.IsExpected)
}
