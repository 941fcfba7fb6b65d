package broker

import (
	"testing"

	"github.com/ground-x/blmsg/errs"
	"github.com/ground-x/blmsg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueFailsWhenQueueFull(t *testing.T) {
	sess := newBlockedSession(2)
	require.NoError(t, sess.Enqueue(transport.Header{}, []byte("a")))
	require.NoError(t, sess.Enqueue(transport.Header{}, []byte("b")))

	err := sess.Enqueue(transport.Header{}, []byte("c"))
	require.Error(t, err)
	se, ok := errs.AsServerError(err)
	require.True(t, ok)
	assert.Equal(t, errs.CodeTargetPeerQueueFull, se.ErrorCode)
}

func TestSessionDeliversEnqueuedFrame(t *testing.T) {
	sess, conn := newTestSession(t, 4)
	require.NoError(t, sess.Enqueue(transport.Header{Command: transport.SendChunk}, []byte(`{"a":1}`)))

	frame, err := conn.ReadFrame(nil)
	require.NoError(t, err)
	assert.Equal(t, transport.SendChunk, frame.Header.Command)
	assert.JSONEq(t, `{"a":1}`, string(frame.Payload))
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	sess, _ := newTestSession(t, 4)
	sess.close()
	sess.close()
}
