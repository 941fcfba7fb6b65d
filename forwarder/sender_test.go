package forwarder

import (
	"testing"
	"time"

	"github.com/ground-x/blmsg/errs"
	"github.com/ground-x/blmsg/ids"
	"github.com/ground-x/blmsg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackendSenderSendSucceeds(t *testing.T) {
	broker := newTestBroker(t)
	defer broker.close()
	broker.echoForever(t)

	backend := NewBackend(2, dialer(broker), "test-token", nil, time.Second, time.Second, 0)
	defer backend.Dispose()
	require.Eventually(t, backend.IsConnected, time.Second, 5*time.Millisecond)

	target := ids.New()
	sender := NewBackendSender(backend)

	env := &protocol.Envelope{
		MessageType:    protocol.AsyncRpcDispatch,
		MessageID:      ids.New(),
		ConversationID: ids.New(),
		TargetPeerID:   &target,
	}
	require.Eventually(t, func() bool {
		_, ok := backend.SelfIDFor(target)
		return ok
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, sender.Send(env, []byte("hello")))
	assert.NotNil(t, env.SourcePeerID)
}

func TestBackendSenderRejectsEnvelopeWithoutTarget(t *testing.T) {
	broker := newTestBroker(t)
	defer broker.close()

	backend := NewBackend(1, dialer(broker), "test-token", nil, time.Second, time.Second, 0)
	defer backend.Dispose()

	sender := NewBackendSender(backend)
	env := &protocol.Envelope{MessageType: protocol.AsyncRpcDispatch, MessageID: ids.New(), ConversationID: ids.New()}

	err := sender.Send(env, nil)
	require.Error(t, err)
	se, ok := errs.AsServerError(err)
	require.True(t, ok)
	assert.Equal(t, errs.CodeProtocolValidationFailed, se.ErrorCode)
}

func TestBackendSenderReportsErrorWhenTargetSlotNotConnected(t *testing.T) {
	broker := newTestBroker(t)
	defer broker.close() // never accepts, so the pool never reaches Ready

	backend := NewBackend(1, dialer(broker), "test-token", nil, 50*time.Millisecond, 50*time.Millisecond, 0)
	defer backend.Dispose()

	sender := NewBackendSender(backend)
	target := ids.New()
	env := &protocol.Envelope{
		MessageType:    protocol.AsyncRpcDispatch,
		MessageID:      ids.New(),
		ConversationID: ids.New(),
		TargetPeerID:   &target,
	}
	err := sender.Send(env, nil)
	require.Error(t, err)
}
