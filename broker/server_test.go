package broker

import (
	"testing"
	"time"

	"github.com/ground-x/blmsg/errs"
	"github.com/ground-x/blmsg/ids"
	"github.com/ground-x/blmsg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dispatchEnvelope(source, target, conv ids.ID) *protocol.Envelope {
	return &protocol.Envelope{
		MessageType:    protocol.AsyncRpcDispatch,
		MessageID:      ids.New(),
		ConversationID: conv,
		SourcePeerID:   &source,
		TargetPeerID:   &target,
	}
}

func TestAssociateThenDispatchDelivers(t *testing.T) {
	server := NewServer(0)
	a, _ := newTestSession(t, 8)
	b, bConn := newTestSession(t, 8)
	server.sessions[a.id] = a
	server.sessions[b.id] = b

	target := ids.New()
	_, err := server.Route(b, &protocol.Envelope{
		MessageType:    protocol.BackendAssociateTargetPeerId,
		MessageID:      ids.New(),
		ConversationID: ids.New(),
		SourcePeerID:   &b.id,
		TargetPeerID:   &target,
	})
	require.NoError(t, err)

	conv := ids.New()
	ack, err := server.Route(a, dispatchEnvelope(a.id, target, conv))
	require.NoError(t, err)
	assert.Nil(t, ack)

	frame, err := bConn.ReadFrame(nil)
	require.NoError(t, err)
	assert.NotEmpty(t, frame.Payload)
}

func TestDispatchToUnassociatedTargetReturnsAck(t *testing.T) {
	server := NewServer(0)
	a, _ := newTestSession(t, 8)
	server.sessions[a.id] = a

	conv := ids.New()
	ack, err := server.Route(a, dispatchEnvelope(a.id, ids.New(), conv))
	require.NoError(t, err)
	require.NotNil(t, ack)
	assert.Equal(t, protocol.AsyncRpcAcknowledgment, ack.MessageType)
	require.NotNil(t, ack.Payload.AsyncRpcResponse.ServerErrorJson)
	assert.Equal(t, errs.CodeTargetPeerNotFound, ack.Payload.AsyncRpcResponse.ServerErrorJson.ErrorCode)
}

func TestQueueFullReturnsAckAndBrokerStaysResponsive(t *testing.T) {
	server := NewServer(0)
	a, _ := newTestSession(t, 8)
	b := newBlockedSession(2) // undrained queue, so it fills deterministically
	server.sessions[a.id] = a
	server.sessions[b.id] = b

	target := ids.New()
	_, err := server.Route(b, &protocol.Envelope{
		MessageType:    protocol.BackendAssociateTargetPeerId,
		MessageID:      ids.New(),
		ConversationID: ids.New(),
		SourcePeerID:   &b.id,
		TargetPeerID:   &target,
	})
	require.NoError(t, err)

	var lastAck *protocol.Envelope
	for i := 0; i < 3; i++ {
		ack, err := server.Route(a, dispatchEnvelope(a.id, target, ids.New()))
		require.NoError(t, err)
		lastAck = ack
	}
	require.NotNil(t, lastAck)
	require.NotNil(t, lastAck.Payload.AsyncRpcResponse.ServerErrorJson)
	assert.Equal(t, errs.CodeTargetPeerQueueFull, lastAck.Payload.AsyncRpcResponse.ServerErrorJson.ErrorCode)

	// the broker itself (not this specific target) remains responsive to
	// other routing requests.
	assert.Equal(t, 2, server.Len())
}

func TestSourcePeerIdMismatchIsAuthorizationFailure(t *testing.T) {
	server := NewServer(0)
	a, _ := newTestSession(t, 8)
	server.sessions[a.id] = a

	impostor := ids.New()
	_, err := server.Route(a, dispatchEnvelope(impostor, ids.New(), ids.New()))
	require.Error(t, err)
	se, ok := errs.AsServerError(err)
	require.True(t, ok)
	assert.Equal(t, errs.CodeAuthorizationFailed, se.ErrorCode)
}

func TestForgetTargetDropsOnlyThatAssociation(t *testing.T) {
	server := NewServer(0)
	b := newBlockedSession(8)
	server.sessions[b.id] = b

	targetA, targetB := ids.New(), ids.New()
	for _, target := range []ids.ID{targetA, targetB} {
		_, err := server.Route(b, &protocol.Envelope{
			MessageType:    protocol.BackendAssociateTargetPeerId,
			MessageID:      ids.New(),
			ConversationID: ids.New(),
			SourcePeerID:   &b.id,
			TargetPeerID:   &target,
		})
		require.NoError(t, err)
	}

	server.ForgetTarget(targetA)

	server.mu.RLock()
	_, stillA := server.targets[targetA]
	_, stillB := server.targets[targetB]
	server.mu.RUnlock()
	assert.False(t, stillA)
	assert.True(t, stillB)
}

func TestForgetPeerDropsEveryAssociationItOwns(t *testing.T) {
	server := NewServer(0)
	owner := newBlockedSession(8)
	server.sessions[owner.id] = owner

	targetA, targetB := ids.New(), ids.New()
	for _, target := range []ids.ID{targetA, targetB} {
		_, err := server.Route(owner, &protocol.Envelope{
			MessageType:    protocol.BackendAssociateTargetPeerId,
			MessageID:      ids.New(),
			ConversationID: ids.New(),
			SourcePeerID:   &owner.id,
			TargetPeerID:   &target,
		})
		require.NoError(t, err)
	}

	server.ForgetPeer(owner.id)

	server.mu.RLock()
	defer server.mu.RUnlock()
	assert.Empty(t, server.targets)
	// the session itself is untouched — only cross-farm cached
	// associations are invalidated, not this broker's own registration.
	assert.Contains(t, server.sessions, owner.id)
}

func TestOnUnregisterHookFiresOnRemovalOnlyAndCarriesPeerID(t *testing.T) {
	server := NewServer(0)
	a, _ := newTestSession(t, 8)
	server.sessions[a.id] = a

	fired := make(chan ids.ID, 4)
	server.OnUnregister(func(peerID ids.ID) { fired <- peerID })

	server.Unregister(ids.New()) // unknown peer: must not fire
	server.Unregister(a.id)      // known peer: must fire exactly once with a.id

	select {
	case got := <-fired:
		assert.Equal(t, a.id, got)
	default:
		t.Fatal("expected OnUnregister hook to fire for a known peer")
	}
	select {
	case got := <-fired:
		t.Fatalf("hook fired a second time unexpectedly with %s", got.Short())
	default:
	}
}

func TestWatchdogEvictsIdleSessions(t *testing.T) {
	server := NewServer(0)
	a, _ := newTestSession(t, 8)
	server.sessions[a.id] = a

	w := NewWatchdog(server, 5*time.Millisecond, 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	w.sweep()

	_, ok := server.Session(a.id)
	assert.False(t, ok)
}
