package conversation

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/ground-x/blmsg/errs"
	"github.com/ground-x/blmsg/ids"
	"github.com/ground-x/blmsg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	fn func(env *protocol.Envelope, payload []byte) error
}

func (f *fakeSender) Send(env *protocol.Envelope, payload []byte) error {
	return f.fn(env, payload)
}

func newEnvelope() *protocol.Envelope {
	return &protocol.Envelope{
		MessageType:    protocol.AsyncRpcDispatch,
		MessageID:      ids.New(),
		ConversationID: ids.New(),
	}
}

func TestSendThenOnMessageCompletes(t *testing.T) {
	sender := &fakeSender{fn: func(env *protocol.Envelope, payload []byte) error { return nil }}
	e := NewEngine(sender, time.Second, 0, time.Millisecond)

	env := newEnvelope()
	ch := e.Send(env, []byte("hello"))

	reply := &protocol.Envelope{
		MessageType:    protocol.AsyncRpcAcknowledgment,
		MessageID:      ids.New(),
		ConversationID: env.ConversationID,
	}
	e.OnMessage(reply, []byte("world"))

	res := <-ch
	assert.Equal(t, Completed, res.State)
	assert.Equal(t, []byte("world"), res.Payload)
	assert.NoError(t, res.Err)
}

func TestOnMessageWithServerErrorCompletesWithError(t *testing.T) {
	sender := &fakeSender{fn: func(env *protocol.Envelope, payload []byte) error { return nil }}
	e := NewEngine(sender, time.Second, 0, time.Millisecond)

	env := newEnvelope()
	ch := e.Send(env, nil)

	reply := &protocol.Envelope{
		MessageType:    protocol.AsyncRpcAcknowledgment,
		MessageID:      ids.New(),
		ConversationID: env.ConversationID,
		Payload: &protocol.Payload{
			AsyncRpcResponse: &protocol.RpcResponse{
				ServerErrorJson: &protocol.ServerErrorJSON{ErrorCode: errs.CodeTargetPeerNotFound, ErrorCodeMessage: "no peer"},
			},
		},
	}
	e.OnMessage(reply, nil)

	res := <-ch
	assert.Equal(t, Completed, res.State)
	require.Error(t, res.Err)
}

func TestTimeoutWithoutReply(t *testing.T) {
	sender := &fakeSender{fn: func(env *protocol.Envelope, payload []byte) error { return nil }}
	e := NewEngine(sender, 20*time.Millisecond, 0, time.Millisecond)

	ch := e.Send(newEnvelope(), nil)
	res := <-ch
	assert.Equal(t, TimedOut, res.State)
	require.Error(t, res.Err)
}

func TestRetriesTransientFailureThenSucceeds(t *testing.T) {
	var attempts int32
	sender := &fakeSender{fn: func(env *protocol.Envelope, payload []byte) error {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return errs.New(errs.CodeTargetPeerQueueFull, "full")
		}
		return nil
	}}
	e := NewEngine(sender, time.Second, 5, time.Millisecond)

	env := newEnvelope()
	ch := e.Send(env, nil)

	e.OnMessage(&protocol.Envelope{
		MessageType:    protocol.AsyncRpcAcknowledgment,
		MessageID:      ids.New(),
		ConversationID: env.ConversationID,
	}, []byte("ok"))

	res := <-ch
	assert.Equal(t, Completed, res.State)
	assert.GreaterOrEqual(t, int(atomic.LoadInt32(&attempts)), 3)
}

func TestNonTransientSendFailureIsTerminal(t *testing.T) {
	sender := &fakeSender{fn: func(env *protocol.Envelope, payload []byte) error {
		return errs.New(errs.CodeProtocolValidationFailed, "bad envelope")
	}}
	e := NewEngine(sender, time.Second, 5, time.Millisecond)

	ch := e.Send(newEnvelope(), nil)
	res := <-ch
	assert.Equal(t, Failed, res.State)
	require.Error(t, res.Err)
}

func TestCancelDiscardsPendingReply(t *testing.T) {
	sender := &fakeSender{fn: func(env *protocol.Envelope, payload []byte) error { return nil }}
	e := NewEngine(sender, time.Second, 0, time.Millisecond)

	env := newEnvelope()
	ch := e.Send(env, nil)
	time.Sleep(5 * time.Millisecond)
	e.Cancel(env.ConversationID, "shutting down")

	res := <-ch
	assert.Equal(t, Cancelled, res.State)
}

func TestUnmatchedConversationRoutesToNotificationCallback(t *testing.T) {
	sender := &fakeSender{fn: func(env *protocol.Envelope, payload []byte) error { return nil }}
	e := NewEngine(sender, time.Second, 0, time.Millisecond)

	notified := make(chan *protocol.Envelope, 1)
	e.OnNotification(func(env *protocol.Envelope, payload []byte) {
		notified <- env
	})

	orphan := &protocol.Envelope{
		MessageType:    protocol.AsyncNotification,
		MessageID:      ids.New(),
		ConversationID: ids.New(),
	}
	e.OnMessage(orphan, nil)

	select {
	case got := <-notified:
		assert.Equal(t, orphan.ConversationID, got.ConversationID)
	case <-time.After(time.Second):
		t.Fatal("notification callback was not invoked")
	}
}
