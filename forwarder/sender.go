package forwarder

import (
	"encoding/json"

	"github.com/ground-x/blmsg/errs"
	"github.com/ground-x/blmsg/ids"
	"github.com/ground-x/blmsg/protocol"
	"github.com/ground-x/blmsg/transport"
)

// BackendSender adapts a Backend into conversation.Sender, so
// httpbridge/echo-server callers can hand their Engine a forwarder pool
// without depending on forwarder's Push/CompletionFunc shape directly.
type BackendSender struct {
	backend *Backend
}

// NewBackendSender builds a Sender that pushes through backend.
func NewBackendSender(backend *Backend) *BackendSender {
	return &BackendSender{backend: backend}
}

// Send stamps env with the sourcePeerId currently authenticated on
// env.TargetPeerID's striped connection (each slot's identity is
// reissued on reconnect, so this is resolved per-call rather than cached),
// marshals it, and pushes it, synchronously reporting the write's outcome.
func (s *BackendSender) Send(env *protocol.Envelope, payload []byte) error {
	if env.TargetPeerID == nil {
		return errs.New(errs.CodeProtocolValidationFailed, "forwarder: envelope missing targetPeerId")
	}
	selfID, ok := s.backend.SelfIDFor(*env.TargetPeerID)
	if !ok {
		return errs.New(errs.CodeInternal, "forwarder: no connection authenticated for target %s", env.TargetPeerID.Short())
	}
	env.SourcePeerID = &selfID

	body, err := json.Marshal(env)
	if err != nil {
		return errs.Wrap(err, errs.CodeProtocolValidationFailed, "forwarder: failed to serialize envelope")
	}
	header := transport.Header{Command: transport.SendChunk, ChunkID: ids.New(), Source: selfID, Target: *env.TargetPeerID}

	var sendErr error
	done := make(chan struct{})
	s.backend.Push(*env.TargetPeerID, header, body, func(err error) {
		sendErr = err
		close(done)
	})
	<-done
	return sendErr
}
