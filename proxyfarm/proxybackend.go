package proxyfarm

import (
	"encoding/json"
	"time"

	"github.com/ground-x/blmsg/errs"
	"github.com/ground-x/blmsg/forwarder"
	"github.com/ground-x/blmsg/ids"
	"github.com/ground-x/blmsg/protocol"
	"github.com/ground-x/blmsg/transport"
)

// DefaultDeliverTimeout bounds how long Deliver waits for a forwarded
// frame's completion callback before reporting a transient failure back to
// the caller (the local broker.Server, which turns that into a routing
// nack rather than dropping the connection — spec.md §4.C6's "expected
// client error" path).
const DefaultDeliverTimeout = 5 * time.Second

// ProxyBackend adapts a forwarder.Backend into a broker.Deliverer: instead
// of delivering to a locally registered session, it forwards the frame to
// an upstream broker over the backend's connection pool. Installed via
// broker.Server.SetRemoteDeliverer, it is consulted whenever a dispatch's
// target peer isn't registered locally, implementing spec.md §4.C10's
// proxy broker mode.
type ProxyBackend struct {
	backend        *forwarder.Backend
	deliverTimeout time.Duration
}

// NewProxyBackend wraps backend for use as a broker.Deliverer.
func NewProxyBackend(backend *forwarder.Backend, deliverTimeout time.Duration) *ProxyBackend {
	if deliverTimeout <= 0 {
		deliverTimeout = DefaultDeliverTimeout
	}
	return &ProxyBackend{backend: backend, deliverTimeout: deliverTimeout}
}

// Deliver pushes the frame upstream and blocks until the push completes,
// times out, or the pool reports it isn't connected — satisfying
// broker.Deliverer's synchronous contract over forwarder.Backend's
// callback-based Push. The forwarded envelope's sourcePeerId is rewritten
// to the upstream connection's own authenticated identity, since the
// upstream broker's Route only accepts frames whose sourcePeerId matches
// the session that sent them — this proxy re-signs traffic under its own
// identity rather than the original local peer's, the trust boundary a
// proxy-farm member sits on.
func (p *ProxyBackend) Deliver(targetPeerID ids.ID, header transport.Header, payload []byte) error {
	selfID, ok := p.backend.SelfIDFor(targetPeerID)
	if !ok {
		return errs.New(errs.CodeTargetPeerNotFound, "proxyfarm: no upstream connection available for peer %s", targetPeerID.Short())
	}

	var env protocol.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return errs.Wrap(err, errs.CodeProtocolValidationFailed, "proxyfarm: malformed envelope forwarded for peer %s", targetPeerID.Short())
	}
	env.SourcePeerID = &selfID
	body, err := json.Marshal(&env)
	if err != nil {
		return errs.Wrap(err, errs.CodeInternal, "proxyfarm: failed to re-serialize envelope for peer %s", targetPeerID.Short())
	}
	header.Source = selfID

	done := make(chan error, 1)
	p.backend.Push(targetPeerID, header, body, func(err error) {
		done <- err
	})

	select {
	case err := <-done:
		return err
	case <-time.After(p.deliverTimeout):
		return errs.New(errs.CodeTargetPeerQueueFull, "proxyfarm: upstream delivery for peer %s timed out after %s", targetPeerID.Short(), p.deliverTimeout)
	}
}
