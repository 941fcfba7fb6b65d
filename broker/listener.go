package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ground-x/blmsg/auth"
	"github.com/ground-x/blmsg/errs"
	"github.com/ground-x/blmsg/ids"
	"github.com/ground-x/blmsg/protocol"
	"github.com/ground-x/blmsg/transport"
)

// Serve drives one accepted connection through spec.md §4.C4's handshake —
// the server reads a frame whose envelope carries
// principalIdentityInfo.authenticationToken and resolves it through cache
// before processing anything else — and then its main read/route loop,
// until the connection fails or is closed. Grounded on the teacher's
// MainBridge.handle/handleMsg handshake→register→loop→unregister shape.
func (s *Server) Serve(ctx context.Context, conn *transport.BlockConnection, cache auth.Cache, heartbeatInterval time.Duration) error {
	frame, err := conn.ReadFrame(nil)
	if err != nil {
		return err
	}
	env, err := decodeEnvelope(frame.Payload)
	if err != nil {
		_ = conn.Shutdown()
		return err
	}
	if err := authenticate(ctx, cache, env); err != nil {
		_ = conn.Shutdown()
		return err
	}
	if env.SourcePeerID == nil {
		_ = conn.Shutdown()
		return errs.New(errs.CodeAuthorizationFailed, "broker: handshake envelope missing sourcePeerId")
	}

	sess, err := s.Register(*env.SourcePeerID, conn)
	if err != nil {
		_ = conn.Shutdown()
		return err
	}
	defer s.Unregister(sess.ID())

	conn.StartHeartbeat(heartbeatInterval)
	logger.Info("peer authenticated", "peer", sess.ID().Short())

	// Peers may fold their first real request into the handshake frame
	// instead of sending a bare auth-only one; route it like any other.
	if err := s.routeFrame(sess, env); err != nil {
		return err
	}

	for {
		frame, err := conn.ReadFrame(nil)
		if err != nil {
			if !transport.IsExpectedAtClose(err) {
				logger.Error("broker connection read failed", "peer", sess.ID().Short(), "err", err)
			}
			return err
		}
		sess.touch()
		if frame.IsHeartbeat() {
			continue
		}
		env, err := decodeEnvelope(frame.Payload)
		if err != nil {
			logger.Warn("broker: rejecting malformed envelope", "peer", sess.ID().Short(), "err", err)
			return err
		}
		if err := s.routeFrame(sess, env); err != nil {
			return err
		}
	}
}

// routeFrame runs env through Route and, if it produced an acknowledgment,
// enqueues it back to sender.
func (s *Server) routeFrame(sender *Session, env *protocol.Envelope) error {
	ack, err := s.Route(sender, env)
	if err != nil {
		return err
	}
	if ack == nil {
		return nil
	}
	payload, err := json.Marshal(ack)
	if err != nil {
		return errs.Wrap(err, errs.CodeInternal, "broker: failed to serialize acknowledgment")
	}
	header := transport.Header{Command: transport.SendChunk, ChunkID: ids.New(), Source: sender.id, Target: sender.id}
	return sender.Enqueue(header, payload)
}

// decodeEnvelope parses payload as a BrokerProtocol envelope. Envelope's own
// UnmarshalJSON already enforces Validate, so a decode error here is always
// either malformed JSON or a structurally invalid envelope.
func decodeEnvelope(payload []byte) (*protocol.Envelope, error) {
	var env protocol.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		if se, ok := errs.AsServerError(err); ok {
			return nil, se
		}
		return nil, errs.Wrap(err, errs.CodeProtocolValidationFailed, "broker: malformed envelope JSON")
	}
	return &env, nil
}

// authenticate resolves env's authentication token through cache, reusing
// an already-fresh cache entry before paying for a refresh.
func authenticate(ctx context.Context, cache auth.Cache, env *protocol.Envelope) error {
	if env.PrincipalIdentityInfo == nil || env.PrincipalIdentityInfo.AuthenticationToken == "" {
		return errs.New(errs.CodeAuthorizationFailed, "broker: handshake envelope missing authenticationToken")
	}
	token := env.PrincipalIdentityInfo.AuthenticationToken
	if _, ok := cache.TryGetAuthorizedPrincipal(token); ok {
		return nil
	}
	_, err := cache.Update(ctx, token, cache.CreateAuthorizationTask(token))
	return err
}
