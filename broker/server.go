package broker

import (
	"encoding/json"
	"sync"

	"github.com/ground-x/blmsg/errs"
	"github.com/ground-x/blmsg/ids"
	"github.com/ground-x/blmsg/log"
	"github.com/ground-x/blmsg/metrics"
	"github.com/ground-x/blmsg/protocol"
	"github.com/ground-x/blmsg/transport"
)

var logger = log.NewModuleLogger(log.Broker)

// DefaultMaxQueueDepth is spec.md §9's resolved Open Question default.
const DefaultMaxQueueDepth = 1024

var (
	sessionsEvictedTotal = metrics.NewCounter("broker_sessions_evicted_total", "sessions evicted by the idle watchdog")
	queueFullTotal       = metrics.NewCounter("broker_queue_full_total", "routing attempts rejected because the target queue was full")
	targetNotFoundTotal  = metrics.NewCounter("broker_target_not_found_total", "routing attempts rejected because no peer was associated with the target")
)

// Deliverer lets a Server forward a frame to somewhere other than a
// locally registered session — the seam C10's proxy broker backend uses to
// hand off to another broker instead of a local peer.
type Deliverer interface {
	Deliver(targetPeerID ids.ID, header transport.Header, payload []byte) error
}

// Server is the broker's routing engine: the peer registry, the target
// association table and the routing algorithm of spec.md §4.C6. Both
// maps are guarded by a single RWMutex, styled on the teacher's
// bridgePeerSet.
type Server struct {
	mu       sync.RWMutex
	sessions map[ids.ID]*Session
	targets  map[ids.ID]ids.ID
	closed   bool

	maxQueueDepth int
	remote        Deliverer
	onUnregister  func(peerID ids.ID)
}

// NewServer builds an empty Server. maxQueueDepth <= 0 selects
// DefaultMaxQueueDepth.
func NewServer(maxQueueDepth int) *Server {
	if maxQueueDepth <= 0 {
		maxQueueDepth = DefaultMaxQueueDepth
	}
	return &Server{
		sessions:      make(map[ids.ID]*Session),
		targets:       make(map[ids.ID]ids.ID),
		maxQueueDepth: maxQueueDepth,
	}
}

// SetRemoteDeliverer installs a fallback Deliverer consulted when a target
// peer is not registered locally — the C10 proxy-broker mode.
func (s *Server) SetRemoteDeliverer(d Deliverer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remote = d
}

// OnUnregister installs fn to be called, outside the server's lock,
// whenever Unregister actually removes a session — the seam
// proxyfarm.Farm uses to broadcast FlushPeerSessions to the rest of a
// proxy farm.
func (s *Server) OnUnregister(fn func(peerID ids.ID)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUnregister = fn
}

// Register creates and tracks a Session for peerID, failing if the broker
// is closed or peerID is already registered.
func (s *Server) Register(peerID ids.ID, conn *transport.BlockConnection) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errs.New(errs.CodeInternal, "broker: server is closed")
	}
	if _, ok := s.sessions[peerID]; ok {
		return nil, errs.New(errs.CodeInternal, "broker: peer %s already registered", peerID.Short())
	}
	sess := newSession(peerID, conn, s.maxQueueDepth)
	s.sessions[peerID] = sess
	logger.Info("peer registered", "peer", peerID.Short())
	return sess, nil
}

// Unregister removes and closes peerID's session, if present, along with
// any target associations that pointed to it.
func (s *Server) Unregister(peerID ids.ID) {
	s.mu.Lock()
	sess, ok := s.sessions[peerID]
	onUnregister := s.onUnregister
	if ok {
		delete(s.sessions, peerID)
		for target, owner := range s.targets {
			if owner == peerID {
				delete(s.targets, target)
			}
		}
	}
	s.mu.Unlock()

	if ok {
		sess.close()
		logger.Info("peer unregistered", "peer", peerID.Short())
		if onUnregister != nil {
			onUnregister(peerID)
		}
	}
}

// Session returns the session registered for peerID, if any.
func (s *Server) Session(peerID ids.ID) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[peerID]
	return sess, ok
}

// Len returns the number of currently registered sessions.
func (s *Server) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Close unregisters and closes every session. No further Register calls
// succeed afterward.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[ids.ID]*Session)
	s.targets = make(map[ids.ID]ids.ID)
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.close()
	}
}

// Route implements the routing algorithm of spec.md §4.C6 for a frame
// received from sender carrying envelope env. It returns an acknowledgment
// envelope to write back to the sender when the routing outcome is an
// "expected" client-visible failure (target not found, queue full) or a
// successful associate/dissociate; it returns a non-nil error only for
// failures that should close sender's connection (authorization failure,
// malformed envelope).
func (s *Server) Route(sender *Session, env *protocol.Envelope) (*protocol.Envelope, error) {
	if env.SourcePeerID == nil || *env.SourcePeerID != sender.id {
		return nil, errs.New(errs.CodeAuthorizationFailed, "broker: envelope sourcePeerId does not match authenticated peer")
	}

	var ack *protocol.Envelope

	switch env.MessageType {
	case protocol.BackendAssociateTargetPeerId:
		if env.TargetPeerID == nil {
			return nil, errs.New(errs.CodeProtocolValidationFailed, "broker: BackendAssociateTargetPeerId missing targetPeerId")
		}
		s.associate(*env.TargetPeerID, sender.id)
		ack = acknowledgment(env, nil)

	case protocol.BackendDissociateTargetPeerId:
		if env.TargetPeerID == nil {
			return nil, errs.New(errs.CodeProtocolValidationFailed, "broker: BackendDissociateTargetPeerId missing targetPeerId")
		}
		s.dissociate(*env.TargetPeerID)
		ack = acknowledgment(env, nil)

	case protocol.AsyncRpcDispatch, protocol.AsyncNotification, protocol.AsyncRpcAcknowledgment:
		if env.TargetPeerID == nil {
			return nil, errs.New(errs.CodeProtocolValidationFailed, "broker: %s missing targetPeerId", env.MessageType)
		}
		var err error
		ack, err = s.deliver(sender, env, *env.TargetPeerID)
		if err != nil {
			return nil, err
		}

	default:
		return nil, errs.New(errs.CodeProtocolValidationFailed, "broker: unhandled messageType %q", env.MessageType)
	}

	sender.touch()
	return ack, nil
}

func (s *Server) deliver(sender *Session, env *protocol.Envelope, target ids.ID) (*protocol.Envelope, error) {
	s.mu.RLock()
	peerID, associated := s.targets[target]
	var targetSession *Session
	if associated {
		targetSession = s.sessions[peerID]
	}
	remote := s.remote
	s.mu.RUnlock()

	payload, err := json.Marshal(env)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeProtocolValidationFailed, "broker: failed to re-serialize envelope")
	}
	header := transport.Header{Command: transport.SendChunk, ChunkID: ids.New(), Source: sender.id, Target: target}

	if !associated || targetSession == nil {
		if remote != nil {
			if err := remote.Deliver(target, header, payload); err != nil {
				targetNotFoundTotal.Inc()
				return acknowledgment(env, serverErrorFrom(err, errs.CodeTargetPeerNotFound)), nil
			}
			return nil, nil
		}
		targetNotFoundTotal.Inc()
		se := errs.New(errs.CodeTargetPeerNotFound, "broker: no peer associated with target %s", target.Short())
		return acknowledgment(env, se), nil
	}

	if err := targetSession.Enqueue(header, payload); err != nil {
		queueFullTotal.Inc()
		se, _ := errs.AsServerError(err)
		return acknowledgment(env, se), nil
	}
	return nil, nil
}

func (s *Server) associate(target, peer ids.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets[target] = peer
}

func (s *Server) dissociate(target ids.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.targets, target)
}

// ForgetTarget drops target's association without touching any session,
// the seam a proxyfarm.SessionBus subscriber uses to react to another farm
// member's TargetDissociated event.
func (s *Server) ForgetTarget(target ids.ID) {
	s.dissociate(target)
}

// ForgetPeer drops every target association owned by peerID without
// touching any local session — the seam a proxyfarm.SessionBus subscriber
// uses to react to another farm member's FlushPeerSessions event, where
// peerID names a session that disconnected elsewhere in the farm rather
// than a single target.
func (s *Server) ForgetPeer(peerID ids.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for target, owner := range s.targets {
		if owner == peerID {
			delete(s.targets, target)
		}
	}
}

// serverErrorFrom extracts a *errs.ServerError from err, falling back to
// wrapping it under fallbackCode if err is not already one.
func serverErrorFrom(err error, fallbackCode string) *errs.ServerError {
	if se, ok := errs.AsServerError(err); ok {
		return se
	}
	return errs.Wrap(err, fallbackCode, "broker: delivery failed")
}

// acknowledgment builds the AsyncRpcAcknowledgment envelope the broker
// sends back to a sender, optionally carrying a ServerError.
func acknowledgment(orig *protocol.Envelope, se *errs.ServerError) *protocol.Envelope {
	ack := &protocol.Envelope{
		MessageType:    protocol.AsyncRpcAcknowledgment,
		MessageID:      ids.New(),
		ConversationID: orig.ConversationID,
		TargetPeerID:   orig.SourcePeerID,
	}
	if se != nil {
		ack.Payload = &protocol.Payload{
			AsyncRpcResponse: &protocol.RpcResponse{
				ServerErrorJson: &protocol.ServerErrorJSON{
					Errno:            se.Errno,
					ErrorCode:        se.ErrorCode,
					ErrorCodeMessage: se.ErrorCodeMessage,
					CategoryName:     se.CategoryName,
				},
			},
		}
	}
	return ack
}
