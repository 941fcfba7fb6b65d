// Package forwarder implements the forwarding backend of spec.md §4.C7: a
// client-side pool of transport.BlockConnections to a broker, hash-striped
// by target peer id, with automatic reconnect on connection loss.
package forwarder

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"github.com/ground-x/blmsg/errs"
	"github.com/ground-x/blmsg/ids"
	"github.com/ground-x/blmsg/log"
	"github.com/ground-x/blmsg/protocol"
	"github.com/ground-x/blmsg/transport"
)

var logger = log.NewModuleLogger(log.Forwarder)

// Backoff bounds for reconnect attempts (spec.md §4.C7).
const (
	MinBackoff    = 100 * time.Millisecond
	MaxBackoff    = 5 * time.Second
	jitterPercent = 0.25
)

// HostServices is the weakly-held callback surface a Backend reports
// connection lifecycle events to (replacing the "proxy that disconnects"
// ownership pattern named in the REDESIGN FLAGS with a plain interface
// value, set once and cleared on Dispose).
type HostServices interface {
	OnConnected(slot int)
	OnDisconnected(slot int, err error)
}

// FrameHandler processes a frame a pooled connection read from the broker
// (a routed dispatch or acknowledgment), e.g. for a peer that both pushes
// and receives through the same pool, such as an echo/service backend.
type FrameHandler func(slot int, frame transport.Frame)

// CompletionFunc, if supplied to Push, fires once the frame has been
// flushed to the wire (or failed).
type CompletionFunc func(err error)

// slot is one pool member: a reconnecting BlockConnection. Each slot is a
// distinct transport.BlockConnection and therefore, per spec.md §4.C4,
// authenticates under its own peer identity — selfID is reissued on every
// reconnect.
type slot struct {
	index int
	dial  func(ctx context.Context) (*tls.Conn, error)

	mu      sync.Mutex
	conn    *transport.BlockConnection
	state   *protocol.StateMachine
	backoff time.Duration
	selfID  ids.ID
}

// Backend multiplexes a fixed pool of connections to one broker, as
// spec.md §4.C7 describes.
type Backend struct {
	readTimeout  time.Duration
	writeTimeout time.Duration
	heartbeat    time.Duration
	authToken    string
	fixedPeerID  *ids.ID

	slots []*slot

	mu      sync.RWMutex
	host    HostServices
	onFrame FrameHandler
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBackend builds a Backend of poolSize connections, each dialed via
// dial, and immediately starts the reconnect-maintenance goroutines. Every
// (re)connection authenticates to the broker with authToken via a
// self-association handshake (BackendAssociateTargetPeerId naming a fresh
// ephemeral peer id as its own target), satisfying the broker's handshake
// requirement without claiming a routable identity any other peer would
// dispatch to. fixedPeerID, if non-nil, pins slot 0's identity across
// reconnects instead of generating a fresh one each time — for a
// single-connection deployment (poolSize 1) that other peers need to
// address by a stable, known id, such as a reference echo server. It is
// meaningless for any slot beyond 0: a pool with more than one slot cannot
// share one peer id without violating the broker's one-session-per-id
// registration rule.
func NewBackend(poolSize int, dial func(ctx context.Context) (*tls.Conn, error), authToken string, fixedPeerID *ids.ID, readTimeout, writeTimeout, heartbeat time.Duration) *Backend {
	if poolSize <= 0 {
		poolSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Backend{
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		heartbeat:    heartbeat,
		authToken:    authToken,
		fixedPeerID:  fixedPeerID,
		ctx:          ctx,
		cancel:       cancel,
	}
	for i := 0; i < poolSize; i++ {
		s := &slot{index: i, dial: dial, state: protocol.NewStateMachine(), backoff: MinBackoff}
		b.slots = append(b.slots, s)
		b.wg.Add(1)
		go b.maintain(s)
	}
	return b
}

// SetHostServices installs the weak host-services reference.
func (b *Backend) SetHostServices(host HostServices) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.host = host
}

// SetFrameHandler installs the callback invoked for every frame a pooled
// connection reads from the broker. Without one, inbound frames are read
// only to detect connection failure and otherwise discarded.
func (b *Backend) SetFrameHandler(fn FrameHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onFrame = fn
}

// stripe selects a pool slot index for targetPeerId by hashing its bytes,
// matching the "hash-stripe guarantee" of §4.C7/§5: all frames for the same
// target use the same connection, preserving per-target ordering.
func (b *Backend) stripe(targetPeerID ids.ID) int {
	h := fnv.New32a()
	_, _ = h.Write(targetPeerID[:])
	return int(h.Sum32()) % len(b.slots)
}

// SelfIDFor returns the peer id currently authenticated on targetPeerId's
// striped connection — the id a caller must set as an outbound envelope's
// sourcePeerId for Server.Route to accept it. Returns false if that slot
// isn't connected.
func (b *Backend) SelfIDFor(targetPeerID ids.ID) (ids.ID, bool) {
	s := b.slots[b.stripe(targetPeerID)]
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ids.ID{}, false
	}
	return s.selfID, true
}

// Push sends frame to targetPeerID's striped connection. Delivery is
// fire-and-forget; if complete is non-nil it fires once the write is
// flushed (or fails).
func (b *Backend) Push(targetPeerID ids.ID, header transport.Header, payload []byte, complete CompletionFunc) {
	idx := b.stripe(targetPeerID)
	s := b.slots[idx]

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		if complete != nil {
			complete(errs.New(errs.CodeInternal, "forwarder: slot %d not connected", idx))
		}
		return
	}

	err := conn.WriteFrame(header, payload)
	if complete != nil {
		complete(err)
	}
}

// IsConnected reports whether at least one slot is in the Ready state.
func (b *Backend) IsConnected() bool {
	for _, s := range b.slots {
		s.mu.Lock()
		ready := s.state.Current() == protocol.Ready
		s.mu.Unlock()
		if ready {
			return true
		}
	}
	return false
}

// Dispose closes every pool connection and stops all reconnect loops.
// Clears the weak host-services reference.
func (b *Backend) Dispose() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.host = nil
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()

	for _, s := range b.slots {
		s.mu.Lock()
		if s.conn != nil {
			_ = s.conn.Shutdown()
		}
		s.mu.Unlock()
	}
}

// maintain keeps slot s connected, reconnecting with jittered exponential
// backoff whenever the connection drops, until the backend is disposed.
func (b *Backend) maintain(s *slot) {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		default:
		}

		tlsConn, err := s.dial(b.ctx)
		if err != nil {
			b.reportDisconnected(s, err)
			if !b.sleepBackoff(s) {
				return
			}
			continue
		}

		conn := transport.NewBlockConnection(tlsConn, b.readTimeout, b.writeTimeout)

		selfID, err := b.handshake(conn, s.index)
		if err != nil {
			logger.Error("forwarder handshake failed", "slot", s.index, "err", err)
			_ = conn.Shutdown()
			b.reportDisconnected(s, err)
			if !b.sleepBackoff(s) {
				return
			}
			continue
		}
		conn.StartHeartbeat(b.heartbeat)

		s.mu.Lock()
		s.conn = conn
		s.selfID = selfID
		s.state = protocol.NewStateMachine()
		s.state.Transition(protocol.Authenticating)
		s.state.Transition(protocol.Ready)
		s.backoff = MinBackoff
		s.mu.Unlock()

		b.reportConnected(s)

		// Block until the connection fails or the backend is torn down;
		// a dead connection surfaces through a failing heartbeat/write.
		b.awaitFailureOrShutdown(s, conn)

		s.mu.Lock()
		s.state.Transition(protocol.Closed)
		s.conn = nil
		s.mu.Unlock()

		select {
		case <-b.ctx.Done():
			return
		default:
		}
		if !b.sleepBackoff(s) {
			return
		}
	}
}

// handshake authenticates conn to the broker: a fresh ephemeral peer id
// self-associates as its own target, satisfying Server.Serve's handshake
// requirement, then consumes the resulting acknowledgment frame so the
// caller's subsequent reads only ever see post-handshake traffic.
func (b *Backend) handshake(conn *transport.BlockConnection, slotIndex int) (ids.ID, error) {
	selfID := ids.New()
	if slotIndex == 0 && b.fixedPeerID != nil {
		selfID = *b.fixedPeerID
	}
	env := &protocol.Envelope{
		MessageType:           protocol.BackendAssociateTargetPeerId,
		MessageID:             ids.New(),
		ConversationID:        ids.New(),
		SourcePeerID:          &selfID,
		TargetPeerID:          &selfID,
		PrincipalIdentityInfo: &protocol.PrincipalIdentityInfo{AuthenticationToken: b.authToken},
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return ids.ID{}, errs.Wrap(err, errs.CodeInternal, "forwarder: failed to encode handshake envelope")
	}
	header := transport.Header{Command: transport.SendChunk, ChunkID: ids.New(), Source: selfID, Target: selfID}
	if err := conn.WriteFrame(header, payload); err != nil {
		return ids.ID{}, err
	}
	if _, err := conn.ReadFrame(nil); err != nil {
		return ids.ID{}, err
	}
	return selfID, nil
}

// awaitFailureOrShutdown blocks by attempting reads on the connection
// (frames from the broker, e.g. routed acknowledgments) until either the
// connection errors/closes or the backend's context is cancelled.
func (b *Backend) awaitFailureOrShutdown(s *slot, conn *transport.BlockConnection) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			frame, err := conn.ReadFrame(nil)
			if err != nil {
				if !transport.IsExpectedAtClose(err) {
					logger.Error("forwarder connection read failed", "slot", s.index, "err", err)
				}
				return
			}
			if frame.IsHeartbeat() {
				continue
			}
			b.mu.RLock()
			onFrame := b.onFrame
			b.mu.RUnlock()
			if onFrame != nil {
				onFrame(s.index, frame)
			}
		}
	}()

	select {
	case <-done:
	case <-b.ctx.Done():
		_ = conn.Shutdown()
		<-done
	}
}

func (b *Backend) reportConnected(s *slot) {
	b.mu.RLock()
	host := b.host
	b.mu.RUnlock()
	if host != nil {
		host.OnConnected(s.index)
	}
}

func (b *Backend) reportDisconnected(s *slot, err error) {
	b.mu.RLock()
	host := b.host
	b.mu.RUnlock()
	if host != nil {
		host.OnDisconnected(s.index, err)
	}
}

// sleepBackoff waits s's current backoff (jittered ±25%), doubling it up
// to MaxBackoff, and reports whether the backend is still alive.
func (b *Backend) sleepBackoff(s *slot) bool {
	s.mu.Lock()
	d := s.backoff
	jitter := time.Duration((rand.Float64()*2 - 1) * jitterPercent * float64(d))
	wait := d + jitter
	if wait < 0 {
		wait = 0
	}
	s.backoff *= 2
	if s.backoff > MaxBackoff {
		s.backoff = MaxBackoff
	}
	s.mu.Unlock()

	select {
	case <-time.After(wait):
		return true
	case <-b.ctx.Done():
		return false
	}
}
