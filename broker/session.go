// Package broker implements the routing engine of spec.md §4.C6: a peer
// registry, a target association table, per-peer outgoing queues with
// backpressure, and a watchdog that evicts idle sessions. Grounded on the
// teacher's bridgePeerSet (node/sc/bridgepeer.go) for the registry shape.
package broker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ground-x/blmsg/errs"
	"github.com/ground-x/blmsg/ids"
	"github.com/ground-x/blmsg/protocol"
	"github.com/ground-x/blmsg/transport"
)

// queuedFrame is one outbound wire frame awaiting delivery on a session's
// writer goroutine.
type queuedFrame struct {
	header  transport.Header
	payload []byte
}

// Session is one authenticated peer's connection and outgoing queue.
type Session struct {
	id   ids.ID
	conn *transport.BlockConnection

	outgoing chan queuedFrame
	state    *protocol.StateMachine

	lastActivity int64 // unix nanoseconds, atomic

	closeOnce sync.Once
	done      chan struct{}
	writerWg  sync.WaitGroup
}

// newSession constructs a Session with the given outgoing queue depth and
// starts its writer goroutine.
func newSession(id ids.ID, conn *transport.BlockConnection, queueDepth int) *Session {
	s := &Session{
		id:       id,
		conn:     conn,
		outgoing: make(chan queuedFrame, queueDepth),
		state:    protocol.NewStateMachine(),
		done:     make(chan struct{}),
	}
	s.touch()
	s.writerWg.Add(1)
	go s.writeLoop()
	return s
}

// ID returns the session's peer id.
func (s *Session) ID() ids.ID { return s.id }

// State returns the session's connection state machine.
func (s *Session) State() *protocol.StateMachine { return s.state }

// LastActivity returns the last time this session was created, had a frame
// read from its peer, or had a frame routed to it; writes to the peer do not
// update it.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, atomic.LoadInt64(&s.lastActivity))
}

func (s *Session) touch() {
	atomic.StoreInt64(&s.lastActivity, time.Now().UnixNano())
}

// Enqueue pushes a frame onto the outgoing queue without blocking; it fails
// with CodeTargetPeerQueueFull if the queue is already at capacity.
func (s *Session) Enqueue(header transport.Header, payload []byte) error {
	select {
	case s.outgoing <- queuedFrame{header: header, payload: payload}:
		return nil
	default:
		return errs.New(errs.CodeTargetPeerQueueFull, "broker: outgoing queue full for peer %s", s.id.Short())
	}
}

func (s *Session) writeLoop() {
	defer s.writerWg.Done()
	for {
		select {
		case qf := <-s.outgoing:
			if err := s.conn.WriteFrame(qf.header, qf.payload); err != nil {
				if !transport.IsExpectedAtClose(err) {
					logger.Error("frame write failed", "peer", s.id.Short(), "err", err)
				}
				return
			}
		case <-s.done:
			// Drain whatever remains, best-effort, before exiting — spec.md
			// §4.C4 requires draining sessions to flush in-flight frames.
			for {
				select {
				case qf := <-s.outgoing:
					_ = s.conn.WriteFrame(qf.header, qf.payload)
				default:
					return
				}
			}
		}
	}
}

// close stops the writer loop and closes the underlying connection. Safe
// to call more than once.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.writerWg.Wait()
		_ = s.conn.Shutdown()
	})
}
