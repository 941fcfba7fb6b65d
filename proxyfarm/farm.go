package proxyfarm

import (
	"context"

	"github.com/ground-x/blmsg/broker"
	"github.com/ground-x/blmsg/ids"
)

// Farm couples a local broker.Server to a SessionBus: local Unregister
// events are published for the rest of the farm, and
// events published by other members are applied locally, keeping target
// association tables coherent across proxy brokers without a consensus
// round-trip.
type Farm struct {
	server *broker.Server
	bus    *SessionBus
}

// NewFarm couples server and bus: every local Unregister is published as
// a FlushPeerSessions event for the rest of the farm. Call Watch in its
// own goroutine to apply events the rest of the farm publishes.
func NewFarm(server *broker.Server, bus *SessionBus) *Farm {
	f := &Farm{server: server, bus: bus}
	server.OnUnregister(func(peerID ids.ID) {
		f.PublishPeerFlushed(context.Background(), peerID)
	})
	return f
}

// Watch applies every farm-wide event to the local server until ctx is
// done. Intended to run in its own goroutine for the broker process's
// lifetime.
func (f *Farm) Watch(ctx context.Context) {
	for ev := range f.bus.Subscribe(ctx) {
		switch ev.Type {
		case EventFlushPeerSessions:
			f.server.ForgetPeer(ev.PeerID)
		case EventTargetDissociated:
			f.server.ForgetTarget(ev.PeerID)
		default:
			logger.Warn("proxyfarm: unknown event type", "type", ev.Type)
			continue
		}
		logger.Info("applied farm invalidation", "type", ev.Type, "peerId", ev.PeerID.Short())
	}
}

// PublishPeerFlushed broadcasts that peerID's session was dropped locally
// (disconnect or watchdog eviction), so other farm members evict any
// target association they hold pointing to it.
func (f *Farm) PublishPeerFlushed(ctx context.Context, peerID ids.ID) {
	f.bus.Publish(ctx, EventFlushPeerSessions, peerID)
}

// PublishTargetDissociated broadcasts that target is no longer reachable
// through this broker specifically.
func (f *Farm) PublishTargetDissociated(ctx context.Context, target ids.ID) {
	f.bus.Publish(ctx, EventTargetDissociated, target)
}

// Close releases the underlying SessionBus's redis client.
func (f *Farm) Close() error {
	return f.bus.Close()
}
