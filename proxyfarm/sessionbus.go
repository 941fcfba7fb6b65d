// Package proxyfarm implements the C10 expansion: best-effort target
// association invalidation across a farm of proxy brokers sitting in front
// of a shared upstream, over redis pub/sub. This is cache coherence, not
// consensus — spec.md's "no multi-broker consensus protocol" Non-goal
// still holds; a missed or delayed event just means a peer keeps routing to
// a stale local session until its own watchdog or a routing failure clears
// it.
package proxyfarm

import (
	"context"
	"encoding/json"

	redis "github.com/go-redis/redis/v7"

	"github.com/ground-x/blmsg/ids"
	"github.com/ground-x/blmsg/log"
)

var logger = log.NewModuleLogger(log.Proxyfarm)

// EventType names what changed about a peer's membership in the farm.
type EventType string

const (
	// EventFlushPeerSessions mirrors the FlushPeerSessions command: peerID
	// disconnected (or was evicted) on the publishing broker and every
	// other farm member should drop the target associations it holds
	// pointing to it.
	EventFlushPeerSessions EventType = "FlushPeerSessions"
	// EventTargetDissociated says peerID is no longer reachable as a
	// dispatch target through the publishing broker specifically (it may
	// still be registered elsewhere in the farm).
	EventTargetDissociated EventType = "TargetDissociated"
)

// Event is the pub/sub message shape, published verbatim as JSON.
type Event struct {
	Type       EventType `json:"type"`
	PeerID     ids.ID    `json:"peerId"`
	OriginAddr string    `json:"originAddr"`
}

// SessionBus publishes and subscribes to farm-wide session-invalidation
// events over a single redis channel.
type SessionBus struct {
	client  *redis.Client
	channel string
	origin  string
}

// NewSessionBus builds a SessionBus against a redis server at addr,
// publishing/subscribing on channel. origin identifies this broker
// instance in published events (e.g. its inbound listen address), so a
// subscriber can tell its own echoed events apart from a peer's, should it
// ever need to.
func NewSessionBus(addr, channel, origin string) *SessionBus {
	return &SessionBus{
		client:  redis.NewClient(&redis.Options{Addr: addr}),
		channel: channel,
		origin:  origin,
	}
}

// Publish broadcasts ev to the farm. Failures are logged and swallowed —
// a missed invalidation is a staleness window, not a correctness failure,
// per this package's best-effort contract.
func (b *SessionBus) Publish(ctx context.Context, evType EventType, peerID ids.ID) {
	payload, err := json.Marshal(Event{Type: evType, PeerID: peerID, OriginAddr: b.origin})
	if err != nil {
		logger.Error("proxyfarm: failed to encode event", "err", err)
		return
	}
	if err := b.client.Publish(b.channel, payload).Err(); err != nil {
		logger.Warn("proxyfarm: failed to publish event", "type", evType, "peerId", peerID.Short(), "err", err)
	}
}

// Subscribe starts listening on the farm channel and returns a channel of
// decoded events, excluding ones this instance published itself. The
// returned channel is closed when ctx is done or the subscription fails
// irrecoverably.
func (b *SessionBus) Subscribe(ctx context.Context) <-chan Event {
	out := make(chan Event, 64)
	sub := b.client.Subscribe(b.channel)

	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					logger.Warn("proxyfarm: failed to decode event", "err", err)
					continue
				}
				if ev.OriginAddr != "" && ev.OriginAddr == b.origin {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

// Close releases the underlying redis client.
func (b *SessionBus) Close() error {
	return b.client.Close()
}
