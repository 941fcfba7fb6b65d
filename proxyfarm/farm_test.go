package proxyfarm

import (
	"encoding/json"
	"testing"

	"github.com/ground-x/blmsg/broker"
	"github.com/ground-x/blmsg/ids"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventJSONRoundTrip(t *testing.T) {
	ev := Event{Type: EventFlushPeerSessions, PeerID: ids.New(), OriginAddr: "127.0.0.1:9999"}
	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var decoded Event
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, ev, decoded)
}

func TestServerOnUnregisterHookFiresOnlyOnActualRemoval(t *testing.T) {
	server := broker.NewServer(0)
	fired := make(chan ids.ID, 4)
	server.OnUnregister(func(peerID ids.ID) { fired <- peerID })

	unknown := ids.New()
	server.Unregister(unknown)
	select {
	case got := <-fired:
		t.Fatalf("unregistering an unknown peer must not fire the hook, got %s", got.Short())
	default:
	}
}

func TestNewFarmPublishesOnUnregister(t *testing.T) {
	server := broker.NewServer(0)
	// NewFarm wires server.OnUnregister to publish a FlushPeerSessions
	// event; redis connectivity isn't needed to prove the hook is
	// installed and that publishing a nonexistent peer's removal doesn't
	// panic the unregister path (Publish swallows its own errors).
	bus := NewSessionBus("127.0.0.1:1", "blmsg-test-farm", "unit-test")
	defer bus.Close()
	_ = NewFarm(server, bus)

	unknown := ids.New()
	assert.NotPanics(t, func() { server.Unregister(unknown) })
}
