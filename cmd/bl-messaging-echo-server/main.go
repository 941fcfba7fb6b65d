// Command bl-messaging-echo-server is the reference peer used to exercise
// a broker end to end: it authenticates a forwarder pool against a broker
// and echoes every AsyncRpcDispatch it receives back as an
// AsyncRpcAcknowledgment carrying the same body.
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	cli "gopkg.in/urfave/cli.v1"

	"github.com/ground-x/blmsg/config"
	"github.com/ground-x/blmsg/forwarder"
	"github.com/ground-x/blmsg/ids"
	"github.com/ground-x/blmsg/log"
	"github.com/ground-x/blmsg/protocol"
	"github.com/ground-x/blmsg/transport"
)

var logger = log.NewModuleLogger(log.Forwarder)

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "bl-messaging-echo-server"
	app.Usage = "reference echo peer for exercising a broker"
	app.Flags = config.EchoServerFlags
	app.Action = run
	return app
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(config.ExitCode(err))
	}
}

func run(ctx *cli.Context) error {
	cfg := config.DefaultEchoServerConfig()
	if path := ctx.String(config.ConfigFileFlag.Name); path != "" {
		if err := config.LoadFile(path, &cfg); err != nil {
			return config.NewInvalidCmdlineError("bl-messaging-echo-server: failed to load %s: %v", path, err)
		}
	}
	config.ApplyEchoServerFlags(ctx, &cfg)
	log.SetLevel(cfg.LogLevel)

	if cfg.BrokerEndpoint == "" {
		return config.NewInvalidCmdlineError("bl-messaging-echo-server: --broker-endpoint is required")
	}

	var fixedPeerID *ids.ID
	if cfg.PeerID != "" {
		id, err := ids.Parse(cfg.PeerID)
		if err != nil {
			return config.NewInvalidCmdlineError("bl-messaging-echo-server: invalid --peer-id: %v", err)
		}
		fixedPeerID = &id
	}

	dial := func(dialCtx context.Context) (*tls.Conn, error) {
		d := &tls.Dialer{Config: &tls.Config{InsecureSkipVerify: true}}
		c, err := d.DialContext(dialCtx, "tcp", cfg.BrokerEndpoint)
		if err != nil {
			return nil, err
		}
		return c.(*tls.Conn), nil
	}
	backend := forwarder.NewBackend(cfg.PoolSize, dial, cfg.AuthToken, fixedPeerID, 30*time.Second, 30*time.Second, 30*time.Second)
	defer backend.Dispose()
	backend.SetFrameHandler(echoHandler(backend))

	logger.Info("echo server connecting", "broker", cfg.BrokerEndpoint, "poolSize", cfg.PoolSize)
	waitForShutdown()
	logger.Info("shutting down")
	return nil
}

// echoHandler replies to every AsyncRpcDispatch with an AsyncRpcAcknowledgment
// carrying the same asyncRpcRequest body back as the response's body.
func echoHandler(backend *forwarder.Backend) forwarder.FrameHandler {
	return func(slot int, frame transport.Frame) {
		if frame.IsHeartbeat() {
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(frame.Payload, &env); err != nil {
			logger.Warn("echo server: dropping malformed frame", "slot", slot, "err", err)
			return
		}
		if env.MessageType != protocol.AsyncRpcDispatch || env.SourcePeerID == nil {
			return
		}

		selfID, ok := backend.SelfIDFor(*env.SourcePeerID)
		if !ok {
			logger.Warn("echo server: no connection to reply on", "slot", slot)
			return
		}
		var body json.RawMessage
		if env.Payload != nil {
			body = env.Payload.AsyncRpcRequest
		}
		ack := &protocol.Envelope{
			MessageType:    protocol.AsyncRpcAcknowledgment,
			MessageID:      ids.New(),
			ConversationID: env.ConversationID,
			SourcePeerID:   &selfID,
			TargetPeerID:   env.SourcePeerID,
			Payload:        &protocol.Payload{AsyncRpcResponse: &protocol.RpcResponse{Body: body}},
		}
		payload, err := json.Marshal(ack)
		if err != nil {
			logger.Error("echo server: failed to encode acknowledgment", "err", err)
			return
		}
		header := transport.Header{Command: transport.SendChunk, ChunkID: ids.New(), Source: selfID, Target: *env.SourcePeerID}
		backend.Push(*env.SourcePeerID, header, payload, func(err error) {
			if err != nil {
				logger.Warn("echo server: reply failed", "err", err)
			}
		})
	}
}

func waitForShutdown() {
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigc)
	<-sigc
}
