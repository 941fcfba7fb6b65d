// Command bl-messaging-http-gateway implements the HTTP→messaging bridge
// of spec.md §4.C9: it maintains a forwarder pool to a broker, wraps it in
// a conversation.Engine, and serves every inbound HTTP request as a
// dispatch to a fixed target peer.
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cli "gopkg.in/urfave/cli.v1"

	"github.com/ground-x/blmsg/config"
	"github.com/ground-x/blmsg/conversation"
	"github.com/ground-x/blmsg/forwarder"
	"github.com/ground-x/blmsg/httpbridge"
	"github.com/ground-x/blmsg/ids"
	"github.com/ground-x/blmsg/log"
	"github.com/ground-x/blmsg/metrics"
	"github.com/ground-x/blmsg/protocol"
	"github.com/ground-x/blmsg/transport"
)

var logger = log.NewModuleLogger(log.HTTPBridge)

// Engine tuning not worth exposing as flags yet (spec.md §9).
const (
	maxRetries   = 2
	retryBackoff = 200 * time.Millisecond
)

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "bl-messaging-http-gateway"
	app.Usage = "HTTP-to-broker bridge"
	app.Flags = config.GatewayFlags
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
	cfg := config.DefaultGatewayConfig()
	if path := ctx.String(config.ConfigFileFlag.Name); path != "" {
		if err := config.LoadFile(path, &cfg); err != nil {
			return config.NewInvalidCmdlineError("bl-messaging-http-gateway: failed to load %s: %v", path, err)
		}
	}
	config.ApplyGatewayFlags(ctx, &cfg)
	log.SetLevel(cfg.LogLevel)

	if cfg.BrokerEndpoint == "" {
		return config.NewInvalidCmdlineError("bl-messaging-http-gateway: --broker-endpoint is required")
	}
	if cfg.TargetPeerID == "" {
		return config.NewInvalidCmdlineError("bl-messaging-http-gateway: --target-peer-id is required")
	}
	targetPeerID, err := ids.Parse(cfg.TargetPeerID)
	if err != nil {
		return config.NewInvalidCmdlineError("bl-messaging-http-gateway: invalid --target-peer-id: %v", err)
	}

	dial := func(dialCtx context.Context) (*tls.Conn, error) {
		d := &tls.Dialer{Config: &tls.Config{InsecureSkipVerify: !cfg.VerifyRootCA}}
		c, err := d.DialContext(dialCtx, "tcp", cfg.BrokerEndpoint)
		if err != nil {
			return nil, err
		}
		return c.(*tls.Conn), nil
	}
	backend := forwarder.NewBackend(cfg.PoolSize, dial, cfg.AuthToken, nil, 30*time.Second, 30*time.Second, 30*time.Second)
	defer backend.Dispose()

	sender := forwarder.NewBackendSender(backend)
	engine := conversation.NewEngine(sender, time.Duration(cfg.RequestTimeoutInSeconds)*time.Second, maxRetries, retryBackoff)
	backend.SetFrameHandler(func(slot int, frame transport.Frame) {
		if frame.IsHeartbeat() {
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(frame.Payload, &env); err != nil {
			logger.Warn("gateway: dropping malformed reply frame", "slot", slot, "err", err)
			return
		}
		engine.OnMessage(&env, frame.Payload)
	})

	tokens := httpbridge.TokenExtractor{
		CookieNames:  cfg.TokenCookieNames,
		DefaultType:  cfg.TokenTypeDefault,
		DefaultToken: cfg.TokenDataDefault,
	}
	errorFormat := httpbridge.PlainJSON
	if cfg.GraphQLErrorFormatting {
		errorFormat = httpbridge.GraphQL
	}
	bridge := httpbridge.New(engine, targetPeerID, tokens, errorFormat, time.Duration(cfg.RequestTimeoutInSeconds)*time.Second)

	go serveMetrics(cfg.MetricsAddr)

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: bridge.Handler()}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("gateway http server failed", "err", err)
		}
	}()
	logger.Info("gateway listening", "addr", cfg.ListenAddr, "broker", cfg.BrokerEndpoint)

	waitForShutdown()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func serveMetrics(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server failed", "addr", addr, "err", err)
	}
}

func waitForShutdown() {
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigc)
	<-sigc
}
