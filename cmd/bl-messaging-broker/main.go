// Command bl-messaging-broker runs the TLS-framed messaging broker of
// spec.md §4.C6: it accepts peer connections, authenticates each through
// an auth.Cache, and routes envelopes between registered sessions. With
// --proxy-endpoints set it also forwards dispatches for targets it has no
// local session for to an upstream broker farm (spec.md §4.C10).
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cli "gopkg.in/urfave/cli.v1"

	"github.com/ground-x/blmsg/auth"
	"github.com/ground-x/blmsg/broker"
	"github.com/ground-x/blmsg/config"
	"github.com/ground-x/blmsg/errs"
	"github.com/ground-x/blmsg/forwarder"
	"github.com/ground-x/blmsg/log"
	"github.com/ground-x/blmsg/metrics"
	"github.com/ground-x/blmsg/proxyfarm"
	"github.com/ground-x/blmsg/transport"
)

var logger = log.NewModuleLogger(log.CmdBroker)

// Authorization cache tuning not worth exposing as flags yet (spec.md §9).
const (
	authCacheCapacity   = 4096
	authFreshnessWindow = 5 * time.Minute
	authNegativeTTL     = 10 * time.Second
)

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "bl-messaging-broker"
	app.Usage = "TLS-framed messaging broker"
	app.Flags = config.BrokerFlags
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
	cfg := config.DefaultBrokerConfig()
	if path := ctx.String(config.ConfigFileFlag.Name); path != "" {
		if err := config.LoadFile(path, &cfg); err != nil {
			return config.NewInvalidCmdlineError("bl-messaging-broker: failed to load %s: %v", path, err)
		}
	}
	config.ApplyBrokerFlags(ctx, &cfg)
	log.SetLevel(cfg.LogLevel)

	if cfg.CertificateFile == "" || cfg.PrivateKeyFile == "" {
		return config.NewInvalidCmdlineError("bl-messaging-broker: --certificate-file and --private-key-file are required")
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertificateFile, cfg.PrivateKeyFile)
	if err != nil {
		return errs.Wrap(err, errs.CodeArgumentError, "bl-messaging-broker: failed to load TLS identity")
	}

	cache, err := buildAuthCache(cfg)
	if err != nil {
		return err
	}

	server := broker.NewServer(cfg.MaxQueueDepth)
	defer server.Close()

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if len(cfg.ProxyEndpoints) > 0 {
		farm, err := wireProxyFarm(runCtx, cfg, server)
		if err != nil {
			return err
		}
		if farm != nil {
			defer farm.Close()
		}
	}

	watchdog := broker.NewWatchdog(server, cfg.WatchdogInterval, 2*cfg.WatchdogInterval)
	go watchdog.Run(runCtx)

	go serveMetrics(cfg.MetricsAddr)

	ln, err := tls.Listen("tcp", fmt.Sprintf(":%d", cfg.InboundPort), &tls.Config{Certificates: []tls.Certificate{cert}})
	if err != nil {
		return errs.Wrap(err, errs.CodeInternal, "bl-messaging-broker: failed to listen on port %d", cfg.InboundPort)
	}
	defer ln.Close()

	go acceptLoop(runCtx, ln, server, cache, cfg)
	logger.Info("broker listening", "port", cfg.InboundPort)

	waitForShutdown()
	logger.Info("shutting down")
	return nil
}

func acceptLoop(ctx context.Context, ln net.Listener, server *broker.Server, cache auth.Cache, cfg config.BrokerConfig) {
	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				logger.Error("accept failed", "err", err)
				return
			}
		}
		go func(c net.Conn) {
			tlsConn, ok := c.(*tls.Conn)
			if !ok {
				c.Close()
				return
			}
			conn := transport.NewBlockConnection(tlsConn, 30*time.Second, 30*time.Second)
			if err := server.Serve(ctx, conn, cache, cfg.HeartbeatInterval); err != nil && !transport.IsExpectedAtClose(err) {
				logger.Warn("connection ended", "remote", conn.RemoteAddr(), "err", err)
			}
		}(c)
	}
}

func buildAuthCache(cfg config.BrokerConfig) (auth.Cache, error) {
	if cfg.AuthorizationConfigFile == "" {
		return nil, config.NewInvalidCmdlineError("bl-messaging-broker: --authorization-config-file is required")
	}
	var file auth.StaticAuthorizationFile
	if err := config.LoadFile(cfg.AuthorizationConfigFile, &file); err != nil {
		return nil, errs.Wrap(err, errs.CodeArgumentError, "bl-messaging-broker: failed to load authorization config")
	}
	task := auth.NewFileAuthorizationTask(file.Principals)
	return auth.NewRestCache("bearer", authCacheCapacity, task, authFreshnessWindow, authNegativeTTL), nil
}

// wireProxyFarm dials cfg.ProxyEndpoints[0] as this broker's upstream and
// installs it as the Server's fallback Deliverer. If cfg.FarmRedisAddr is
// also set, it joins the farm-wide session-invalidation bus (returned as a
// non-nil *proxyfarm.Farm to Close on shutdown); otherwise it returns only
// the Deliverer wiring and a nil Farm.
func wireProxyFarm(ctx context.Context, cfg config.BrokerConfig, server *broker.Server) (*proxyfarm.Farm, error) {
	endpoint := cfg.ProxyEndpoints[0]
	dial := func(dialCtx context.Context) (*tls.Conn, error) {
		d := &tls.Dialer{Config: &tls.Config{InsecureSkipVerify: !cfg.VerifyRootCA}}
		c, err := d.DialContext(dialCtx, "tcp", endpoint)
		if err != nil {
			return nil, err
		}
		return c.(*tls.Conn), nil
	}
	backend := forwarder.NewBackend(1, dial, cfg.ProxyAuthToken, nil, 30*time.Second, 30*time.Second, cfg.HeartbeatInterval)
	proxy := proxyfarm.NewProxyBackend(backend, proxyfarm.DefaultDeliverTimeout)
	server.SetRemoteDeliverer(proxy)

	if cfg.FarmRedisAddr == "" {
		return nil, nil
	}
	bus := proxyfarm.NewSessionBus(cfg.FarmRedisAddr, "blmsg:proxyfarm", fmt.Sprintf(":%d", cfg.InboundPort))
	farm := proxyfarm.NewFarm(server, bus)
	go farm.Watch(ctx)
	return farm, nil
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
