package config

import (
	"strings"

	"github.com/alecthomas/units"
	cli "gopkg.in/urfave/cli.v1"
)

// sizeValue adapts alecthomas/units.Base2Bytes to cli.Generic, so
// --max-payload-size takes a human-readable size ("1MiB", "512KiB")
// instead of a raw byte count, per SPEC_FULL.md §6.
type sizeValue units.Base2Bytes

func newSizeValue(initial units.Base2Bytes) *sizeValue {
	v := sizeValue(initial)
	return &v
}

func (v *sizeValue) Set(s string) error {
	parsed, err := units.ParseBase2Bytes(s)
	if err != nil {
		return err
	}
	*v = sizeValue(parsed)
	return nil
}

func (v *sizeValue) String() string {
	return units.Base2Bytes(*v).String()
}

var (
	ConfigFileFlag = cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}

	InboundPortFlag = cli.IntFlag{
		Name:  "inbound-port",
		Usage: "TCP port this broker accepts peer connections on",
	}
	OutboundPortFlag = cli.IntFlag{
		Name:  "outbound-port",
		Usage: "TCP port this broker uses for outbound peer/proxy connections",
	}
	ProcessingThreadsCountFlag = cli.IntFlag{
		Name:  "processing-threads-count",
		Usage: "processing thread count, stored in BrokerConfig.ProcessingThreadsCount (no broker component reads it)",
	}
	MaxOutstandingOperationsFlag = cli.IntFlag{
		Name:  "max-outstanding-operations",
		Usage: "max outstanding operations, stored in BrokerConfig.MaxOutstandingOperations (no broker component reads it)",
	}
	MaxQueueDepthFlag = cli.IntFlag{
		Name:  "max-queue-depth",
		Usage: "max frames queued per outgoing peer session before routing nacks with TargetPeerQueueFull",
		Value: DefaultMaxQueueDepth,
	}
	MaxPayloadSizeFlag = cli.GenericFlag{
		Name:  "max-payload-size",
		Usage: "max accepted frame payload size, e.g. 1MiB",
		Value: newSizeValue(1 * units.Mebibyte),
	}

	PrivateKeyFileFlag = cli.StringFlag{
		Name:  "private-key-file",
		Usage: "PEM private key for this broker's TLS identity",
	}
	CertificateFileFlag = cli.StringFlag{
		Name:  "certificate-file",
		Usage: "PEM certificate chain for this broker's TLS identity",
	}
	AuthorizationConfigFileFlag = cli.StringFlag{
		Name:  "authorization-config-file",
		Usage: "config for the auth.Cache's authorization backend",
	}
	VerifyRootCAFlag = cli.BoolTFlag{
		Name:  "verify-root-ca",
		Usage: "verify peer certificates against the system root CA pool (disable only for local testing)",
	}
	ProxyEndpointsFlag = cli.StringSliceFlag{
		Name:  "proxy-endpoints",
		Usage: "upstream broker endpoints this proxy farm member forwards unassociated targets to",
	}
	ProxyAuthTokenFlag = cli.StringFlag{
		Name:  "proxy-auth-token",
		Usage: "authenticationToken this broker hands an upstream proxy-farm broker on connect",
	}
	FarmRedisAddrFlag = cli.StringFlag{
		Name:  "farm-redis-addr",
		Usage: "redis host:port used to publish/subscribe proxy-farm session invalidation events (disabled if unset)",
	}

	MetricsAddrFlag = cli.StringFlag{
		Name:  "metrics-addr",
		Usage: "listen address for the Prometheus /metrics endpoint",
	}
	LogLevelFlag = cli.StringFlag{
		Name:  "log-level",
		Usage: "trace|debug|info|warn|error|crit",
		Value: "info",
	}
	HeartbeatIntervalFlag = cli.DurationFlag{
		Name:  "heartbeat-interval",
		Usage: "interval between heartbeat frames, sent on every connection regardless of other traffic",
	}
	WatchdogIntervalFlag = cli.DurationFlag{
		Name:  "watchdog-interval",
		Usage: "interval between idle-session sweeps",
	}

	TokenCookieNameFlag = cli.StringSliceFlag{
		Name:  "token-cookie-name",
		Usage: "cookie name(s) checked, in order, for the caller's authentication token",
	}
	TokenTypeDefaultFlag = cli.StringFlag{
		Name:  "token-type-default",
		Usage: "token type assumed when no cookie is present",
	}
	TokenDataDefaultFlag = cli.StringFlag{
		Name:  "token-data-default",
		Usage: "fallback token used when no cookie is present",
	}
	RequestTimeoutInSecondsFlag = cli.IntFlag{
		Name:  "request-timeout-in-seconds",
		Usage: "how long the HTTP bridge waits for a broker reply before timing out",
		Value: 30,
	}
	GraphQLErrorFormattingFlag = cli.BoolFlag{
		Name:  "graphql-error-formatting",
		Usage: "emit GraphQL-style {errors:[...]} bodies instead of the plain error envelope",
	}
	ListenAddrFlag = cli.StringFlag{
		Name:  "listen-addr",
		Usage: "HTTP listen address for the bridge",
	}

	BrokerEndpointFlag = cli.StringFlag{
		Name:  "broker-endpoint",
		Usage: "broker host:port this client connects its forwarder.Backend pool to",
	}
	PoolSizeFlag = cli.IntFlag{
		Name:  "pool-size",
		Usage: "number of striped outbound connections in the forwarder pool",
	}
	PeerIDFlag = cli.StringFlag{
		Name:  "peer-id",
		Usage: "fixed peer id this echo server authenticates as (random if unset)",
	}
	TargetPeerIDFlag = cli.StringFlag{
		Name:  "target-peer-id",
		Usage: "peer id every inbound HTTP request is dispatched to",
	}
	AuthTokenFlag = cli.StringFlag{
		Name:  "auth-token",
		Usage: "authenticationToken this client's forwarder pool hands the broker on connect",
	}
)

// BrokerFlags is bl-messaging-broker's full flag table.
var BrokerFlags = []cli.Flag{
	InboundPortFlag, OutboundPortFlag, ProcessingThreadsCountFlag,
	MaxOutstandingOperationsFlag, MaxQueueDepthFlag, MaxPayloadSizeFlag,
	PrivateKeyFileFlag, CertificateFileFlag, AuthorizationConfigFileFlag,
	VerifyRootCAFlag, ProxyEndpointsFlag, ProxyAuthTokenFlag, FarmRedisAddrFlag, MetricsAddrFlag, LogLevelFlag,
	HeartbeatIntervalFlag, WatchdogIntervalFlag, ConfigFileFlag,
}

// GatewayFlags is bl-messaging-http-gateway's full flag table: the
// transport flags it needs as a client, plus its own bridge-specific ones.
var GatewayFlags = []cli.Flag{
	BrokerEndpointFlag, PoolSizeFlag, TargetPeerIDFlag, AuthTokenFlag,
	PrivateKeyFileFlag, VerifyRootCAFlag,
	TokenCookieNameFlag, TokenTypeDefaultFlag, TokenDataDefaultFlag,
	RequestTimeoutInSecondsFlag, GraphQLErrorFormattingFlag, ListenAddrFlag,
	MetricsAddrFlag, LogLevelFlag, ConfigFileFlag,
}

// EchoServerFlags is bl-messaging-echo-server's full flag table.
var EchoServerFlags = []cli.Flag{
	BrokerEndpointFlag, PoolSizeFlag, PeerIDFlag, AuthTokenFlag, LogLevelFlag, ConfigFileFlag,
}

// ApplyBrokerFlags overlays ctx's explicitly-set flags onto cfg.
func ApplyBrokerFlags(ctx *cli.Context, cfg *BrokerConfig) {
	if ctx.IsSet(InboundPortFlag.Name) {
		cfg.InboundPort = ctx.Int(InboundPortFlag.Name)
	}
	if ctx.IsSet(OutboundPortFlag.Name) {
		cfg.OutboundPort = ctx.Int(OutboundPortFlag.Name)
	}
	if ctx.IsSet(ProcessingThreadsCountFlag.Name) {
		cfg.ProcessingThreadsCount = ctx.Int(ProcessingThreadsCountFlag.Name)
	}
	if ctx.IsSet(MaxOutstandingOperationsFlag.Name) {
		cfg.MaxOutstandingOperations = ctx.Int(MaxOutstandingOperationsFlag.Name)
	}
	if ctx.IsSet(MaxQueueDepthFlag.Name) {
		cfg.MaxQueueDepth = ctx.Int(MaxQueueDepthFlag.Name)
	}
	if ctx.IsSet(MaxPayloadSizeFlag.Name) {
		if v, ok := ctx.Generic(MaxPayloadSizeFlag.Name).(*sizeValue); ok && v != nil {
			cfg.MaxPayloadSize = units.Base2Bytes(*v)
		}
	}
	if ctx.IsSet(PrivateKeyFileFlag.Name) {
		cfg.PrivateKeyFile = ctx.String(PrivateKeyFileFlag.Name)
	}
	if ctx.IsSet(CertificateFileFlag.Name) {
		cfg.CertificateFile = ctx.String(CertificateFileFlag.Name)
	}
	if ctx.IsSet(AuthorizationConfigFileFlag.Name) {
		cfg.AuthorizationConfigFile = ctx.String(AuthorizationConfigFileFlag.Name)
	}
	if ctx.IsSet(VerifyRootCAFlag.Name) {
		cfg.VerifyRootCA = ctx.BoolT(VerifyRootCAFlag.Name)
	}
	if ctx.IsSet(ProxyEndpointsFlag.Name) {
		cfg.ProxyEndpoints = ctx.StringSlice(ProxyEndpointsFlag.Name)
	}
	if ctx.IsSet(ProxyAuthTokenFlag.Name) {
		cfg.ProxyAuthToken = ctx.String(ProxyAuthTokenFlag.Name)
	}
	if ctx.IsSet(FarmRedisAddrFlag.Name) {
		cfg.FarmRedisAddr = ctx.String(FarmRedisAddrFlag.Name)
	}
	if ctx.IsSet(MetricsAddrFlag.Name) {
		cfg.MetricsAddr = ctx.String(MetricsAddrFlag.Name)
	}
	if ctx.IsSet(LogLevelFlag.Name) {
		cfg.LogLevel = strings.ToLower(ctx.String(LogLevelFlag.Name))
	}
	if ctx.IsSet(HeartbeatIntervalFlag.Name) {
		cfg.HeartbeatInterval = ctx.Duration(HeartbeatIntervalFlag.Name)
	}
	if ctx.IsSet(WatchdogIntervalFlag.Name) {
		cfg.WatchdogInterval = ctx.Duration(WatchdogIntervalFlag.Name)
	}
}

// ApplyGatewayFlags overlays ctx's explicitly-set flags onto cfg.
func ApplyGatewayFlags(ctx *cli.Context, cfg *GatewayConfig) {
	if ctx.IsSet(BrokerEndpointFlag.Name) {
		cfg.BrokerEndpoint = ctx.String(BrokerEndpointFlag.Name)
	}
	if ctx.IsSet(PoolSizeFlag.Name) {
		cfg.PoolSize = ctx.Int(PoolSizeFlag.Name)
	}
	if ctx.IsSet(TargetPeerIDFlag.Name) {
		cfg.TargetPeerID = ctx.String(TargetPeerIDFlag.Name)
	}
	if ctx.IsSet(AuthTokenFlag.Name) {
		cfg.AuthToken = ctx.String(AuthTokenFlag.Name)
	}
	if ctx.IsSet(PrivateKeyFileFlag.Name) {
		cfg.PrivateKeyFile = ctx.String(PrivateKeyFileFlag.Name)
	}
	if ctx.IsSet(VerifyRootCAFlag.Name) {
		cfg.VerifyRootCA = ctx.BoolT(VerifyRootCAFlag.Name)
	}
	if ctx.IsSet(TokenCookieNameFlag.Name) {
		cfg.TokenCookieNames = ctx.StringSlice(TokenCookieNameFlag.Name)
	}
	if ctx.IsSet(TokenTypeDefaultFlag.Name) {
		cfg.TokenTypeDefault = ctx.String(TokenTypeDefaultFlag.Name)
	}
	if ctx.IsSet(TokenDataDefaultFlag.Name) {
		cfg.TokenDataDefault = ctx.String(TokenDataDefaultFlag.Name)
	}
	if ctx.IsSet(RequestTimeoutInSecondsFlag.Name) {
		cfg.RequestTimeoutInSeconds = ctx.Int(RequestTimeoutInSecondsFlag.Name)
	}
	if ctx.IsSet(GraphQLErrorFormattingFlag.Name) {
		cfg.GraphQLErrorFormatting = ctx.Bool(GraphQLErrorFormattingFlag.Name)
	}
	if ctx.IsSet(ListenAddrFlag.Name) {
		cfg.ListenAddr = ctx.String(ListenAddrFlag.Name)
	}
	if ctx.IsSet(MetricsAddrFlag.Name) {
		cfg.MetricsAddr = ctx.String(MetricsAddrFlag.Name)
	}
	if ctx.IsSet(LogLevelFlag.Name) {
		cfg.LogLevel = strings.ToLower(ctx.String(LogLevelFlag.Name))
	}
}

// ApplyEchoServerFlags overlays ctx's explicitly-set flags onto cfg.
func ApplyEchoServerFlags(ctx *cli.Context, cfg *EchoServerConfig) {
	if ctx.IsSet(BrokerEndpointFlag.Name) {
		cfg.BrokerEndpoint = ctx.String(BrokerEndpointFlag.Name)
	}
	if ctx.IsSet(PoolSizeFlag.Name) {
		cfg.PoolSize = ctx.Int(PoolSizeFlag.Name)
	}
	if ctx.IsSet(PeerIDFlag.Name) {
		cfg.PeerID = ctx.String(PeerIDFlag.Name)
	}
	if ctx.IsSet(AuthTokenFlag.Name) {
		cfg.AuthToken = ctx.String(AuthTokenFlag.Name)
	}
	if ctx.IsSet(LogLevelFlag.Name) {
		cfg.LogLevel = strings.ToLower(ctx.String(LogLevelFlag.Name))
	}
}
