// Package config implements the TOML-file-plus-CLI-flag configuration
// layer shared by the three daemons (spec.md §6's expanded CLI surface),
// styled on the teacher's cmd/utils/nodecmd dumpconfig/flags pairing:
// defaults first, a TOML file overlaid on them, then explicit CLI flags
// overlaid on that.
package config

import (
	"time"

	"github.com/alecthomas/units"
)

// DefaultMaxQueueDepth mirrors broker.DefaultMaxQueueDepth; duplicated here
// (rather than imported) so this package stays import-free of broker,
// which would otherwise need to import config right back for its own CLI
// entrypoint wiring.
const DefaultMaxQueueDepth = 1024

// BrokerConfig configures bl-messaging-broker.
type BrokerConfig struct {
	InboundPort              int
	OutboundPort             int
	ProcessingThreadsCount   int
	MaxOutstandingOperations int
	MaxQueueDepth            int
	MaxPayloadSize           units.Base2Bytes

	PrivateKeyFile          string
	CertificateFile         string
	AuthorizationConfigFile string
	VerifyRootCA            bool

	ProxyEndpoints []string
	ProxyAuthToken string
	FarmRedisAddr  string

	MetricsAddr string
	LogLevel    string

	HeartbeatInterval time.Duration
	WatchdogInterval  time.Duration
}

// DefaultBrokerConfig returns bl-messaging-broker's defaults.
func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		InboundPort:              29300,
		OutboundPort:             29301,
		ProcessingThreadsCount:   4,
		MaxOutstandingOperations: 4096,
		MaxQueueDepth:            DefaultMaxQueueDepth,
		MaxPayloadSize:           1 * units.Mebibyte,
		VerifyRootCA:             true,
		MetricsAddr:              ":9090",
		LogLevel:                 "info",
		HeartbeatInterval:        30 * time.Second,
		WatchdogInterval:         60 * time.Second,
	}
}

// GatewayConfig configures bl-messaging-http-gateway.
type GatewayConfig struct {
	BrokerEndpoint string
	PoolSize       int
	TargetPeerID   string
	AuthToken      string
	PrivateKeyFile string
	VerifyRootCA   bool

	TokenCookieNames        []string
	TokenTypeDefault        string
	TokenDataDefault        string
	RequestTimeoutInSeconds int
	GraphQLErrorFormatting  bool
	ListenAddr              string

	MetricsAddr string
	LogLevel    string
}

// DefaultGatewayConfig returns bl-messaging-http-gateway's defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		PoolSize:                4,
		VerifyRootCA:            true,
		RequestTimeoutInSeconds: 30,
		ListenAddr:              ":8080",
		MetricsAddr:             ":9091",
		LogLevel:                "info",
	}
}

// EchoServerConfig configures bl-messaging-echo-server, the reference peer
// used for integration testing against a live broker.
type EchoServerConfig struct {
	BrokerEndpoint string
	PoolSize       int
	PeerID         string
	AuthToken      string
	LogLevel       string
}

// DefaultEchoServerConfig returns bl-messaging-echo-server's defaults.
func DefaultEchoServerConfig() EchoServerConfig {
	return EchoServerConfig{
		PoolSize: 2,
		LogLevel: "info",
	}
}
