// Package config defines the typed configuration surface every
// cmd/ entrypoint wires into its components. Per spec.md's explicit
// non-goal ("the command-line front-ends, configuration file parsing,
// packaging, deployment scripts, dashboards" are out of scope), this
// package holds only plain struct definitions with defaults applied in
// Go — it never reads a file, an environment variable, or a flag. A
// deployment wraps Config construction in whatever front-end it wants;
// the engine itself only ever sees an already-populated Config value.
package config

import (
	"crypto/tls"
	"time"

	"github.com/veilmux/core/internal/consensus"
	"github.com/veilmux/core/internal/store"
)

// ListenConfig describes one network-facing listener.
type ListenConfig struct {
	Address   string
	TLSConfig *tls.Config
}

// TunnelConfig covers the Tunnel Transport's back-pressure and liveness
// tunables, per spec.md §4.4.
type TunnelConfig struct {
	HighWaterMark   int
	LowWaterMark    int
	PingInterval    time.Duration
	PongTimeout     time.Duration
	UnauthDeadline  time.Duration
}

// DefaultTunnelConfig matches spec.md §4.4's stated constants.
func DefaultTunnelConfig() TunnelConfig {
	return TunnelConfig{
		HighWaterMark:  4 << 20,
		LowWaterMark:   1 << 20,
		PingInterval:   30 * time.Second,
		PongTimeout:    90 * time.Second,
		UnauthDeadline: 10 * time.Second,
	}
}

// AuthConfig names the keystore path and the emergency watcher's poll
// interval; key material itself is loaded from KeystorePath at startup,
// never embedded in Config.
type AuthConfig struct {
	KeystorePath       string
	EmergencyPoll      time.Duration
}

func DefaultAuthConfig() AuthConfig {
	return AuthConfig{EmergencyPoll: 15 * time.Second}
}

// StoreConfig is passed through verbatim to store.Open.
type StoreConfig = store.Config

// ConsensusConfig is passed through verbatim to consensus.NewNode, plus
// the listen address this node serves Consensus RPCs on.
type ConsensusConfig struct {
	Node   consensus.Config
	Listen ListenConfig
}

// DispatchConfig covers the exit dispatcher's pool sizing and health
// probe cadence.
type DispatchConfig struct {
	PoolSize      int
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
}

func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{PoolSize: 4, ProbeInterval: 10 * time.Second, ProbeTimeout: 2 * time.Second}
}

// ExportConfig covers the batch analytics export sink.
type ExportConfig struct {
	SinkDir  string
	Interval time.Duration
}

func DefaultExportConfig() ExportConfig {
	return ExportConfig{Interval: 5 * time.Minute}
}

// OperatorConfig is the operator HTTP surface's own listener, kept
// distinct from the tunnel-facing listener per spec.md §6.
type OperatorConfig struct {
	Listen ListenConfig
}

// HandlerConfig is the complete configuration of one handler process
// (the role that terminates tunnels, runs the Auth Engine, and
// participates in consensus).
type HandlerConfig struct {
	Tunnel    TunnelConfig
	Auth      AuthConfig
	Store     StoreConfig
	Consensus ConsensusConfig
	Dispatch  DispatchConfig
	Export    ExportConfig
	Operator  OperatorConfig
	Listen    ListenConfig
}

// ExitConfig is the complete configuration of one exit process: it joins
// consensus as a non-voting observer and serves the exit-ward wire
// protocol to handlers.
type ExitConfig struct {
	Consensus ConsensusConfig
	Listen    ListenConfig
}

// ClientConfig is the complete configuration of one client process: the
// role that authenticates against a handler, dials the tunnel, and proxies
// a local listener's connections through it, generalizing the teacher's
// cmd/ck-client flag set (RemoteHost/RemotePort/UID/SessionKey/Listen)
// into typed fields under the same "no flag/file parsing" non-goal as
// HandlerConfig/ExitConfig.
type ClientConfig struct {
	RemoteHost      string
	RemotePort      string
	TLSConfig       *tls.Config
	HiddenDataB64   string
	ServerPublicKey [32]byte
	UserID          uint64
	HMACSecret      []byte
	Target          string
	Listen          ListenConfig
}
