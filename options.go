package peergate

import (
	"time"

	"github.com/opd-ai/peergate/nat"
	"github.com/opd-ai/peergate/reachability"
	"github.com/opd-ai/peergate/registry"
	"github.com/opd-ai/peergate/session"
	"github.com/opd-ai/peergate/transport"
)

// Options contains configuration options for creating a Server.
type Options struct {
	// Port is the preferred listening port. If it is taken a free port is used.
	Port int
	// MaxPeers bounds handshakes in progress plus attached sessions.
	MaxPeers         int
	HandshakeTimeout time.Duration
	ListenTimeout    time.Duration

	// Banned lists CIDR blocks or addresses refused at accept time.
	Banned []string
	// ConnRatePerHost is the sustained connections per second allowed from
	// one IP; zero disables the limit.
	ConnRatePerHost float64
	ConnBurst       int

	// Prober checks external reachability. Nil assumes the port is reachable.
	Prober reachability.Prober
	// Mapper is the port-mapping fallback. Nil disables the fallback.
	Mapper nat.Mapper
	// Acquirer picks the listening port. Nil selects reachability.FreePortAcquirer.
	Acquirer reachability.PortAcquirer

	// Registry holds pending outbound requests. Nil selects an in-memory registry.
	Registry registry.Registry
	// Factory builds sessions. Nil selects session.NewSession.
	Factory session.Factory
	// Handler receives frames from attached sessions.
	Handler session.Handler
}

// NewOptions creates a new Options instance with default values.
func NewOptions() *Options {
	return &Options{
		Port:             2234,
		MaxPeers:         100,
		HandshakeTimeout: transport.DefaultHandshakeTimeout,
		ListenTimeout:    reachability.DefaultListenTimeout,
		ConnRatePerHost:  5,
		ConnBurst:        10,
		Acquirer:         reachability.FreePortAcquirer{},
	}
}
