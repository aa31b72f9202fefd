package transport

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
)

var (
	// ErrBanned indicates the remote address is on the ban list.
	ErrBanned = errors.New("remote address banned")

	// ErrRateLimited indicates the remote host opened connections too quickly.
	ErrRateLimited = errors.New("connection rate limit exceeded")

	// ErrCapacity indicates the node already serves MaxPeers connections.
	ErrCapacity = errors.New("peer capacity reached")
)

// GaterConfig configures admission of inbound connections.
type GaterConfig struct {
	// MaxPeers bounds handshakes in progress plus attached sessions. Zero disables the bound.
	MaxPeers int
	// Banned lists CIDR blocks or single IP addresses to refuse.
	Banned []string
	// RatePerHost is the sustained number of connections per second allowed
	// from one IP. Zero disables rate limiting.
	RatePerHost float64
	// Burst is the number of connections a host may open at once.
	Burst int
}

// Gater decides whether an accepted socket may proceed to the handshake.
// It is safe for concurrent use.
type Gater struct {
	mu       sync.Mutex
	maxPeers int
	active   int
	banned   []*net.IPNet
	limiter  *hostLimiter
}

// NewGater creates a gater from cfg.
func NewGater(cfg GaterConfig) (*Gater, error) {
	g := &Gater{maxPeers: cfg.MaxPeers}
	for _, entry := range cfg.Banned {
		if err := g.Ban(entry); err != nil {
			return nil, err
		}
	}
	if cfg.RatePerHost > 0 {
		g.limiter = newHostLimiter(cfg.RatePerHost, cfg.Burst)
	}
	return g, nil
}

// Ban adds a CIDR block or single IP to the ban list.
func (g *Gater) Ban(entry string) error {
	ipNet, err := parseBanEntry(entry)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.banned = append(g.banned, ipNet)
	g.mu.Unlock()
	return nil
}

func parseBanEntry(entry string) (*net.IPNet, error) {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		_, ipNet, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid ban entry %q: %w", entry, err)
		}
		return ipNet, nil
	}

	ip := net.ParseIP(entry)
	if ip == nil {
		return nil, fmt.Errorf("invalid ban entry %q", entry)
	}
	bits := 128
	if v4 := ip.To4(); v4 != nil {
		ip = v4
		bits = 32
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}

// Admit reserves a peer slot for remote. The returned release function frees
// the slot and must be called exactly once when the connection ends; further
// calls are no-ops.
func (g *Gater) Admit(remote net.Addr) (release func(), err error) {
	ip := remoteIP(remote)

	g.mu.Lock()
	defer g.mu.Unlock()

	if ip != nil {
		for _, ipNet := range g.banned {
			if ipNet.Contains(ip) {
				return nil, ErrBanned
			}
		}
		if g.limiter != nil && !g.limiter.allow(ip.String()) {
			return nil, ErrRateLimited
		}
	}

	if g.maxPeers > 0 && g.active >= g.maxPeers {
		return nil, ErrCapacity
	}
	g.active++

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			g.active--
			g.mu.Unlock()
		})
	}, nil
}

// Active returns the number of admitted connections not yet released.
func (g *Gater) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

func remoteIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP
	case nil:
		return nil
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}
