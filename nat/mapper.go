package nat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

const (
	// ProtocolTCP is the only protocol the gateway maps.
	ProtocolTCP = "tcp"

	// DefaultLifetime is the lease requested for a new mapping.
	DefaultLifetime = 2 * time.Hour

	// DefaultDescription labels UPnP mappings in the router's table.
	DefaultDescription = "peergate"
)

var (
	// ErrNoGateway indicates no NAT gateway answered.
	ErrNoGateway = errors.New("no NAT gateway found")

	// ErrNoMapper indicates a mapping was requested with no backend configured.
	ErrNoMapper = errors.New("no port mapper configured")

	// ErrUnknownBackend indicates Unmap was given a mapping from another mapper.
	ErrUnknownBackend = errors.New("mapping belongs to an unknown backend")
)

// Mapping is a port forwarding lease granted by a gateway.
type Mapping struct {
	Protocol     string
	InternalPort int
	ExternalPort int
	Lifetime     time.Duration
	// Backend names the Mapper that created the mapping.
	Backend string
}

func (m *Mapping) String() string {
	return fmt.Sprintf("%s %d->%d via %s (%s)", m.Protocol, m.ExternalPort, m.InternalPort, m.Backend, m.Lifetime)
}

// Mapper creates and removes port mappings.
type Mapper interface {
	// Map forwards an external port to the local port. The gateway may
	// grant a different external port than requested.
	Map(ctx context.Context, port int) (*Mapping, error)
	// Unmap removes a mapping created by Map.
	Unmap(ctx context.Context, m *Mapping) error
	String() string
}

// AddressSource is implemented by backends that can ask the router for its
// public address.
type AddressSource interface {
	ExternalIP(ctx context.Context) (net.IP, error)
}

// Chain tries each mapper in order and keeps the first mapping granted.
type Chain struct {
	mappers []Mapper
}

var _ Mapper = (*Chain)(nil)

// NewChain creates a chain. Nil mappers are skipped.
func NewChain(mappers ...Mapper) *Chain {
	c := &Chain{}
	for _, m := range mappers {
		if m != nil {
			c.mappers = append(c.mappers, m)
		}
	}
	return c
}

// Map returns the first successful mapping. If every backend fails the
// returned error joins all of their errors.
func (c *Chain) Map(ctx context.Context, port int) (*Mapping, error) {
	if len(c.mappers) == 0 {
		return nil, ErrNoMapper
	}

	var errs []error
	for _, m := range c.mappers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		mapping, err := m.Map(ctx, port)
		if err == nil {
			return mapping, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", m, err))
	}
	return nil, errors.Join(errs...)
}

// Unmap forwards to the backend that created m.
func (c *Chain) Unmap(ctx context.Context, m *Mapping) error {
	for _, mapper := range c.mappers {
		if mapper.String() == m.Backend {
			return mapper.Unmap(ctx, m)
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownBackend, m.Backend)
}

// ExternalIP returns the address reported by the first backend that answers.
func (c *Chain) ExternalIP(ctx context.Context) (net.IP, error) {
	var errs []error
	for _, m := range c.mappers {
		src, ok := m.(AddressSource)
		if !ok {
			continue
		}
		ip, err := src.ExternalIP(ctx)
		if err == nil {
			return ip, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", m, err))
	}
	if len(errs) == 0 {
		return nil, ErrNoMapper
	}
	return nil, errors.Join(errs...)
}

// SetLifetime forwards the mapping lease to every backend that accepts one.
func (c *Chain) SetLifetime(d time.Duration) {
	for _, m := range c.mappers {
		if l, ok := m.(interface{ SetLifetime(time.Duration) }); ok {
			l.SetLifetime(d)
		}
	}
}

func (c *Chain) String() string {
	names := make([]string, len(c.mappers))
	for i, m := range c.mappers {
		names[i] = m.String()
	}
	return "chain(" + strings.Join(names, ",") + ")"
}

// ParseMethod builds a mapper from a method name: "pmp", "upnp", "auto"
// (NAT-PMP then UPnP) or "none", which returns a nil Mapper.
func ParseMethod(method string) (Mapper, error) {
	switch strings.ToLower(strings.TrimSpace(method)) {
	case "", "auto", "any":
		return NewChain(NewPMP(nil), NewUPnP()), nil
	case "pmp", "natpmp", "nat-pmp":
		return NewPMP(nil), nil
	case "upnp":
		return NewUPnP(), nil
	case "none", "off":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown NAT method %q", method)
	}
}

// runBlocking runs fn on its own goroutine so ctx can abandon calls that
// take no context.
func runBlocking[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
