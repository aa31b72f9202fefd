package nat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	natpmp "github.com/jackpal/go-nat-pmp"
	"github.com/opd-ai/peergate/metrics"
	"github.com/sirupsen/logrus"
)

// pmpProbeTimeout bounds the external address request used to find a
// gateway that speaks NAT-PMP.
const pmpProbeTimeout = 2 * time.Second

// pmpClient is the subset of natpmp.Client used here.
type pmpClient interface {
	AddPortMapping(protocol string, internalPort, requestedExternalPort int, lifetime int) (*natpmp.AddPortMappingResult, error)
	GetExternalAddress() (*natpmp.GetExternalAddressResult, error)
}

// PMP maps ports with NAT-PMP.
type PMP struct {
	mu       sync.Mutex
	gateway  net.IP
	client   pmpClient
	lifetime time.Duration

	// dial creates a client for a gateway; replaced in tests.
	dial func(gw net.IP, timeout time.Duration) pmpClient
}

var _ Mapper = (*PMP)(nil)

// NewPMP creates a NAT-PMP mapper. A nil gateway is discovered on first use.
func NewPMP(gateway net.IP) *PMP {
	return &PMP{
		gateway:  gateway,
		lifetime: DefaultLifetime,
		dial: func(gw net.IP, timeout time.Duration) pmpClient {
			return natpmp.NewClientWithTimeout(gw, timeout)
		},
	}
}

// SetLifetime sets the lease requested for new mappings.
func (p *PMP) SetLifetime(d time.Duration) {
	p.mu.Lock()
	p.lifetime = d
	p.mu.Unlock()
}

func (p *PMP) String() string {
	return "natpmp"
}

// Gateway returns the gateway in use, or nil before discovery.
func (p *PMP) Gateway() net.IP {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gateway
}

// resolve returns a client for the gateway, discovering one if needed.
func (p *PMP) resolve(ctx context.Context) (pmpClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		return p.client, nil
	}
	if p.gateway != nil {
		p.client = p.dial(p.gateway, pmpProbeTimeout*2)
		return p.client, nil
	}

	candidates, err := DiscoverGateways()
	if err != nil {
		return nil, err
	}
	for _, gw := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c := p.dial(gw, pmpProbeTimeout)
		if _, err := runBlocking(ctx, c.GetExternalAddress); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "PMP.resolve",
				"gateway":  gw.String(),
				"error":    err.Error(),
			}).Debug("Gateway does not answer NAT-PMP")
			continue
		}
		p.gateway = gw
		p.client = c
		return c, nil
	}
	return nil, ErrNoGateway
}

// Map requests the same external port as port.
func (p *PMP) Map(ctx context.Context, port int) (*Mapping, error) {
	m, err := p.request(ctx, port, port, p.Lifetime())
	if err != nil {
		metrics.PortMappings.WithLabelValues(p.String(), metrics.ResultError).Inc()
		return nil, err
	}
	metrics.PortMappings.WithLabelValues(p.String(), metrics.ResultOK).Inc()

	logrus.WithFields(logrus.Fields{
		"function": "PMP.Map",
		"gateway":  p.Gateway().String(),
		"internal": m.InternalPort,
		"external": m.ExternalPort,
		"lifetime": m.Lifetime.String(),
	}).Info("NAT-PMP port mapping granted")
	return m, nil
}

// Unmap releases m by requesting a zero lifetime.
func (p *PMP) Unmap(ctx context.Context, m *Mapping) error {
	_, err := p.request(ctx, m.InternalPort, 0, 0)
	if err != nil {
		return fmt.Errorf("remove NAT-PMP mapping: %w", err)
	}
	return nil
}

func (p *PMP) request(ctx context.Context, internal, external int, lifetime time.Duration) (*Mapping, error) {
	client, err := p.resolve(ctx)
	if err != nil {
		return nil, err
	}

	res, err := runBlocking(ctx, func() (*natpmp.AddPortMappingResult, error) {
		return client.AddPortMapping(ProtocolTCP, internal, external, int(lifetime/time.Second))
	})
	if err != nil {
		return nil, fmt.Errorf("NAT-PMP add port mapping: %w", err)
	}
	if res == nil {
		return nil, errors.New("NAT-PMP add port mapping: empty response")
	}

	return &Mapping{
		Protocol:     ProtocolTCP,
		InternalPort: int(res.InternalPort),
		ExternalPort: int(res.MappedExternalPort),
		Lifetime:     time.Duration(res.PortMappingLifetimeInSeconds) * time.Second,
		Backend:      p.String(),
	}, nil
}

// ExternalIP asks the gateway for its public address.
func (p *PMP) ExternalIP(ctx context.Context) (net.IP, error) {
	client, err := p.resolve(ctx)
	if err != nil {
		return nil, err
	}
	res, err := runBlocking(ctx, client.GetExternalAddress)
	if err != nil {
		return nil, fmt.Errorf("NAT-PMP external address: %w", err)
	}
	ip := res.ExternalIPAddress
	return net.IPv4(ip[0], ip[1], ip[2], ip[3]), nil
}

// Lifetime returns the lease requested for new mappings.
func (p *PMP) Lifetime() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lifetime
}
