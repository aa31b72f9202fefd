package nat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/huin/goupnp"
	"github.com/huin/goupnp/dcps/internetgateway2"
	"github.com/opd-ai/peergate/metrics"
	"github.com/sirupsen/logrus"
)

// igdClient is the part of the WANIPConnection1 and WANPPPConnection1
// clients used for port mapping.
type igdClient interface {
	AddPortMappingCtx(ctx context.Context, NewRemoteHost string, NewExternalPort uint16, NewProtocol string, NewInternalPort uint16, NewInternalClient string, NewEnabled bool, NewPortMappingDescription string, NewLeaseDuration uint32) error
	DeletePortMappingCtx(ctx context.Context, NewRemoteHost string, NewExternalPort uint16, NewProtocol string) error
	GetExternalIPAddressCtx(ctx context.Context) (NewExternalIPAddress string, err error)
}

// gateway is a discovered WAN connection service.
type gateway struct {
	client   igdClient
	service  string
	location *url.URL
}

// UPnP maps ports through an Internet Gateway Device.
type UPnP struct {
	mu          sync.Mutex
	timeout     time.Duration
	lifetime    time.Duration
	description string
	gw          *gateway

	// location skips SSDP and reads the device description from a known URL.
	location *url.URL
	search   func(ctx context.Context) (*gateway, error)
}

var _ Mapper = (*UPnP)(nil)

// NewUPnP creates a UPnP mapper. The gateway is discovered on first use.
func NewUPnP() *UPnP {
	return &UPnP{
		timeout:     10 * time.Second,
		lifetime:    DefaultLifetime,
		description: DefaultDescription,
		search:      searchGateway,
	}
}

func (u *UPnP) String() string {
	return "upnp"
}

// SetTimeout sets the timeout for discovery and SOAP requests.
func (u *UPnP) SetTimeout(timeout time.Duration) {
	u.mu.Lock()
	u.timeout = timeout
	u.mu.Unlock()
}

// SetLifetime sets the lease requested for new mappings. Zero asks the
// gateway for a permanent mapping.
func (u *UPnP) SetLifetime(d time.Duration) {
	u.mu.Lock()
	u.lifetime = d
	u.mu.Unlock()
}

// discover finds the gateway once and caches it.
func (u *UPnP) discover(ctx context.Context) (*gateway, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.gw != nil {
		return u.gw, nil
	}

	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	var (
		gw  *gateway
		err error
	)
	if u.location != nil {
		gw, err = gatewayAt(ctx, u.location)
	} else {
		gw, err = u.search(ctx)
	}
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "UPnP.discover",
		"location": gw.location.String(),
		"service":  gw.service,
	}).Debug("UPnP gateway found")

	u.gw = gw
	return gw, nil
}

// searchGateway finds a WAN connection service with SSDP, preferring
// WANIPConnection over WANPPPConnection.
func searchGateway(ctx context.Context) (*gateway, error) {
	var errs []error

	ipClients, _, err := internetgateway2.NewWANIPConnection1ClientsCtx(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	if len(ipClients) > 0 {
		c := ipClients[0]
		return &gateway{client: c, service: internetgateway2.URN_WANIPConnection_1, location: c.Location}, nil
	}

	pppClients, _, err := internetgateway2.NewWANPPPConnection1ClientsCtx(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	if len(pppClients) > 0 {
		c := pppClients[0]
		return &gateway{client: c, service: internetgateway2.URN_WANPPPConnection_1, location: c.Location}, nil
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrNoGateway, errors.Join(errs...))
	}
	return nil, fmt.Errorf("%w: no UPnP gateway answered", ErrNoGateway)
}

// gatewayAt reads the device description at loc.
func gatewayAt(ctx context.Context, loc *url.URL) (*gateway, error) {
	root, err := goupnp.DeviceByURLCtx(ctx, loc)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch device description: %v", ErrNoGateway, err)
	}
	if clients, err := internetgateway2.NewWANIPConnection1ClientsFromRootDevice(root, loc); err == nil && len(clients) > 0 {
		return &gateway{client: clients[0], service: internetgateway2.URN_WANIPConnection_1, location: loc}, nil
	}
	if clients, err := internetgateway2.NewWANPPPConnection1ClientsFromRootDevice(root, loc); err == nil && len(clients) > 0 {
		return &gateway{client: clients[0], service: internetgateway2.URN_WANPPPConnection_1, location: loc}, nil
	}
	return nil, fmt.Errorf("%w: no WAN connection service at %s", ErrNoGateway, loc)
}

// Map forwards the same external port to port on this host.
func (u *UPnP) Map(ctx context.Context, port int) (*Mapping, error) {
	m, err := u.mapPort(ctx, port)
	if err != nil {
		metrics.PortMappings.WithLabelValues(u.String(), metrics.ResultError).Inc()
		return nil, err
	}
	metrics.PortMappings.WithLabelValues(u.String(), metrics.ResultOK).Inc()

	logrus.WithFields(logrus.Fields{
		"function": "UPnP.Map",
		"internal": m.InternalPort,
		"external": m.ExternalPort,
		"lifetime": m.Lifetime.String(),
	}).Info("UPnP port mapping granted")
	return m, nil
}

func (u *UPnP) mapPort(ctx context.Context, port int) (*Mapping, error) {
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid port %d", port)
	}
	gw, err := u.discover(ctx)
	if err != nil {
		return nil, err
	}
	internalIP, err := localAddress(gw.location)
	if err != nil {
		return nil, err
	}

	u.mu.Lock()
	lifetime, description, timeout := u.lifetime, u.description, u.timeout
	u.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err = gw.client.AddPortMappingCtx(ctx, "", uint16(port), strings.ToUpper(ProtocolTCP),
		uint16(port), internalIP.String(), true, description, uint32(lifetime/time.Second))
	if err != nil {
		return nil, fmt.Errorf("UPnP add port mapping: %w", err)
	}

	return &Mapping{
		Protocol:     ProtocolTCP,
		InternalPort: port,
		ExternalPort: port,
		Lifetime:     lifetime,
		Backend:      u.String(),
	}, nil
}

// Unmap removes m from the gateway.
func (u *UPnP) Unmap(ctx context.Context, m *Mapping) error {
	gw, err := u.discover(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, u.currentTimeout())
	defer cancel()

	if err := gw.client.DeletePortMappingCtx(ctx, "", uint16(m.ExternalPort), strings.ToUpper(m.Protocol)); err != nil {
		return fmt.Errorf("remove UPnP mapping: %w", err)
	}
	return nil
}

// ExternalIP asks the gateway for its public address.
func (u *UPnP) ExternalIP(ctx context.Context) (net.IP, error) {
	gw, err := u.discover(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, u.currentTimeout())
	defer cancel()

	raw, err := gw.client.GetExternalIPAddressCtx(ctx)
	if err != nil {
		return nil, fmt.Errorf("UPnP external address: %w", err)
	}
	ip := net.ParseIP(strings.TrimSpace(raw))
	if ip == nil {
		return nil, fmt.Errorf("invalid external address %q", raw)
	}
	return ip, nil
}

func (u *UPnP) currentTimeout() time.Duration {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.timeout
}

// localAddress returns this host's address on the route to the gateway.
func localAddress(loc *url.URL) (net.IP, error) {
	if loc == nil {
		return nil, errors.New("gateway location unknown")
	}
	host := loc.Host
	if loc.Port() == "" {
		host = net.JoinHostPort(loc.Hostname(), "80")
	}

	conn, err := net.Dial("udp4", host)
	if err != nil {
		return nil, fmt.Errorf("find local address: %w", err)
	}
	defer conn.Close()

	return conn.LocalAddr().(*net.UDPAddr).IP, nil
}
