package reachability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pion/stun"
	"github.com/sirupsen/logrus"
)

// DefaultProbeTimeout bounds a single probe.
const DefaultProbeTimeout = 10 * time.Second

// DefaultSTUNServers are queried in order to learn the public address.
var DefaultSTUNServers = []string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
	"stun.cloudflare.com:3478",
}

// HTTPProber asks an external port-check service whether a port is open.
//
// The URL may contain "{port}", which is replaced by the port number;
// otherwise a "port" query parameter is added. A JSON response is read as
// {"open": bool} or {"reachable": bool}; any other body counts as open when
// it mentions "open" and not "closed".
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// NewHTTPProber creates a prober for rawURL.
func NewHTTPProber(rawURL string) *HTTPProber {
	return &HTTPProber{
		URL:    rawURL,
		Client: &http.Client{Timeout: DefaultProbeTimeout},
	}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context, port int) (bool, error) {
	target, err := p.target(port)
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create probe request: %w", err)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return false, fmt.Errorf("probe request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return false, fmt.Errorf("failed to read probe response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("probe service returned %s", resp.Status)
	}

	open, err := parseProbeBody(resp.Header.Get("Content-Type"), body)
	if err != nil {
		return false, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "HTTPProber.Probe",
		"port":     port,
		"open":     open,
	}).Debug("Port check finished")
	return open, nil
}

func (p *HTTPProber) target(port int) (string, error) {
	portStr := strconv.Itoa(port)
	if strings.Contains(p.URL, "{port}") {
		return strings.ReplaceAll(p.URL, "{port}", portStr), nil
	}
	u, err := url.Parse(p.URL)
	if err != nil {
		return "", fmt.Errorf("invalid probe URL: %w", err)
	}
	q := u.Query()
	q.Set("port", portStr)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func parseProbeBody(contentType string, body []byte) (bool, error) {
	if strings.Contains(contentType, "json") {
		var result struct {
			Open      *bool `json:"open"`
			Reachable *bool `json:"reachable"`
		}
		if err := json.Unmarshal(body, &result); err != nil {
			return false, fmt.Errorf("invalid probe response: %w", err)
		}
		switch {
		case result.Open != nil:
			return *result.Open, nil
		case result.Reachable != nil:
			return *result.Reachable, nil
		default:
			return false, errors.New("probe response has no open field")
		}
	}

	text := strings.ToLower(string(body))
	return strings.Contains(text, "open") && !strings.Contains(text, "closed"), nil
}

// DialProber learns the public address over STUN and then tries to open a
// TCP connection to it. Routers without hairpin support report closed ports
// this way even when outside peers could connect, so HTTPProber is preferred
// when a port-check service is available.
type DialProber struct {
	STUNServers []string
	DialTimeout time.Duration

	// publicIP is replaced in tests.
	publicIP func(ctx context.Context) (net.IP, error)
}

// NewDialProber creates a prober using DefaultSTUNServers.
func NewDialProber() *DialProber {
	p := &DialProber{
		STUNServers: DefaultSTUNServers,
		DialTimeout: 5 * time.Second,
	}
	p.publicIP = p.stunPublicIP
	return p
}

// Probe implements Prober.
func (p *DialProber) Probe(ctx context.Context, port int) (bool, error) {
	ip, err := p.publicIP(ctx)
	if err != nil {
		return false, err
	}

	d := net.Dialer{Timeout: p.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(ip.String(), strconv.Itoa(port)))
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		logrus.WithFields(logrus.Fields{
			"function": "DialProber.Probe",
			"address":  ip.String(),
			"port":     port,
			"error":    err.Error(),
		}).Debug("Public address did not accept a connection")
		return false, nil
	}
	_ = conn.Close()
	return true, nil
}

// stunPublicIP tries each STUN server until one reports our address.
func (p *DialProber) stunPublicIP(ctx context.Context) (net.IP, error) {
	var lastErr error
	for _, server := range p.STUNServers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ip, err := stunExternalIP(ctx, server)
		if err == nil {
			return ip, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no STUN servers configured")
	}
	return nil, fmt.Errorf("all STUN servers failed, last error: %w", lastErr)
}

// stunExternalIP sends one binding request to server.
func stunExternalIP(ctx context.Context, server string) (net.IP, error) {
	conn, err := stun.Dial("udp4", server)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to STUN server %s: %w", server, err)
	}
	defer conn.Close()

	type result struct {
		ip  net.IP
		err error
	}
	ch := make(chan result, 1)
	go func() {
		message := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
		var response *stun.Event
		err := conn.Do(message, func(event stun.Event) {
			response = &event
		})
		if err != nil {
			ch <- result{err: err}
			return
		}
		if response.Error != nil {
			ch <- result{err: response.Error}
			return
		}
		var mapped stun.XORMappedAddress
		if err := mapped.GetFrom(response.Message); err != nil {
			ch <- result{err: err}
			return
		}
		ch <- result{ip: mapped.IP}
	}()

	select {
	case r := <-ch:
		return r.ip, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AssumeReachable reports every port as reachable. It disables the
// external check for nodes with a known public address.
type AssumeReachable struct{}

// Probe implements Prober.
func (AssumeReachable) Probe(context.Context, int) (bool, error) {
	return true, nil
}

// ParseProber builds a prober from a method name: "http" (requires url),
// "dial" or "none".
func ParseProber(method, probeURL string) (Prober, error) {
	switch strings.ToLower(strings.TrimSpace(method)) {
	case "http":
		if probeURL == "" {
			return nil, errors.New("http probe requires a probe URL")
		}
		return NewHTTPProber(probeURL), nil
	case "dial", "stun":
		return NewDialProber(), nil
	case "", "none", "off":
		return AssumeReachable{}, nil
	default:
		return nil, fmt.Errorf("unknown probe method %q", method)
	}
}
