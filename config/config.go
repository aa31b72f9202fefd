package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/opd-ai/peergate"
	"github.com/opd-ai/peergate/nat"
	"github.com/opd-ai/peergate/reachability"
	"github.com/opd-ai/peergate/registry"
	"github.com/sirupsen/logrus"
)

// Config is the on-disk configuration of a gateway.
type Config struct {
	// Port is the preferred peer listening port.
	Port     int `toml:"port"`
	MaxPeers int `toml:"max_peers"`

	HandshakeTimeout    time.Duration `toml:"-"`
	HandshakeTimeoutRaw string        `toml:"handshake_timeout"`
	ListenTimeout       time.Duration `toml:"-"`
	ListenTimeoutRaw    string        `toml:"listen_timeout"`

	// Banned lists CIDR blocks or single addresses refused at accept time.
	Banned []string `toml:"banned"`

	RateLimit RateLimitConfig `toml:"rate_limit"`
	Probe     ProbeConfig     `toml:"probe"`
	NAT       NATConfig       `toml:"nat"`
	Registry  RegistryConfig  `toml:"registry"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Log       LogConfig       `toml:"log"`
}

// RateLimitConfig bounds connection attempts per remote host.
type RateLimitConfig struct {
	PerHost float64 `toml:"per_host"`
	Burst   int     `toml:"burst"`
}

// ProbeConfig selects the external reachability check.
type ProbeConfig struct {
	// Method is "http", "dial" or "none".
	Method string `toml:"method"`
	URL    string `toml:"url"`
}

// NATConfig selects the port-mapping fallback.
type NATConfig struct {
	// Method is "auto", "pmp", "upnp" or "none".
	Method      string        `toml:"method"`
	Lifetime    time.Duration `toml:"-"`
	LifetimeRaw string        `toml:"lifetime"`
}

// RegistryConfig selects where pending outbound requests are kept.
type RegistryConfig struct {
	// Backend is "memory" or "redis".
	Backend  string        `toml:"backend"`
	Capacity int           `toml:"capacity"`
	TTL      time.Duration `toml:"-"`
	TTLRaw   string        `toml:"ttl"`

	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
}

// MetricsConfig controls the Prometheus and health endpoint.
type MetricsConfig struct {
	// Addr is the HTTP listen address. Empty disables the endpoint.
	Addr string `toml:"addr"`
}

// LogConfig controls logrus output.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	options := peergate.NewOptions()
	return &Config{
		Port:             options.Port,
		MaxPeers:         options.MaxPeers,
		HandshakeTimeout: options.HandshakeTimeout,
		ListenTimeout:    options.ListenTimeout,
		RateLimit: RateLimitConfig{
			PerHost: options.ConnRatePerHost,
			Burst:   options.ConnBurst,
		},
		Probe: ProbeConfig{Method: "none"},
		NAT: NATConfig{
			Method:   "auto",
			Lifetime: nat.DefaultLifetime,
		},
		Registry: RegistryConfig{
			Backend:  "memory",
			Capacity: registry.DefaultMemoryCapacity,
			TTL:      registry.DefaultTTL,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path on top of the defaults.
func Load(path string) (*Config, error) {
	c := Default()
	c.fillRaw()

	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := c.finish(md); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes a configuration document on top of the defaults.
func Parse(data string) (*Config, error) {
	c := Default()
	c.fillRaw()

	md, err := toml.Decode(data, c)
	if err != nil {
		return nil, err
	}
	if err := c.finish(md); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) finish(md toml.MetaData) error {
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	if err := c.parseRaw(); err != nil {
		return err
	}
	return c.Validate()
}

// fillRaw copies the parsed durations into their string fields.
func (c *Config) fillRaw() {
	c.HandshakeTimeoutRaw = c.HandshakeTimeout.String()
	c.ListenTimeoutRaw = c.ListenTimeout.String()
	c.NAT.LifetimeRaw = c.NAT.Lifetime.String()
	c.Registry.TTLRaw = c.Registry.TTL.String()
}

func (c *Config) parseRaw() error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"handshake_timeout", c.HandshakeTimeoutRaw, &c.HandshakeTimeout},
		{"listen_timeout", c.ListenTimeoutRaw, &c.ListenTimeout},
		{"nat.lifetime", c.NAT.LifetimeRaw, &c.NAT.Lifetime},
		{"registry.ttl", c.Registry.TTLRaw, &c.Registry.TTL},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = d
	}
	return nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.MaxPeers < 0 {
		errs = append(errs, fmt.Errorf("max_peers must not be negative"))
	}
	if c.HandshakeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("handshake_timeout must be positive"))
	}
	if c.ListenTimeout <= 0 {
		errs = append(errs, fmt.Errorf("listen_timeout must be positive"))
	}
	if c.RateLimit.PerHost < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, fmt.Errorf("rate_limit values must not be negative"))
	}

	switch strings.ToLower(c.Probe.Method) {
	case "http":
		if c.Probe.URL == "" {
			errs = append(errs, fmt.Errorf("probe.url is required for the http probe"))
		}
	case "", "none", "off", "dial", "stun":
	default:
		errs = append(errs, fmt.Errorf("unknown probe.method %q", c.Probe.Method))
	}

	switch strings.ToLower(c.NAT.Method) {
	case "", "auto", "any", "pmp", "natpmp", "nat-pmp", "upnp", "none", "off":
	default:
		errs = append(errs, fmt.Errorf("unknown nat.method %q", c.NAT.Method))
	}
	if c.NAT.Lifetime < time.Minute {
		errs = append(errs, fmt.Errorf("nat.lifetime must be at least 1m"))
	}

	switch strings.ToLower(c.Registry.Backend) {
	case "", "memory":
		if c.Registry.Capacity < 0 {
			errs = append(errs, fmt.Errorf("registry.capacity must not be negative"))
		}
	case "redis":
		if c.Registry.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("registry.redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown registry.backend %q", c.Registry.Backend))
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log.format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Options builds server options. A Redis registry is connected here, so ctx
// bounds the connection attempt.
func (c *Config) Options(ctx context.Context) (*peergate.Options, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	options := peergate.NewOptions()
	options.Port = c.Port
	options.MaxPeers = c.MaxPeers
	options.HandshakeTimeout = c.HandshakeTimeout
	options.ListenTimeout = c.ListenTimeout
	options.Banned = append([]string(nil), c.Banned...)
	options.ConnRatePerHost = c.RateLimit.PerHost
	options.ConnBurst = c.RateLimit.Burst

	prober, err := reachability.ParseProber(c.Probe.Method, c.Probe.URL)
	if err != nil {
		return nil, err
	}
	options.Prober = prober

	mapper, err := nat.ParseMethod(c.NAT.Method)
	if err != nil {
		return nil, err
	}
	if mapper != nil {
		if l, ok := mapper.(interface{ SetLifetime(time.Duration) }); ok {
			l.SetLifetime(c.NAT.Lifetime)
		}
		options.Mapper = mapper
	}

	switch strings.ToLower(c.Registry.Backend) {
	case "redis":
		options.Registry, err = registry.NewRedis(ctx, c.Registry.RedisAddr, c.Registry.RedisPassword, c.Registry.RedisDB, c.Registry.TTL)
	default:
		options.Registry, err = registry.NewMemory(c.Registry.Capacity, c.Registry.TTL)
	}
	if err != nil {
		return nil, err
	}
	return options, nil
}

// ConfigureLogging applies the log section to the standard logrus logger.
func (c *Config) ConfigureLogging(out io.Writer) error {
	return ConfigureLogging(out, c.Log.Level, c.Log.Format)
}

// ConfigureLogging sets the level and formatter of the standard logrus logger.
func ConfigureLogging(out io.Writer, level, format string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	switch strings.ToLower(format) {
	case "", "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	logrus.SetLevel(lvl)
	if out != nil {
		logrus.SetOutput(out)
	}
	return nil
}

// Encode writes c as TOML.
func (c *Config) Encode(w io.Writer) error {
	c.fillRaw()
	return toml.NewEncoder(w).Encode(c)
}
