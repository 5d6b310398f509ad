package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nodeprobe/nodeprobe/internal/util"
)

const (
	defaultBindAddr   = "127.0.0.1"
	defaultBindPort   = 8080
	defaultMaxClients = 128

	defaultStorePath = "nodeprobe.db"

	defaultGeoLookupTimeout = 2 * time.Second

	defaultPingCount    = 5
	defaultPingTimeout  = 20 * time.Second
	defaultTraceMaxHops = 30
	defaultTraceHopWait = 2 * time.Second
	defaultTraceTimeout = 45 * time.Second

	defaultTransferSingleBytes = "100mb"
	defaultTransferMultiBytes  = "100mb"
	defaultTransferStreams     = 8
	defaultTransferTimeout     = 30 * time.Second
)

// Duration unmarshals either a bare number of seconds or a Go duration
// string ("1.5s", "2m").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	switch value.Tag {
	case "!!int", "!!float":
		var secs float64
		if err := value.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	default:
		var raw string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		if raw == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	GeoIP    GeoIPConfig    `yaml:"geoip"`
	Probe    ProbeConfig    `yaml:"probe"`
	Transfer TransferConfig `yaml:"transfer"`
}

type ServerConfig struct {
	BindAddr   string `yaml:"bind_addr"`
	BindPort   int    `yaml:"bind_port"`
	MaxClients int    `yaml:"max_clients"`
}

type StoreConfig struct {
	// Path of the SQLite database file. Empty selects the volatile
	// in-memory store: results display but do not survive a restart.
	Path string `yaml:"path"`
}

type GeoIPConfig struct {
	CityDB        string   `yaml:"city_db"`
	ASNDB         string   `yaml:"asn_db"`
	LookupTimeout Duration `yaml:"lookup_timeout"`
}

type ProbeConfig struct {
	PingBinary       string   `yaml:"ping_binary"`
	TracerouteBinary string   `yaml:"traceroute_binary"`
	PingCount        int      `yaml:"ping_count"`
	PingTimeout      Duration `yaml:"ping_timeout"`
	TraceMaxHops     int      `yaml:"trace_max_hops"`
	TraceHopWait     Duration `yaml:"trace_hop_wait"`
	TraceTimeout     Duration `yaml:"trace_timeout"`
}

type TransferConfig struct {
	// BaseURL of the peer whose /download and /upload endpoints the
	// speed test runs against. Empty means this server tests against
	// its own endpoints.
	BaseURL     string   `yaml:"base_url"`
	SingleBytes string   `yaml:"single_bytes"`
	MultiBytes  string   `yaml:"multi_bytes"`
	Streams     int      `yaml:"streams"`
	Timeout     Duration `yaml:"timeout"`
}

// LoadConfig reads, defaults and validates a YAML config file.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var cfg Config
	cfg.ApplyDefaults()
	return cfg
}

func (c *Config) ApplyDefaults() {
	if c.Server.BindAddr == "" {
		c.Server.BindAddr = defaultBindAddr
	}
	if c.Server.BindPort == 0 {
		c.Server.BindPort = defaultBindPort
	}
	if c.Server.MaxClients == 0 {
		c.Server.MaxClients = defaultMaxClients
	}
	if c.Store.Path == "" {
		c.Store.Path = defaultStorePath
	}
	if c.GeoIP.LookupTimeout == 0 {
		c.GeoIP.LookupTimeout = Duration(defaultGeoLookupTimeout)
	}
	if c.Probe.PingCount == 0 {
		c.Probe.PingCount = defaultPingCount
	}
	if c.Probe.PingTimeout == 0 {
		c.Probe.PingTimeout = Duration(defaultPingTimeout)
	}
	if c.Probe.TraceMaxHops == 0 {
		c.Probe.TraceMaxHops = defaultTraceMaxHops
	}
	if c.Probe.TraceHopWait == 0 {
		c.Probe.TraceHopWait = Duration(defaultTraceHopWait)
	}
	if c.Probe.TraceTimeout == 0 {
		c.Probe.TraceTimeout = Duration(defaultTraceTimeout)
	}
	if c.Transfer.SingleBytes == "" {
		c.Transfer.SingleBytes = defaultTransferSingleBytes
	}
	if c.Transfer.MultiBytes == "" {
		c.Transfer.MultiBytes = defaultTransferMultiBytes
	}
	if c.Transfer.Streams == 0 {
		c.Transfer.Streams = defaultTransferStreams
	}
	if c.Transfer.Timeout == 0 {
		c.Transfer.Timeout = Duration(defaultTransferTimeout)
	}
}

func (c *Config) Validate() error {
	if c.Server.BindPort < 0 || c.Server.BindPort > 65535 {
		return fmt.Errorf("invalid bind_port %d", c.Server.BindPort)
	}
	if c.Server.MaxClients < 1 {
		return fmt.Errorf("max_clients must be >= 1")
	}
	if c.Probe.PingCount < 1 {
		return fmt.Errorf("ping_count must be >= 1")
	}
	if c.Probe.TraceMaxHops < 1 {
		return fmt.Errorf("trace_max_hops must be >= 1")
	}
	if c.Transfer.Streams < 1 {
		return fmt.Errorf("transfer streams must be >= 1")
	}
	if _, err := c.SingleBytes(); err != nil {
		return fmt.Errorf("invalid single_bytes: %w", err)
	}
	if _, err := c.MultiBytes(); err != nil {
		return fmt.Errorf("invalid multi_bytes: %w", err)
	}
	if c.Transfer.Timeout.Duration() <= 0 {
		return fmt.Errorf("transfer timeout must be > 0")
	}
	return nil
}

// SingleBytes returns the single-stream test size in bytes.
func (c *Config) SingleBytes() (int64, error) {
	return util.ParseBytes(c.Transfer.SingleBytes)
}

// MultiBytes returns the multi-stream test size in bytes.
func (c *Config) MultiBytes() (int64, error) {
	return util.ParseBytes(c.Transfer.MultiBytes)
}
