package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"safnode.dev/go/safnode/internal/saf"
)

// Config represents the safnode configuration file
type Config struct {
	Identity  IdentityConfig  `toml:"identity"`
	Daemon    DaemonConfig    `toml:"daemon"`
	Discovery DiscoveryConfig `toml:"discovery"`
	Logging   LoggingConfig   `toml:"logging"`
	SAF       SAFConfig       `toml:"saf"`
}

type IdentityConfig struct {
	Name string `toml:"name"`
}

// DaemonConfig contains daemon-related settings
type DaemonConfig struct {
	P2PPort int `toml:"p2p_port"`
	APIPort int `toml:"api_port"`
	// PublicAddress is advertised to peers; empty means derive from P2PPort.
	PublicAddress string `toml:"public_address"`
	// MaxPeerRate is the sustained inbound messages per second per peer.
	MaxPeerRate float64 `toml:"max_peer_rate"`
	InboxSize   int     `toml:"inbox_size"`
}

// DiscoveryConfig contains peer discovery settings
type DiscoveryConfig struct {
	MDNS        bool     `toml:"mdns"`
	ManualPeers []string `toml:"manual_peers"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text, json
}

// SAFConfig contains store-and-forward settings
type SAFConfig struct {
	NumClosestNodes      int      `toml:"num_closest_nodes"`
	MaxReturnedMessages  int      `toml:"max_returned_messages"`
	NumNeighbouringNodes int      `toml:"num_neighbouring_nodes"`
	MsgCacheCapacity     int      `toml:"msg_cache_capacity"`
	MsgStorageTTL        Duration `toml:"msg_storage_ttl"`
	DedupCacheCapacity   int      `toml:"dedup_cache_capacity"`
	DedupTTL             Duration `toml:"dedup_ttl"`
	ProcessingTimeout    Duration `toml:"processing_timeout"`
	ShutdownGrace        Duration `toml:"shutdown_grace"`
	Workers              int      `toml:"workers"`
	SweepInterval        Duration `toml:"sweep_interval"`
	RequestOnConnect     bool     `toml:"request_on_connect"`
}

// Duration is a time.Duration written as a string such as "6h" or "30s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// Default returns a config with sensible defaults
func Default() *Config {
	s := saf.DefaultConfig()
	return &Config{
		Daemon: DaemonConfig{
			P2PPort:     7946,
			APIPort:     7947,
			MaxPeerRate: 50,
			InboxSize:   1000,
		},
		Discovery: DiscoveryConfig{
			MDNS:        true,
			ManualPeers: []string{},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		SAF: SAFConfig{
			NumClosestNodes:      s.NumClosestNodes,
			MaxReturnedMessages:  s.MaxReturnedMessages,
			NumNeighbouringNodes: s.NumNeighbouringNodes,
			MsgCacheCapacity:     s.MsgCacheCapacity,
			MsgStorageTTL:        Duration{s.MsgStorageTTL},
			DedupCacheCapacity:   s.DedupCacheCapacity,
			DedupTTL:             Duration{s.DedupTTL},
			ProcessingTimeout:    Duration{s.ProcessingTimeout},
			ShutdownGrace:        Duration{s.ShutdownGrace},
			Workers:              s.Workers,
			SweepInterval:        Duration{s.SweepInterval},
			RequestOnConnect:     true,
		},
	}
}

// Load loads the configuration from the default config file
func Load() (*Config, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, fmt.Errorf("get paths: %w", err)
	}
	return LoadFrom(paths.ConfigFile)
}

// LoadFrom loads the configuration from a specific file. A missing file
// yields the defaults.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

// Save saves the configuration to the default config file
func (c *Config) Save() error {
	paths, err := GetPaths()
	if err != nil {
		return fmt.Errorf("get paths: %w", err)
	}
	return c.SaveTo(paths.ConfigFile)
}

// SaveTo saves the configuration to a specific file
func (c *Config) SaveTo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Daemon.P2PPort < 1 || c.Daemon.P2PPort > 65535 {
		return fmt.Errorf("invalid P2P port: %d", c.Daemon.P2PPort)
	}
	if c.Daemon.APIPort < 0 || c.Daemon.APIPort > 65535 {
		return fmt.Errorf("invalid API port: %d", c.Daemon.APIPort)
	}
	if c.Daemon.MaxPeerRate < 0 {
		return fmt.Errorf("invalid max peer rate: %v", c.Daemon.MaxPeerRate)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	return c.SAFConfig().Validate()
}

// SAFConfig converts the [saf] section for the saf package.
func (c *Config) SAFConfig() saf.Config {
	return saf.Config{
		NumClosestNodes:      c.SAF.NumClosestNodes,
		MaxReturnedMessages:  c.SAF.MaxReturnedMessages,
		NumNeighbouringNodes: c.SAF.NumNeighbouringNodes,
		MsgCacheCapacity:     c.SAF.MsgCacheCapacity,
		MsgStorageTTL:        c.SAF.MsgStorageTTL.Duration,
		DedupCacheCapacity:   c.SAF.DedupCacheCapacity,
		DedupTTL:             c.SAF.DedupTTL.Duration,
		ProcessingTimeout:    c.SAF.ProcessingTimeout.Duration,
		ShutdownGrace:        c.SAF.ShutdownGrace.Duration,
		Workers:              c.SAF.Workers,
		SweepInterval:        c.SAF.SweepInterval.Duration,
	}
}
