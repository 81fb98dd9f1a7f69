package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Default tuning values. MaxPending caps the outbox at 50 entries, evicting
// the oldest, so the queue stays serviceable on a device that is offline for
// days. Set max_pending = 0 to disable the cap.
const (
	DefaultListenAddr      = "127.0.0.1:7477"
	DefaultDrainInterval   = 30 * time.Second
	DefaultProbeInterval   = 15 * time.Second
	DefaultDispatchTimeout = 20 * time.Second
	DefaultMaxPending      = 50
)

// Config represents the global ~/.ceg/config.toml.
type Config struct {
	// EndpointBase is the base URL of the remote emergency coordination API,
	// e.g. "https://checkin.example.org".
	EndpointBase string `toml:"endpoint_base"`
	// ListenAddr is the local address the daemon HTTP API binds to.
	ListenAddr string `toml:"listen_addr"`
	// DrainIntervalSec is the periodic drain tick, a safety net for missed
	// connectivity events.
	DrainIntervalSec int `toml:"drain_interval_sec"`
	// ProbeURL is polled to derive the online/offline signal. Empty disables
	// the prober (state is then driven only by explicit updates).
	ProbeURL         string `toml:"probe_url"`
	ProbeIntervalSec int    `toml:"probe_interval_sec"`
	// DispatchTimeoutSec bounds each individual submission POST.
	DispatchTimeoutSec int `toml:"dispatch_timeout_sec"`
	// MaxPending caps the pending queue; 0 means unbounded.
	MaxPending int `toml:"max_pending"`
}

// Default returns a config with all tuning values at their defaults and the
// probe URL pointed at the endpoint's health route.
func Default(endpointBase string) *Config {
	cfg := &Config{
		EndpointBase:       endpointBase,
		ListenAddr:         DefaultListenAddr,
		DrainIntervalSec:   int(DefaultDrainInterval / time.Second),
		ProbeIntervalSec:   int(DefaultProbeInterval / time.Second),
		DispatchTimeoutSec: int(DefaultDispatchTimeout / time.Second),
		MaxPending:         DefaultMaxPending,
	}
	if endpointBase != "" {
		cfg.ProbeURL = endpointBase + "/api/health"
	}
	return cfg
}

// Load reads config from the given path and fills in defaults for any tuning
// value left unset. Returns an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.DrainIntervalSec <= 0 {
		cfg.DrainIntervalSec = int(DefaultDrainInterval / time.Second)
	}
	if cfg.ProbeIntervalSec <= 0 {
		cfg.ProbeIntervalSec = int(DefaultProbeInterval / time.Second)
	}
	if cfg.DispatchTimeoutSec <= 0 {
		cfg.DispatchTimeoutSec = int(DefaultDispatchTimeout / time.Second)
	}
	if cfg.ProbeURL == "" && cfg.EndpointBase != "" {
		cfg.ProbeURL = cfg.EndpointBase + "/api/health"
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// DrainInterval returns DrainIntervalSec as a duration.
func (c *Config) DrainInterval() time.Duration {
	return time.Duration(c.DrainIntervalSec) * time.Second
}

// ProbeInterval returns ProbeIntervalSec as a duration.
func (c *Config) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalSec) * time.Second
}

// DispatchTimeout returns DispatchTimeoutSec as a duration.
func (c *Config) DispatchTimeout() time.Duration {
	return time.Duration(c.DispatchTimeoutSec) * time.Second
}
