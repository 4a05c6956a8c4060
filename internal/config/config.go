// Package config loads linecook's YAML configuration.
//
// Every value has a default; a config file only needs the keys it changes.
// The timing values are product tunables, not part of any contract.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fentz26/linecook/internal/logging"
	"github.com/fentz26/linecook/internal/resqueue"
	"gopkg.in/yaml.v3"
)

// Dir is the per-user state directory under $HOME.
const Dir = ".linecook"

// ServerConfig configures the authoritative daemon.
type ServerConfig struct {
	Listen  string `yaml:"listen"`
	DB      string `yaml:"db"`
	Catalog string `yaml:"catalog"`
	// Scope is the tenant scope attached to published events.
	Scope string `yaml:"scope"`
}

// ClientConfig configures an offline-first client session.
type ClientConfig struct {
	Server          string        `yaml:"server"`
	DB              string        `yaml:"db"`
	Actor           string        `yaml:"actor"`
	PushInterval    time.Duration `yaml:"push_interval"`
	PullInterval    time.Duration `yaml:"pull_interval"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	Retention       time.Duration `yaml:"retention"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	MaxRetries      int           `yaml:"max_retries"`
	// BreakerFailures consecutive transport failures open the circuit.
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`
}

// Config models linecook.yaml.
type Config struct {
	Server ServerConfig    `yaml:"server"`
	Client ClientConfig    `yaml:"client"`
	ETA    resqueue.Config `yaml:"eta"`
	Log    logging.Options `yaml:"log"`
}

// Default returns the built-in configuration.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	base := filepath.Join(home, Dir)
	return &Config{
		Server: ServerConfig{
			Listen:  "127.0.0.1:7480",
			DB:      filepath.Join(base, "server.db"),
			Catalog: "catalog.yaml",
			Scope:   "default",
		},
		Client: ClientConfig{
			Server:          "http://127.0.0.1:7480",
			DB:              filepath.Join(base, "client.db"),
			PushInterval:    5 * time.Second,
			PullInterval:    15 * time.Second,
			CleanupInterval: 10 * time.Minute,
			Retention:       24 * time.Hour,
			RequestTimeout:  10 * time.Second,
			MaxRetries:      5,
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
		},
		ETA: resqueue.DefaultConfig(),
		Log: logging.Options{Level: "info", Format: "console"},
	}
}

// DefaultPath returns ~/.linecook/linecook.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "linecook.yaml"
	}
	return filepath.Join(home, Dir, "linecook.yaml")
}

// Load overlays the file at path onto the defaults. A missing file is not
// an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the runtime cannot work with.
func (c *Config) Validate() error {
	cl := c.Client
	switch {
	case cl.PushInterval <= 0, cl.PullInterval <= 0, cl.CleanupInterval <= 0:
		return fmt.Errorf("config: client intervals must be positive")
	case cl.RequestTimeout <= 0:
		return fmt.Errorf("config: client.request_timeout must be positive")
	case cl.MaxRetries < 1:
		return fmt.Errorf("config: client.max_retries must be >= 1")
	case cl.Retention < 0:
		return fmt.Errorf("config: client.retention must not be negative")
	case c.ETA.Window < 1 || c.ETA.MinSamples < 1:
		return fmt.Errorf("config: eta.window and eta.min_samples must be >= 1")
	}
	return nil
}
