// Package config holds the relay daemon configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML configs can use forms like "90s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the relayd configuration, loadable from YAML and overridable by
// flags.
type Config struct {
	// Listen is the plain-TCP listen address.
	Listen string `yaml:"listen"`

	// WSListen is the WebSocket listen address. Empty disables the
	// WebSocket endpoint.
	WSListen string `yaml:"ws_listen"`

	// DBPath is the SQLite database path. Empty selects the in-memory
	// store, which loses accounts and history on restart.
	DBPath string `yaml:"db_path"`

	// DBPoolSize is the SQLite connection pool size. Zero uses the
	// store default.
	DBPoolSize int `yaml:"db_pool_size"`

	// ReadTimeout bounds each frame read per connection. Zero disables.
	ReadTimeout Duration `yaml:"read_timeout"`

	// Debug enables debug logging.
	Debug bool `yaml:"debug"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		Listen: ":9009",
		DBPath: "relay.db",
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations that cannot serve.
func (c *Config) Validate() error {
	if c.Listen == "" && c.WSListen == "" {
		return fmt.Errorf("no listen address configured")
	}
	if c.ReadTimeout < 0 {
		return fmt.Errorf("read_timeout must not be negative")
	}
	if c.DBPoolSize < 0 {
		return fmt.Errorf("db_pool_size must not be negative")
	}
	return nil
}
