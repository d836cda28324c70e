package config

import (
	"errors"
	"io/fs"
	"os"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Live            LiveConfig        `yaml:"live"`
	Persistence     PersistenceConfig `yaml:"persistence"`
	Log             LogConfig         `yaml:"log"`
	Server          ServerConfig      `yaml:"server"`
	Database        DatabaseConfig    `yaml:"database"`
	Ledger          LedgerConfig      `yaml:"ledger"`
	Healthcheck     HealthcheckConfig `yaml:"healthcheck"`
	EventBus        EventBusConfig    `yaml:"eventbus"`
	ShutdownTimeout Duration          `yaml:"shutdown_timeout"` // General shutdown timeout for graceful stops
}

// LiveConfig contains live channel (WebSocket) settings
type LiveConfig struct {
	URL               string   `yaml:"url"`
	MaxReconnects     int      `yaml:"max_reconnects"`     // Consecutive reconnect attempts before giving up (default: 60)
	ReconnectInterval Duration `yaml:"reconnect_interval"` // Fixed delay between attempts (default: 2.5s)
	Debounce          Duration `yaml:"debounce"`           // Send coalescing window (default: 10ms)
	HandshakeTimeout  Duration `yaml:"handshake_timeout"`
	WriteTimeout      Duration `yaml:"write_timeout"`
}

// PersistenceConfig contains REST settings endpoint settings
type PersistenceConfig struct {
	BaseURL      string   `yaml:"base_url"`
	Timeout      Duration `yaml:"timeout"`
	RateLimitRPS float64  `yaml:"rate_limit_rps"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level   string `yaml:"level"`
	UseJSON bool   `yaml:"json"`
	Colors  bool   `yaml:"colors"`
}

// ServerConfig contains lamp simulator settings
type ServerConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Script string `yaml:"script"` // Optional Lua hook script
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LedgerConfig contains simulator command ledger settings
type LedgerConfig struct {
	RetentionPeriod   Duration `yaml:"retention_period"`   // Entries older than this are removed (default: 168h)
	RetentionInterval Duration `yaml:"retention_interval"` // How often cleanup runs (default: 1h)
}

// HealthcheckConfig contains health check server settings
type HealthcheckConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// EventBusConfig contains event bus settings
type EventBusConfig struct {
	Workers   int `yaml:"workers"`    // Number of worker goroutines (default: 4)
	QueueSize int `yaml:"queue_size"` // Event queue size (default: 100)
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses the configuration file. A .env file next to the
// working directory is loaded first so ${VAR} references can use it. A
// missing config file yields the defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse parses configuration YAML, expanding environment variables.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	// Live channel defaults
	if cfg.Live.URL == "" {
		cfg.Live.URL = "ws://lamp.local/ws"
	}
	if cfg.Live.MaxReconnects == 0 {
		cfg.Live.MaxReconnects = 60
	}
	if cfg.Live.ReconnectInterval == 0 {
		cfg.Live.ReconnectInterval = Duration(2500 * time.Millisecond)
	}
	if cfg.Live.Debounce == 0 {
		cfg.Live.Debounce = Duration(10 * time.Millisecond)
	}
	if cfg.Live.HandshakeTimeout == 0 {
		cfg.Live.HandshakeTimeout = Duration(5 * time.Second)
	}
	if cfg.Live.WriteTimeout == 0 {
		cfg.Live.WriteTimeout = Duration(2 * time.Second)
	}

	// Persistence defaults
	if cfg.Persistence.BaseURL == "" {
		cfg.Persistence.BaseURL = "http://lamp.local"
	}
	if cfg.Persistence.Timeout == 0 {
		cfg.Persistence.Timeout = Duration(10 * time.Second)
	}
	if cfg.Persistence.RateLimitRPS == 0 {
		cfg.Persistence.RateLimitRPS = 5.0
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	// Simulator defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./lampsim.sqlite"
	}
	if cfg.Ledger.RetentionPeriod == 0 {
		cfg.Ledger.RetentionPeriod = Duration(168 * time.Hour)
	}
	if cfg.Ledger.RetentionInterval == 0 {
		cfg.Ledger.RetentionInterval = Duration(time.Hour)
	}

	// Healthcheck defaults
	if cfg.Healthcheck.Port == 0 {
		cfg.Healthcheck.Port = 9090
	}
	if cfg.Healthcheck.Host == "" {
		cfg.Healthcheck.Host = "0.0.0.0"
	}

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}
}

// GetWorkers returns worker count with default
func (c *EventBusConfig) GetWorkers() int {
	if c.Workers <= 0 {
		return 4
	}
	return c.Workers
}

// GetQueueSize returns queue size with default
func (c *EventBusConfig) GetQueueSize() int {
	if c.QueueSize <= 0 {
		return 100
	}
	return c.QueueSize
}

// GetShutdownTimeout returns the shutdown timeout as a time.Duration
func (c *Config) GetShutdownTimeout() time.Duration {
	return c.ShutdownTimeout.Duration()
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}
