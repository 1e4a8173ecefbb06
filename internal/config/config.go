// Package config loads the per-instance fabric configuration.
//
// Load order: built-in defaults, then an optional jtag.yaml, then
// environment overrides. A .env file in the working directory is applied
// before the environment is read. NODE_ENV=test selects the test-bench
// instance (port 9002) unless the environment pins a port explicitly.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variable names recognized by the fabric. No other variables
// affect it.
const (
	EnvServerPort     = "JTAG_SERVER_PORT"
	EnvUIPort         = "JTAG_UI_PORT"
	EnvTestServerPort = "JTAG_TEST_SERVER_PORT"
	EnvNodeEnv        = "NODE_ENV"
	EnvNATSURL        = "JTAG_NATS_URL"
)

// Default ports per instance.
const (
	DefaultServerPort = 9001
	TestServerPort    = 9002
)

// CatalogFileName is the schema catalog snapshot written at server start.
const CatalogFileName = "generated-command-schemas.json"

// NATS holds the optional events-bridge connection settings. The bridge is
// disabled when URL is empty.
type NATS struct {
	URL      string `yaml:"url"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// Config is the resolved fabric configuration for one instance.
type Config struct {
	// Instance names the deployment; it scopes the state root and defaults
	// to "production" ("test" under NODE_ENV=test).
	Instance string `yaml:"instance"`

	// ServerPort is the WebSocket listener port.
	ServerPort int `yaml:"server_port"`

	// UIPort is advertised to browser pages; the fabric itself does not
	// listen on it.
	UIPort int `yaml:"ui_port"`

	// StateDir overrides the state root parent (default: working directory).
	StateDir string `yaml:"state_dir"`

	// DedupWindow bounds at-most-once delivery for identical hashes.
	DedupWindow time.Duration `yaml:"dedup_window"`

	// QueueSize caps each connection's outbound queue.
	QueueSize int `yaml:"queue_size"`

	// HandshakeTimeout bounds the wait for a session_handshake frame.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// DrainGrace bounds shutdown draining of in-flight requests.
	DrainGrace time.Duration `yaml:"drain_grace"`

	// RequestTimeout is the default correlation deadline.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	LogLevel  string `yaml:"log_level"`
	LogPretty bool   `yaml:"log_pretty"`

	NATS NATS `yaml:"nats"`
}

// Defaults returns the production-instance configuration.
func Defaults() *Config {
	return &Config{
		Instance:         "production",
		ServerPort:       DefaultServerPort,
		UIPort:           0,
		DedupWindow:      2 * time.Second,
		QueueSize:        256,
		HandshakeTimeout: 5 * time.Second,
		DrainGrace:       2 * time.Second,
		RequestTimeout:   30 * time.Second,
		LogLevel:         "info",
		LogPretty:        false,
	}
}

// Load resolves configuration from the given yaml path (may be "" or
// missing) plus the environment.
func Load(path string) (*Config, error) {
	// .env is optional; absence is not an error.
	_ = godotenv.Load()

	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if os.Getenv(EnvNodeEnv) == "test" {
		cfg.Instance = "test"
		cfg.ServerPort = TestServerPort
		if p, ok := envInt(EnvTestServerPort); ok {
			cfg.ServerPort = p
		}
	}
	if p, ok := envInt(EnvServerPort); ok {
		cfg.ServerPort = p
	}
	if p, ok := envInt(EnvUIPort); ok {
		cfg.UIPort = p
	}
	if url := os.Getenv(EnvNATSURL); url != "" {
		cfg.NATS.URL = url
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Validate checks the resolved configuration for usable values.
func (c *Config) Validate() error {
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return fmt.Errorf("invalid server_port %d", c.ServerPort)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("invalid queue_size %d", c.QueueSize)
	}
	if c.DedupWindow <= 0 {
		return fmt.Errorf("invalid dedup_window %s", c.DedupWindow)
	}
	if c.Instance == "" {
		return fmt.Errorf("instance must not be empty")
	}
	return nil
}

// ServerURL returns the WebSocket URL of this instance's server.
func (c *Config) ServerURL() string {
	return fmt.Sprintf("ws://localhost:%d/ws", c.ServerPort)
}

// HTTPFallbackURL returns the HTTP transport endpoint of this instance.
func (c *Config) HTTPFallbackURL() string {
	return fmt.Sprintf("http://localhost:%d/api/jtag/message", c.ServerPort)
}

// StateRoot returns the per-instance state directory,
// .continuum/jtag/<instance> under StateDir or the working directory.
func (c *Config) StateRoot() string {
	base := c.StateDir
	if base == "" {
		base = "."
	}
	return filepath.Join(base, ".continuum", "jtag", c.Instance)
}
