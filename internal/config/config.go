// Package config loads daemon configuration from the environment with
// sensible defaults for local use.
package config

import (
	"fmt"
	"time"

	"github.com/mstoykov/envconfig"
)

// Config holds all daemon settings. Every field can be overridden
// through a TAB_* environment variable; flags layered on top by the CLI
// win over both.
type Config struct {
	// SocketPath is the unix socket the CLI connects to.
	SocketPath string `envconfig:"TAB_SOCKET_PATH" default:"/tmp/tab-daemon.sock"`

	// WSPort is the loopback port extensions connect to.
	WSPort int `envconfig:"TAB_WS_PORT" default:"9222"`

	// BrowserPath overrides browser executable discovery.
	BrowserPath string `envconfig:"TAB_BROWSER_PATH"`

	// HeartbeatInterval is the delay between extension pings.
	HeartbeatInterval time.Duration `envconfig:"TAB_HEARTBEAT_INTERVAL" default:"30s"`

	// HeartbeatTimeout is how long to wait for a pong.
	HeartbeatTimeout time.Duration `envconfig:"TAB_HEARTBEAT_TIMEOUT" default:"10s"`

	// CommandTimeout bounds each command forwarded to an extension.
	CommandTimeout time.Duration `envconfig:"TAB_COMMAND_TIMEOUT" default:"30s"`

	// ConnectTimeout bounds waiting for an extension after a launch.
	ConnectTimeout time.Duration `envconfig:"TAB_CONNECT_TIMEOUT" default:"30s"`

	// ShutdownTimeout bounds the in-flight drain during shutdown.
	ShutdownTimeout time.Duration `envconfig:"TAB_SHUTDOWN_TIMEOUT" default:"10s"`

	// LogLevel is a logrus level name.
	LogLevel string `envconfig:"TAB_LOG_LEVEL" default:"info"`
}

// Default returns the built-in configuration.
func Default() Config {
	cfg, _ := Load(func(string) (string, bool) { return "", false })
	return cfg
}

// Load reads configuration through the given environment lookup
// (usually os.LookupEnv) and validates it.
func Load(lookup func(key string) (string, bool)) (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg, lookup); err != nil {
		return Config{}, fmt.Errorf("reading environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the daemon cannot run with.
func (c Config) Validate() error {
	if c.SocketPath == "" {
		return fmt.Errorf("socket path must not be empty")
	}
	if c.WSPort < 0 || c.WSPort > 65535 {
		return fmt.Errorf("websocket port %d out of range", c.WSPort)
	}
	for name, d := range map[string]time.Duration{
		"heartbeat interval": c.HeartbeatInterval,
		"heartbeat timeout":  c.HeartbeatTimeout,
		"command timeout":    c.CommandTimeout,
		"connect timeout":    c.ConnectTimeout,
		"shutdown timeout":   c.ShutdownTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}
