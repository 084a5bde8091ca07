// file: cmd/wskit-chat/config.go
package main

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/kriasoft/ws-kit-go/logging"
)

// ServerConfig contains the HTTP listener settings.
type ServerConfig struct {
	// Name is the human-readable server name used in logs.
	Name string `yaml:"name"`
	// Host is the listen address. Empty means all interfaces.
	Host string `yaml:"host"`
	// Port is the listen port.
	Port int `yaml:"port"`
}

// RedisConfig contains connection settings for the Redis-backed drivers.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PubSubConfig selects the pub/sub driver.
type PubSubConfig struct {
	// Driver is "memory" or "redis".
	Driver string `yaml:"driver"`
	Redis  RedisConfig `yaml:"redis"`
}

// RateLimitConfig configures the per-client message rate limiter.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`
	// Driver is "memory" or "redis". The redis driver shares RedisConfig
	// with pub/sub.
	Driver   string        `yaml:"driver"`
	Capacity int           `yaml:"capacity"`
	Window   time.Duration `yaml:"window"`
}

// LimitsConfig bounds inbound frames and subscriptions.
type LimitsConfig struct {
	MaxPayloadBytes        int `yaml:"max_payload_bytes"`
	MaxTopicsPerConnection int `yaml:"max_topics_per_connection"`
}

// HeartbeatConfig configures liveness probing.
type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Config is the root configuration for the chat server.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	PubSub    PubSubConfig    `yaml:"pubsub"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Limits    LimitsConfig    `yaml:"limits"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
}

// DefaultConfig returns a configuration populated with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Name: "wskit-chat",
			Port: 8080,
		},
		PubSub: PubSubConfig{
			Driver: "memory",
			Redis:  RedisConfig{Addr: "localhost:6379"},
		},
		RateLimit: RateLimitConfig{
			Enabled:  true,
			Driver:   "memory",
			Capacity: 60,
			Window:   time.Minute,
		},
		Limits: LimitsConfig{
			MaxPayloadBytes:        64 * 1024,
			MaxTopicsPerConnection: 100,
		},
		Heartbeat: HeartbeatConfig{
			Interval: 30 * time.Second,
			Timeout:  10 * time.Second,
		},
	}
}

// LoadConfig starts from defaults, merges the YAML file at path if path is
// non-empty, and applies environment overrides last.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()
	if path != "" {
		if len(path) > 0 && path[0] == '~' {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return nil, errors.Wrap(err, "failed to get home directory to expand path")
			}
			path = filepath.Join(homeDir, path[1:])
		}
		data, err := os.ReadFile(path) // #nosec G304 -- path comes from a command-line flag.
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read config file: %s", path)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, errors.Wrapf(err, "failed to parse config file YAML: %s", path)
		}
	}
	applyEnvironmentOverrides(config, logging.GetLogger("config"))
	return config, config.validate()
}

// validate rejects configurations the server cannot run with.
func (c *Config) validate() error {
	switch c.PubSub.Driver {
	case "memory", "redis":
	default:
		return errors.Newf("invalid pubsub driver %q (want memory or redis)", c.PubSub.Driver)
	}
	if c.RateLimit.Enabled {
		switch c.RateLimit.Driver {
		case "memory", "redis":
		default:
			return errors.Newf("invalid rate limit driver %q (want memory or redis)", c.RateLimit.Driver)
		}
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.Newf("invalid server port %d", c.Server.Port)
	}
	return nil
}

// applyEnvironmentOverrides applies overrides from environment variables,
// which take precedence over file values.
func applyEnvironmentOverrides(config *Config, logger logging.Logger) {
	if portStr := os.Getenv("WSKIT_CHAT_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil && port > 0 && port < 65536 {
			logger.Debug("Overriding server port from environment.", "value", port)
			config.Server.Port = port
		} else {
			logger.Warn("Invalid WSKIT_CHAT_PORT environment variable ignored.", "value", portStr)
		}
	}
	if addr := os.Getenv("WSKIT_CHAT_REDIS_ADDR"); addr != "" {
		logger.Debug("Overriding redis address from environment.", "value", addr)
		config.PubSub.Redis.Addr = addr
	}
	if password := os.Getenv("WSKIT_CHAT_REDIS_PASSWORD"); password != "" {
		config.PubSub.Redis.Password = password
	}
	if driver := os.Getenv("WSKIT_CHAT_PUBSUB_DRIVER"); driver != "" {
		logger.Debug("Overriding pubsub driver from environment.", "value", driver)
		config.PubSub.Driver = driver
	}
}
