package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server  ServerConfig  `yaml:"server" toml:"server" json:"server"`
	HTTP    HTTPConfig    `yaml:"http" toml:"http" json:"http"`
	Logging LoggingConfig `yaml:"logging" toml:"logging" json:"logging"`
}

// ServerConfig contains OSC listener configuration
type ServerConfig struct {
	UDPPort           int    `yaml:"udp_port" toml:"udp_port" json:"udp_port"`
	BindAddress       string `yaml:"bind_address" toml:"bind_address" json:"bind_address"`
	BufferSize        int    `yaml:"buffer_size" toml:"buffer_size" json:"buffer_size"`                         // bytes, largest datagram accepted
	DeliveryQueueSize int    `yaml:"delivery_queue_size" toml:"delivery_queue_size" json:"delivery_queue_size"` // pending consumer deliveries
	MaxRetiredPeers   int    `yaml:"max_retired_peers" toml:"max_retired_peers" json:"max_retired_peers"`
	ShutdownTimeout   int    `yaml:"shutdown_timeout" toml:"shutdown_timeout" json:"shutdown_timeout"` // seconds
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port" toml:"port" json:"port"`
	Address string `yaml:"address" toml:"address" json:"address"`
	Enabled bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" json:"level"`
	Format string `yaml:"format" toml:"format" json:"format"`
	Output string `yaml:"output" toml:"output" json:"output"`
}

// Default returns the configuration used for any field a config file leaves out.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			UDPPort:           57120,
			BindAddress:       "0.0.0.0",
			BufferSize:        65536,
			DeliveryQueueSize: 1024,
			MaxRetiredPeers:   64,
			ShutdownTimeout:   10,
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "0.0.0.0",
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file. Files ending in .toml are
// parsed as TOML, everything else as YAML. Values missing from the file keep
// their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration. Port 0 asks the OS for an
// ephemeral port.
func (s *ServerConfig) Validate() error {
	if s.UDPPort < 0 || s.UDPPort > 65535 {
		return fmt.Errorf("udp_port must be between 0 and 65535, got %d", s.UDPPort)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.BufferSize < 1024 || s.BufferSize > 65536 {
		return fmt.Errorf("buffer_size must be between 1024 and 65536 bytes, got %d", s.BufferSize)
	}

	if s.DeliveryQueueSize < 1 {
		return fmt.Errorf("delivery_queue_size must be at least 1, got %d", s.DeliveryQueueSize)
	}

	if s.MaxRetiredPeers < 1 {
		return fmt.Errorf("max_retired_peers must be at least 1, got %d", s.MaxRetiredPeers)
	}

	if s.ShutdownTimeout < 1 {
		return fmt.Errorf("shutdown_timeout must be at least 1 second, got %d", s.ShutdownTimeout)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates logging configuration. Any output other than stdout or
// stderr is treated as a file path.
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	if l.Output == "" {
		return fmt.Errorf("output cannot be empty")
	}

	return nil
}

// ListenAddress returns the host:port the OSC listener binds to.
func (s *ServerConfig) ListenAddress() string {
	return fmt.Sprintf("%s:%d", s.BindAddress, s.UDPPort)
}

// GetShutdownTimeoutDuration returns the shutdown timeout as a time.Duration
func (s *ServerConfig) GetShutdownTimeoutDuration() time.Duration {
	return time.Duration(s.ShutdownTimeout) * time.Second
}
