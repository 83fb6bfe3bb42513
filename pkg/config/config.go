// Package config loads and validates the YAML configuration for the server
// and client endpoints.
package config

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by setDefaults.
const (
	DefaultBindAddress       = "0.0.0.0"
	DefaultSessionTimeout    = 2 * time.Minute
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultMaxReliableQueue  = 256
)

// Config is the complete endpoint configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Client  ClientConfig  `yaml:"client"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig holds server endpoint settings.
type ServerConfig struct {
	Port              int           `yaml:"port"`
	BindAddress       string        `yaml:"bind_address"`
	PrivateSigningKey string        `yaml:"private_signing_key"` // base64 Ed25519 seed or full key
	SessionTimeout    time.Duration `yaml:"session_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	MaxConnections    int           `yaml:"max_connections"` // 0 = unlimited
	MaxReliableQueue  int           `yaml:"max_reliable_queue"`
}

// ClientConfig holds client endpoint settings.
type ClientConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	ServerPublicKey string `yaml:"server_public_key"` // base64 Ed25519 public key
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	OutputFile string `yaml:"output_file"` // empty = stdout
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}

// SetDefaults fills optional fields with their defaults.
func (c *Config) SetDefaults() {
	if c.Server.BindAddress == "" {
		c.Server.BindAddress = DefaultBindAddress
	}
	if c.Server.SessionTimeout == 0 {
		c.Server.SessionTimeout = DefaultSessionTimeout
	}
	if c.Server.HeartbeatInterval == 0 {
		c.Server.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Server.MaxReliableQueue == 0 {
		c.Server.MaxReliableQueue = DefaultMaxReliableQueue
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		c.Metrics.ListenAddress = "127.0.0.1:9190"
	}
}

// Validate checks field ranges. Server and client sections are validated
// only when their required fields show intent to use them.
func (c *Config) Validate() error {
	if c.Server.Port != 0 {
		if c.Server.Port < 1 || c.Server.Port > 65535 {
			return fmt.Errorf("invalid server port: %d", c.Server.Port)
		}
		if c.Server.PrivateSigningKey == "" {
			return fmt.Errorf("server private signing key is required")
		}
		if _, err := c.ServerSigningKey(); err != nil {
			return err
		}
	}
	if c.Client.Host != "" {
		if c.Client.Port < 1 || c.Client.Port > 65535 {
			return fmt.Errorf("invalid client port: %d", c.Client.Port)
		}
		if c.Client.ServerPublicKey == "" {
			return fmt.Errorf("client server public key is required")
		}
		if _, err := c.ClientServerKey(); err != nil {
			return err
		}
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("invalid max connections: %d", c.Server.MaxConnections)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}
	return nil
}

// ServerSigningKey decodes the server's Ed25519 private key. Both the 32-byte
// seed and the 64-byte expanded form are accepted.
func (c *Config) ServerSigningKey() (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(c.Server.PrivateSigningKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode private signing key: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, fmt.Errorf("private signing key must be %d or %d bytes, got %d",
			ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}
}

// ClientServerKey decodes the pre-shared server Ed25519 public key.
func (c *Config) ClientServerKey() (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(c.Client.ServerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode server public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("server public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// ServerAddr returns the server bind address as "host:port".
func (c *Config) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.BindAddress, c.Server.Port)
}

// ClientTarget returns the client's target server address as "host:port".
func (c *Config) ClientTarget() string {
	return fmt.Sprintf("%s:%d", c.Client.Host, c.Client.Port)
}
