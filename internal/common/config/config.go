// Package config provides configuration management for MeshGate.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/meshgate/meshgate/internal/common/logger"
)

// Config holds all configuration sections for MeshGate.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration for the RPC surface.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// GatewayConfig holds the identity and coordination settings of this gateway.
type GatewayConfig struct {
	// ID identifies this gateway within the mesh. Defaults to "local".
	ID string `mapstructure:"id"`

	// SharedSecret is the HMAC key for message signing.
	// Empty means a random 32-byte secret is generated at startup.
	SharedSecret string `mapstructure:"sharedSecret"`

	// Peers lists the peer gateways this node links to.
	Peers []PeerConfig `mapstructure:"peers"`

	// RolesFile is an optional YAML file with extra role definitions.
	RolesFile string `mapstructure:"rolesFile"`

	// CleanupInterval is how often terminal tasks are purged, in seconds.
	CleanupInterval int `mapstructure:"cleanupInterval"`

	// TaskMaxAge is the retention window for terminal tasks, in seconds.
	TaskMaxAge int `mapstructure:"taskMaxAge"`
}

// PeerConfig describes a peer gateway link.
type PeerConfig struct {
	GatewayID string `mapstructure:"gatewayId"`
	URL       string `mapstructure:"url"` // ws:// or wss://
}

// NATSConfig holds NATS event-bridge configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// CheckpointConfig holds checkpoint store configuration.
type CheckpointConfig struct {
	// Enabled controls whether state snapshots are persisted across restarts.
	Enabled bool `mapstructure:"enabled"`
	// Path is the sqlite database file for snapshots.
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// CleanupIntervalDuration returns the cleanup interval as a time.Duration.
func (g *GatewayConfig) CleanupIntervalDuration() time.Duration {
	return time.Duration(g.CleanupInterval) * time.Second
}

// TaskMaxAgeDuration returns the task retention window as a time.Duration.
func (g *GatewayConfig) TaskMaxAgeDuration() time.Duration {
	return time.Duration(g.TaskMaxAge) * time.Second
}

// LoggerConfig converts the logging section to the logger package config.
func (c *Config) LoggerConfig() logger.LoggingConfig {
	return logger.LoggingConfig{
		Level:      c.Logging.Level,
		Format:     c.Logging.Format,
		OutputPath: c.Logging.OutputPath,
	}
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Gateway defaults
	v.SetDefault("gateway.id", "local")
	v.SetDefault("gateway.sharedSecret", "")
	v.SetDefault("gateway.rolesFile", "")
	v.SetDefault("gateway.cleanupInterval", 3600)
	v.SetDefault("gateway.taskMaxAge", 24*3600)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "meshgate")
	v.SetDefault("nats.maxReconnects", 10)

	// Checkpoint defaults
	v.SetDefault("checkpoint.enabled", false)
	v.SetDefault("checkpoint.path", "meshgate.db")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix MESHGATE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/meshgate/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("MESHGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion, so
	// bind the keys where env var naming differs from the config key.
	_ = v.BindEnv("gateway.sharedSecret", "MESHGATE_GATEWAY_SHARED_SECRET")
	_ = v.BindEnv("gateway.rolesFile", "MESHGATE_GATEWAY_ROLES_FILE")
	_ = v.BindEnv("checkpoint.path", "MESHGATE_CHECKPOINT_PATH")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/meshgate/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Gateway.ID == "" {
		errs = append(errs, "gateway.id must not be empty")
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d out of range", cfg.Server.Port))
	}
	for i, peer := range cfg.Gateway.Peers {
		if peer.GatewayID == "" {
			errs = append(errs, fmt.Sprintf("gateway.peers[%d].gatewayId must not be empty", i))
		}
		if peer.URL == "" {
			errs = append(errs, fmt.Sprintf("gateway.peers[%d].url must not be empty", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
