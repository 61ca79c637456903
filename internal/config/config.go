package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/M4TTRX/claude-island/internal/transcript"
)

// Config represents the complete configuration
type Config struct {
	Socket     SocketConfig     `mapstructure:"socket"`
	Server     ServerConfig     `mapstructure:"server"`
	Transcript TranscriptConfig `mapstructure:"transcript"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Session    SessionConfig    `mapstructure:"session"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// SocketConfig contains hook socket settings
type SocketConfig struct {
	Path              string        `mapstructure:"path"`
	PermissionTimeout time.Duration `mapstructure:"permission_timeout"`
	ReadBudget        time.Duration `mapstructure:"read_budget"`
	ReadPollInterval  time.Duration `mapstructure:"read_poll_interval"`
	BindMaxAttempts   uint64        `mapstructure:"bind_max_attempts"`
	BindInitialDelay  time.Duration `mapstructure:"bind_initial_delay"`
	BindMaxDelay      time.Duration `mapstructure:"bind_max_delay"`
}

// ServerConfig contains HTTP status API settings
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// TranscriptConfig contains transcript parsing settings
type TranscriptConfig struct {
	Root string `mapstructure:"root"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// SessionConfig contains session management settings
type SessionConfig struct {
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/claude-island/")

	// Environment variable settings
	v.SetEnvPrefix("CLAUDE_ISLAND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicitly bind environment variables
	v.BindEnv("socket.path")
	v.BindEnv("socket.permission_timeout")
	v.BindEnv("server.port")
	v.BindEnv("transcript.root")
	v.BindEnv("database.path")
	v.BindEnv("session.idle_timeout")
	v.BindEnv("session.cleanup_interval")
	v.BindEnv("logging.level")
	v.BindEnv("logging.format")

	setDefaultsWithViper(v)

	// Read config file if exists
	if err := v.ReadInConfig(); err != nil {
		// It's okay if config file doesn't exist
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Unmarshal to struct
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaultsWithViper sets default values with a specific viper instance
func setDefaultsWithViper(v *viper.Viper) {
	// Socket defaults
	v.SetDefault("socket.path", filepath.Join("/tmp", "claude-island.sock"))
	v.SetDefault("socket.permission_timeout", "5m")
	v.SetDefault("socket.read_budget", "500ms")
	v.SetDefault("socket.read_poll_interval", "25ms")
	v.SetDefault("socket.bind_max_attempts", 8)
	v.SetDefault("socket.bind_initial_delay", "100ms")
	v.SetDefault("socket.bind_max_delay", "10s")

	// Server defaults
	v.SetDefault("server.port", 8715)

	// Transcript defaults
	v.SetDefault("transcript.root", transcript.DefaultRoot())

	// Database defaults
	v.SetDefault("database.path", "./data/claude-island.db")

	// Session defaults
	v.SetDefault("session.idle_timeout", "2h")
	v.SetDefault("session.cleanup_interval", "5m")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Socket.Path == "" {
		return fmt.Errorf("socket.path is required")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d", c.Server.Port)
	}

	// Validate time durations
	if c.Socket.PermissionTimeout <= 0 {
		return fmt.Errorf("socket.permission_timeout must be positive")
	}
	if c.Socket.ReadBudget <= 0 {
		return fmt.Errorf("socket.read_budget must be positive")
	}
	if c.Socket.ReadPollInterval <= 0 {
		return fmt.Errorf("socket.read_poll_interval must be positive")
	}
	if c.Socket.ReadPollInterval >= c.Socket.ReadBudget {
		return fmt.Errorf("socket.read_poll_interval must be shorter than socket.read_budget")
	}
	if c.Session.IdleTimeout <= 0 {
		return fmt.Errorf("session.idle_timeout must be positive")
	}
	if c.Session.CleanupInterval <= 0 {
		return fmt.Errorf("session.cleanup_interval must be positive")
	}

	return nil
}
