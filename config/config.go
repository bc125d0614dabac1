package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. SANDBOXCTL_SANDBOX_IMAGE.
const EnvPrefix = "SANDBOXCTL"

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Runtime RuntimeConfig `mapstructure:"runtime"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
	Monitor MonitorConfig `mapstructure:"monitor"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	// Transport is "once" to run the configured sandbox and exit, or "stdio" /
	// "http" to serve the run_sandbox MCP tool.
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// RuntimeConfig holds container runtime configuration
type RuntimeConfig struct {
	Backend                string `mapstructure:"backend"`
	Host                   string `mapstructure:"host"`
	PullMissing            bool   `mapstructure:"pull_missing"`
	RetryAttempts          int    `mapstructure:"retry_attempts"`
	RetryInitialIntervalMS int    `mapstructure:"retry_initial_interval_ms"`
	EnableLocalBackend     bool   `mapstructure:"enable_local_backend"`
}

// SandboxConfig holds the spec of the sandbox to run
type SandboxConfig struct {
	Image          string   `mapstructure:"image"`
	Command        []string `mapstructure:"command"`
	TTY            bool     `mapstructure:"tty"`
	NetworkEnabled bool     `mapstructure:"network_enabled"`
	DNSServers     []string `mapstructure:"dns_servers"`
	ReadOnly       bool     `mapstructure:"read_only"`
	RunAsUser      string   `mapstructure:"run_as_user"`
	MemoryMB       int64    `mapstructure:"memory_mb"`
	CPUs           float64  `mapstructure:"cpus"`
}

// MonitorConfig holds lifecycle timing configuration
type MonitorConfig struct {
	DurationSec     int `mapstructure:"duration_sec"`
	StopTimeoutSec  int `mapstructure:"stop_timeout_sec"`
	CleanupGraceSec int `mapstructure:"cleanup_grace_sec"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// New loads and validates the application configuration from config.yaml in
// the working directory or ./config, environment overrides and defaults
func New() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	return load(v)
}

// NewFromFile loads and validates the configuration from the given file
func NewFromFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Validate configuration
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "once")
	v.SetDefault("server.http_port", 8080)

	v.SetDefault("runtime.backend", "docker")
	v.SetDefault("runtime.host", "")
	v.SetDefault("runtime.pull_missing", false)
	v.SetDefault("runtime.retry_attempts", 3)
	v.SetDefault("runtime.retry_initial_interval_ms", 200)
	v.SetDefault("runtime.enable_local_backend", false)

	v.SetDefault("sandbox.image", "ubuntu-ping")
	v.SetDefault("sandbox.command", []string{"ping", "-c", "5", "google.com"})
	v.SetDefault("sandbox.tty", true)
	v.SetDefault("sandbox.network_enabled", true)
	v.SetDefault("sandbox.dns_servers", []string{"8.8.8.8", "8.8.4.4"})
	v.SetDefault("sandbox.read_only", false)
	v.SetDefault("sandbox.run_as_user", "root")
	v.SetDefault("sandbox.memory_mb", 0)
	v.SetDefault("sandbox.cpus", 0)

	v.SetDefault("monitor.duration_sec", 10)
	v.SetDefault("monitor.stop_timeout_sec", 10)
	v.SetDefault("monitor.cleanup_grace_sec", 10)

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	switch c.Server.Transport {
	case "once", "stdio", "http":
	default:
		return fmt.Errorf("invalid server.transport: %s, must be 'once', 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Server.Transport == "http" && (c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535) {
		return fmt.Errorf("invalid server.http_port: %d", c.Server.HTTPPort)
	}

	supportedBackends := map[string]bool{
		"docker": true,
		"podman": true,
		"local":  c.Runtime.EnableLocalBackend, // local only enabled if specifically allowed
	}

	if !supportedBackends[c.Runtime.Backend] {
		return fmt.Errorf("unsupported runtime.backend: %s", c.Runtime.Backend)
	}

	if c.Runtime.RetryAttempts <= 0 {
		return fmt.Errorf("runtime.retry_attempts must be positive, got: %d", c.Runtime.RetryAttempts)
	}

	if c.Runtime.RetryInitialIntervalMS < 0 {
		return fmt.Errorf("runtime.retry_initial_interval_ms must not be negative, got: %d", c.Runtime.RetryInitialIntervalMS)
	}

	if c.Sandbox.Image == "" {
		return fmt.Errorf("sandbox.image must not be empty")
	}

	if c.Sandbox.MemoryMB < 0 {
		return fmt.Errorf("sandbox.memory_mb must not be negative, got: %d", c.Sandbox.MemoryMB)
	}

	if c.Sandbox.CPUs < 0 {
		return fmt.Errorf("sandbox.cpus must not be negative, got: %v", c.Sandbox.CPUs)
	}

	if c.Monitor.DurationSec <= 0 {
		return fmt.Errorf("monitor.duration_sec must be positive, got: %d", c.Monitor.DurationSec)
	}

	if c.Monitor.StopTimeoutSec < 0 {
		return fmt.Errorf("monitor.stop_timeout_sec must not be negative, got: %d", c.Monitor.StopTimeoutSec)
	}

	if c.Monitor.CleanupGraceSec <= 0 {
		return fmt.Errorf("monitor.cleanup_grace_sec must be positive, got: %d", c.Monitor.CleanupGraceSec)
	}

	switch c.Logging.Mode {
	case "production", "development":
	default:
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error", "dpanic", "panic", "fatal":
	default:
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	return nil
}

// GetMonitorDuration returns the monitoring window as a duration
func (c *Config) GetMonitorDuration() time.Duration {
	return time.Duration(c.Monitor.DurationSec) * time.Second
}

// GetStopTimeout returns the graceful stop timeout as a duration
func (c *Config) GetStopTimeout() time.Duration {
	return time.Duration(c.Monitor.StopTimeoutSec) * time.Second
}

// GetCleanupGrace returns the extra time allowed for cleanup calls beyond the
// stop timeout
func (c *Config) GetCleanupGrace() time.Duration {
	return time.Duration(c.Monitor.CleanupGraceSec) * time.Second
}
